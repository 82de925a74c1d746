package topology

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/usage"
)

// mdSuperblockK is reserved on every member for the RAID superblock.
const mdSuperblockK = 128

func parseMdDevice(device string) (int, bool) {
	if !strings.HasPrefix(device, "/dev/md") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(device, "/dev/md"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CreateRaid queues a new software RAID array named device (/dev/mdN) built from
// devices, with optional spares.
func (s *Storage) CreateRaid(device string, level RaidLevel, devices, spares []string) error {
	return s.mutate("create-raid", func() error {
		const op = "create-raid"
		num, ok := parseMdDevice(device)
		if !ok {
			return errcode.New(errcode.InvalidName, op, device, "expected /dev/mdN")
		}
		min := level.MinDevices()
		if min == 0 {
			return errcode.New(errcode.InvalidArgument, op, device, "unknown raid level %q", level)
		}
		if len(devices) < min {
			return errcode.New(errcode.InvalidArgument, op, device, "%s needs at least %d devices, got %d", level, min, len(devices))
		}
		all := append(append([]string(nil), devices...), spares...)
		if d := duplicates(all); d != "" {
			return errcode.New(errcode.InvalidArgument, op, d, "listed twice")
		}
		if _, v := s.findVolume(device); v != nil {
			return errcode.New(errcode.DuplicateName, op, device, "array exists")
		}
		for _, dev := range all {
			if err := s.checkUsable(op, dev); err != nil {
				return err
			}
		}

		c := s.groupContainer(KindMd)
		if c.ReadOnly {
			return errcode.New(errcode.ReadOnly, op, c.Name, "raid group is read-only")
		}
		v := &Volume{
			Kind:      VolRaid,
			Container: c.Name,
			Name:      path.Base(device),
			Num:       num,
			Device:    device,
			Created:   true,
			Raid: &RaidInfo{
				Level:   level,
				ChunkK:  defaultChunkK(level),
				Devices: append([]string(nil), devices...),
				Spares:  append([]string(nil), spares...),
			},
		}
		v.SizeK = s.raidSizeK(v.Raid)
		c.Volumes = append(c.Volumes, v)
		if err := s.absorb(all, usage.KindMd, device); err != nil {
			return err
		}

		s.log.WithFields(logrus.Fields{
			"device":  device,
			"level":   level,
			"members": devices,
			"size_k":  v.SizeK,
		}).Info("raid planned")
		return nil
	})
}

// CreateRaidAny is CreateRaid on the first free /dev/mdN. It returns the device.
func (s *Storage) CreateRaidAny(level RaidLevel, devices, spares []string) (string, error) {
	used := map[int]bool{}
	if c := s.container(KindMd.String()); c != nil {
		for _, v := range c.Volumes {
			used[v.Num] = true
		}
	}
	n := 0
	for used[n] {
		n++
	}
	dev := fmt.Sprintf("/dev/md%d", n)
	if err := s.CreateRaid(dev, level, devices, spares); err != nil {
		return "", err
	}
	return dev, nil
}

func defaultChunkK(level RaidLevel) uint64 {
	if level == Raid1 {
		return 0
	}
	return 512
}

func (s *Storage) raidSizeK(r *RaidInfo) uint64 {
	var smallest uint64
	for i, dev := range r.Devices {
		size, _ := s.deviceSizeK(dev)
		if i == 0 || size < smallest {
			smallest = size
		}
	}
	if smallest <= mdSuperblockK {
		return 0
	}
	return r.Level.SizeK(len(r.Devices), smallest-mdSuperblockK)
}

// AddRaidMember adds device to an array, as a spare when spare is set. On an existing
// array the change is queued for the Increase stage.
func (s *Storage) AddRaidMember(array, device string, spare bool) error {
	return s.mutate("add-raid-member", func() error {
		const op = "add-raid-member"
		_, v, err := s.volumeOf(op, array, VolRaid)
		if err != nil {
			return err
		}
		r := v.Raid
		if contains(r.Devices, device) || contains(r.Spares, device) || contains(r.Added, device) {
			return errcode.New(errcode.AlreadyMember, op, device, "already in %s", array)
		}
		if contains(r.Removed, device) {
			r.Removed = remove(r.Removed, device)
		} else {
			if err := s.checkUsable(op, device); err != nil {
				return err
			}
			switch {
			case v.Created && spare:
				r.Spares = append(r.Spares, device)
			case v.Created:
				r.Devices = append(r.Devices, device)
				v.SizeK = s.raidSizeK(r)
			default:
				r.Added = append(r.Added, device)
			}
		}
		return s.absorb([]string{device}, usage.KindMd, v.Device)
	})
}

// RemoveRaidMember takes device out of an array. On an existing array the change is
// queued for the Decrease stage and the array must keep its minimum member count.
func (s *Storage) RemoveRaidMember(array, device string) error {
	return s.mutate("remove-raid-member", func() error {
		const op = "remove-raid-member"
		_, v, err := s.volumeOf(op, array, VolRaid)
		if err != nil {
			return err
		}
		r := v.Raid
		switch {
		case contains(r.Removed, device):
			return errcode.New(errcode.InvalidArgument, op, device, "removal already queued")
		case contains(r.Added, device):
			r.Added = remove(r.Added, device)
		case contains(r.Spares, device):
			if v.Created {
				r.Spares = remove(r.Spares, device)
			} else {
				r.Removed = append(r.Removed, device)
			}
		case contains(r.Devices, device) && !contains(r.Removed, device):
			active := len(r.Devices) - countIn(r.Devices, r.Removed)
			if active-1 < r.Level.MinDevices() {
				return errcode.New(errcode.InvalidArgument, op, device,
					"%s would drop below %d members", array, r.Level.MinDevices())
			}
			if v.Created {
				r.Devices = remove(r.Devices, device)
				v.SizeK = s.raidSizeK(r)
			} else {
				r.Removed = append(r.Removed, device)
			}
		default:
			return errcode.New(errcode.UnknownDevice, op, device, "not a member of %s", array)
		}
		s.usage.ClearUsed(device)
		return nil
	})
}

// RemoveRaid deletes an array and releases its members.
func (s *Storage) RemoveRaid(device string) error {
	return s.mutate("remove-raid", func() error {
		return s.removeRaid(device)
	})
}

func (s *Storage) removeRaid(device string) error {
	c, v, err := s.volumeOf("remove-raid", device, VolRaid)
	if err != nil {
		return err
	}
	if err := s.releaseConsumer("remove-raid", v.Device); err != nil {
		return err
	}
	s.usage.ClearConsumer(usage.KindMd, v.Device)
	s.deleteVolume(c, v)
	return nil
}

func countIn(list, subset []string) int {
	n := 0
	for _, x := range subset {
		if contains(list, x) {
			n++
		}
	}
	return n
}
