// Package topology holds the in-memory model of a machine's block-storage layout.
//
// Storage is a registry of Containers (disks, volume groups, RAID, device-mapper, loop and
// NFS groups), each owning its Volumes. Callers change the model through the kind-specific
// operations (CreatePartition, CreateLogicalVolume, CreateRaid, ...) which validate the
// request, reserve extents and record device consumption, and mark entities with pending
// intent. Nothing touches the system until the commit engine walks the model.
//
// Every mutating call is all-or-nothing: it runs against the live model and, on any
// error, the model and the used-by relation are put back exactly as they were.
package topology

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/extent"
	"github.com/superfly/storagemgr/usage"
)

// Options configures a Storage.
type Options struct {
	// RecursiveRemoval removes the consumer of a device before the device itself instead
	// of refusing with DeviceInUse.
	RecursiveRemoval bool
	// CheckInvariants runs CheckConsistency after every mutating call.
	CheckInvariants bool
	// DefaultExtentSize is used by CreateVolumeGroup when no size is given.
	DefaultExtentSize uint64
	Logger            logrus.FieldLogger
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		DefaultExtentSize: extent.DefaultExtentSize,
	}
}

// Layout is what a probe observed: containers with their volumes, plus used-by records
// that cannot be derived from container membership.
type Layout struct {
	Containers []*Container
	Usage      []usage.Record
}

// Prober returns the currently observable topology.
type Prober interface {
	Probe(ctx context.Context) (*Layout, error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) (*Layout, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (*Layout, error) { return f(ctx) }

// Storage is the registry of containers and the used-by relation between devices.
type Storage struct {
	opts       Options
	log        logrus.FieldLogger
	prober     Prober
	containers []*Container
	usage      *usage.Tracker
	backups    *immutable.SortedMap[string, *backupState]
}

// New probes the system and builds the model from what it sees.
func New(ctx context.Context, prober Prober, opts Options) (*Storage, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DefaultExtentSize == 0 {
		opts.DefaultExtentSize = extent.DefaultExtentSize
	}
	s := &Storage{
		opts:    opts,
		log:     opts.Logger.WithField("component", "topology"),
		prober:  prober,
		usage:   usage.New(),
		backups: immutable.NewSortedMap[string, *backupState](nil),
	}
	if err := s.Rescan(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Rescan discards every pending change and rebuilds the model from a fresh probe.
// Backup states are kept.
func (s *Storage) Rescan(ctx context.Context) error {
	layout, err := s.prober.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if layout == nil {
		layout = &Layout{}
	}

	containers := make([]*Container, 0, len(layout.Containers))
	for _, c := range layout.Containers {
		cc := c.Clone()
		for _, v := range cc.Volumes {
			v.Container = cc.Name
			if v.Kind == VolLogical && len(v.AltNames) == 0 {
				v.AltNames = []string{mapperName(cc.Name, v.Name)}
			}
		}
		containers = append(containers, cc)
	}

	tracker := usage.New()
	if err := tracker.Load(deriveUsage(containers, layout.Usage)); err != nil {
		return fmt.Errorf("probe: inconsistent device usage: %w", err)
	}

	prev, prevUsage := s.containers, s.usage
	s.containers, s.usage = containers, tracker
	if err := s.CheckConsistency(); err != nil {
		s.containers, s.usage = prev, prevUsage
		return fmt.Errorf("probe: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"containers": len(containers),
		"used":       tracker.Len(),
	}).Info("topology loaded")
	return nil
}

// deriveUsage builds the used-by records implied by container membership.
func deriveUsage(containers []*Container, extra []usage.Record) []usage.Record {
	recs := append([]usage.Record(nil), extra...)
	add := func(dev string, kind usage.Kind, name string) {
		recs = append(recs, usage.Record{Device: dev, Kind: string(kind), Name: name})
	}
	for _, c := range containers {
		if c.Deleted {
			continue
		}
		switch c.Kind {
		case KindLvm:
			for _, dev := range c.Pool.Devices() {
				add(dev, usage.KindLvm, c.Name)
			}
		case KindDmRaid, KindDmMultipath:
			kind := usage.KindDmRaid
			if c.Kind == KindDmMultipath {
				kind = usage.KindDmMultipath
			}
			for _, dev := range c.Disk.Members {
				add(dev, kind, c.Name)
			}
		case KindMd, KindDm:
			kind := usage.KindMd
			if c.Kind == KindDm {
				kind = usage.KindDm
			}
			for _, v := range c.Volumes {
				if v.Deleted {
					continue
				}
				for _, dev := range v.Members() {
					if v.Raid != nil && contains(v.Raid.Removed, dev) {
						continue
					}
					add(dev, kind, v.Device)
				}
			}
		}
	}
	return recs
}

// Options returns the options the storage was built with.
func (s *Storage) Options() Options { return s.opts }

// SetRecursiveRemoval toggles cascading removal.
func (s *Storage) SetRecursiveRemoval(on bool) { s.opts.RecursiveRemoval = on }

// Containers returns deep copies of every container in registry order.
func (s *Storage) Containers() []*Container {
	out := make([]*Container, len(s.containers))
	for i, c := range s.containers {
		out[i] = c.Clone()
	}
	return out
}

// Container returns a copy of the named container.
func (s *Storage) Container(name string) (*Container, bool) {
	c := s.container(name)
	if c == nil {
		return nil, false
	}
	return c.Clone(), true
}

// Volumes returns copies of every volume accepted by all filters.
func (s *Storage) Volumes(filters ...func(*Volume) bool) []*Volume {
	var out []*Volume
	for _, c := range s.containers {
	next:
		for _, v := range c.Volumes {
			for _, f := range filters {
				if !f(v) {
					continue next
				}
			}
			out = append(out, v.Clone())
		}
	}
	return out
}

// Volume returns a copy of the live volume named by device.
func (s *Storage) Volume(device string) (*Volume, bool) {
	_, v := s.findVolume(device)
	if v == nil {
		return nil, false
	}
	return v.Clone(), true
}

// ContainerOf resolves a volume's back-reference.
func (s *Storage) ContainerOf(v *Volume) (*Container, bool) {
	return s.Container(v.Container)
}

// UsedBy returns the consumer recorded for device.
func (s *Storage) UsedBy(device string) (usage.Record, bool) {
	return s.usage.Lookup(device)
}

// UsageRecords returns the whole used-by relation.
func (s *Storage) UsageRecords() []usage.Record {
	return s.usage.Records()
}

// Filters for Volumes.

func OfKind(k VolumeKind) func(*Volume) bool {
	return func(v *Volume) bool { return v.Kind == k }
}

func InContainer(name string) func(*Volume) bool {
	return func(v *Volume) bool { return v.Container == name }
}

func NotDeleted(v *Volume) bool { return !v.Deleted }

func WithPending(v *Volume) bool { return v.Pending() }

func HasMount(v *Volume) bool { return v.Mount != "" }

// Pending reports whether any container or volume has uncommitted intent.
func (s *Storage) Pending() bool {
	for _, c := range s.containers {
		if c.NeedDecrease() || c.NeedIncrease() {
			return true
		}
		for _, v := range c.Volumes {
			if v.Pending() {
				return true
			}
		}
	}
	return false
}

func (s *Storage) container(name string) *Container {
	for _, c := range s.containers {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (s *Storage) liveContainer(op, name string, kind ContainerKind) (*Container, error) {
	c := s.container(name)
	if c == nil || c.Deleted || c.Kind != kind {
		return nil, errcode.New(errcode.NotFound, op, name, "no %s container", kind)
	}
	return c, nil
}

// groupContainer returns the single container of a group kind, creating it on demand.
// The name is reserved, so the lookup goes by kind.
func (s *Storage) groupContainer(kind ContainerKind) *Container {
	for _, c := range s.containers {
		if c.Kind == kind {
			return c
		}
	}
	c := &Container{Kind: kind, Name: kind.String()}
	s.containers = append(s.containers, c)
	return c
}

func (s *Storage) findVolume(device string) (*Container, *Volume) {
	for _, c := range s.containers {
		if v := c.liveVolume(device); v != nil {
			return c, v
		}
	}
	return nil, nil
}

func (s *Storage) volumeOf(op, device string, kinds ...VolumeKind) (*Container, *Volume, error) {
	c, v := s.findVolume(device)
	if v == nil {
		return nil, nil, errcode.New(errcode.UnknownDevice, op, device, "no such volume")
	}
	if len(kinds) > 0 && !containsKind(kinds, v.Kind) {
		return nil, nil, errcode.New(errcode.UnsupportedKind, op, device, "not a %s", kinds[0])
	}
	if c.ReadOnly {
		return nil, nil, errcode.New(errcode.ReadOnly, op, c.Name, "container is read-only")
	}
	return c, v, nil
}

// diskContainer returns the disk-like container whose whole-device path is device.
func (s *Storage) diskContainer(device string) *Container {
	for _, c := range s.containers {
		if c.Disk != nil && !c.Deleted && c.Device == device {
			return c
		}
	}
	return nil
}

// deviceSizeK is the size of any device that may be consumed: a volume or a whole disk.
func (s *Storage) deviceSizeK(device string) (uint64, bool) {
	if _, v := s.findVolume(device); v != nil {
		return v.SizeK, true
	}
	if c := s.diskContainer(device); c != nil {
		return c.Disk.SizeK, true
	}
	return 0, false
}

// checkUsable validates that device exists and is free to be absorbed by a new consumer.
func (s *Storage) checkUsable(op, device string) error {
	if _, ok := s.deviceSizeK(device); !ok {
		return errcode.New(errcode.UnknownDevice, op, device, "no such device")
	}
	if rec, ok := s.usage.Lookup(device); ok {
		return errcode.New(errcode.AlreadyUsed, op, device, "used by %s %s", rec.Kind, rec.Name)
	}
	if _, v := s.findVolume(device); v != nil {
		if v.Mount != "" || v.IsMounted {
			return errcode.New(errcode.DeviceInUse, op, device, "mounted at %s", firstNonEmpty(v.Mount, v.OrigMount))
		}
		if v.Kind == VolNfs {
			return errcode.New(errcode.UnsupportedKind, op, device, "network mounts cannot be consumed")
		}
		if v.Partition != nil && v.Partition.Type == Extended {
			return errcode.New(errcode.InvalidArgument, op, device, "extended partition cannot hold data")
		}
		return nil
	}
	c := s.diskContainer(device)
	if len(c.LiveVolumes()) > 0 {
		return errcode.New(errcode.DeviceInUse, op, device, "disk has partitions")
	}
	return nil
}

// absorb marks devices as consumed and drops any filesystem intent on them.
func (s *Storage) absorb(devices []string, kind usage.Kind, name string) error {
	for _, dev := range devices {
		if err := s.usage.MarkUsed(dev, kind, name); err != nil {
			return err
		}
		if _, v := s.findVolume(dev); v != nil {
			v.Format = false
			v.FsType = FsNone
		}
	}
	return nil
}

// releaseConsumer makes device free of consumers: it refuses with DeviceInUse, or with
// recursive removal on, removes the consumer first.
func (s *Storage) releaseConsumer(op, device string) error {
	rec, ok := s.usage.Lookup(device)
	if !ok {
		return nil
	}
	if !s.opts.RecursiveRemoval {
		return errcode.New(errcode.DeviceInUse, op, device, "used by %s %s", rec.Kind, rec.Name)
	}
	s.log.WithFields(logrus.Fields{
		"device":   device,
		"consumer": rec.Name,
		"kind":     rec.Kind,
	}).Info("removing consumer first")
	if err := s.removeUsing(rec); err != nil {
		return err
	}
	if s.usage.IsUsed(device) {
		return errcode.New(errcode.DeviceInUse, op, device, "still used after removing %s", rec.Name)
	}
	return nil
}

func (s *Storage) removeUsing(rec usage.Record) error {
	switch usage.Kind(rec.Kind) {
	case usage.KindLvm:
		return s.removeVolumeGroup(rec.Name)
	case usage.KindMd:
		return s.removeRaid(rec.Name)
	case usage.KindDm:
		return s.removeMapped(rec.Name)
	default:
		return errcode.New(errcode.DeviceInUse, "remove", rec.Device,
			"%s %s cannot be removed", rec.Kind, rec.Name)
	}
}

// Batch runs fn, which may call any number of mutating operations, as one unit: if fn
// fails, containers and used-by records are put back as they were. Backup states are
// not touched.
func (s *Storage) Batch(op string, fn func() error) error {
	return s.mutate(op, fn)
}

// mutate runs fn against the live model. On error, or when invariant checking is on and
// the result is inconsistent, the model is restored.
func (s *Storage) mutate(op string, fn func() error) error {
	saved := s.cloneContainers()
	savedUsage := s.usage.Snapshot()

	err := fn()
	if err == nil && s.opts.CheckInvariants {
		err = s.CheckConsistency()
	}
	if err != nil {
		s.containers, s.usage = saved, savedUsage
		s.log.WithFields(logrus.Fields{
			"op":    op,
			"error": err.Error(),
		}).Debug("operation rejected")
		return err
	}
	return nil
}

func (s *Storage) cloneContainers() []*Container {
	out := make([]*Container, len(s.containers))
	for i, c := range s.containers {
		out[i] = c.Clone()
	}
	return out
}

func (s *Storage) dropContainer(name string) {
	for i, c := range s.containers {
		if c.Name == name {
			s.containers = append(s.containers[:i], s.containers[i+1:]...)
			return
		}
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

func containsKind(kinds []VolumeKind, k VolumeKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func duplicates(list []string) string {
	seen := map[string]bool{}
	for _, x := range list {
		if seen[x] {
			return x
		}
		seen[x] = true
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
