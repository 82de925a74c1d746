package topology

import (
	"path/filepath"

	"github.com/superfly/storagemgr/errcode"
)

// checkMountPoint validates mount for device: absolute or "swap", matching the
// filesystem, and not claimed by another live volume.
func (s *Storage) checkMountPoint(op, device, mount string, fs FsType) error {
	if mount == "" {
		return nil
	}
	if mount == "swap" {
		if fs != FsSwap {
			return errcode.New(errcode.InvalidArgument, op, device, "only swap can be mounted as swap")
		}
	} else {
		if !filepath.IsAbs(mount) {
			return errcode.New(errcode.InvalidArgument, op, device, "mount point %q is not absolute", mount)
		}
		if fs == FsSwap {
			return errcode.New(errcode.InvalidArgument, op, device, "swap has no mount point")
		}
		mount = filepath.Clean(mount)
	}
	if mount == "swap" {
		return nil
	}
	for _, c := range s.containers {
		for _, v := range c.LiveVolumes() {
			if v.Matches(device) {
				continue
			}
			if v.Mount == mount {
				return errcode.New(errcode.MountConflict, op, device, "%s already mounted at %s", v.Device, mount)
			}
		}
	}
	return nil
}

func (s *Storage) filesystemVolume(op, device string) (*Volume, error) {
	_, v, err := s.volumeOf(op, device)
	if err != nil {
		return nil, err
	}
	if v.Partition != nil && v.Partition.Type == Extended {
		return nil, errcode.New(errcode.InvalidArgument, op, device, "extended partition cannot hold a filesystem")
	}
	if rec, ok := s.usage.Lookup(v.Device); ok {
		return nil, errcode.New(errcode.DeviceInUse, op, device, "used by %s %s", rec.Kind, rec.Name)
	}
	return v, nil
}

// SetFormat requests (or cancels) creating filesystem fs on device.
func (s *Storage) SetFormat(device string, format bool, fs FsType) error {
	return s.mutate("set-format", func() error {
		const op = "set-format"
		v, err := s.filesystemVolume(op, device)
		if err != nil {
			return err
		}
		if v.Kind == VolNfs {
			return errcode.New(errcode.UnsupportedKind, op, device, "network mounts cannot be formatted")
		}
		if !format {
			v.Format = false
			v.FsType = v.OrigFsType
			return nil
		}
		if fs == FsNone || fs == FsNfs {
			return errcode.New(errcode.InvalidArgument, op, device, "cannot format with %q", fs)
		}
		if v.Mount != "" && (v.Mount == "swap") != (fs == FsSwap) {
			return errcode.New(errcode.InvalidArgument, op, device, "%s does not fit mount point %s", fs, v.Mount)
		}
		if len(v.Label) > fs.MaxLabelLen() {
			return errcode.New(errcode.InvalidArgument, op, device, "label %q too long for %s", v.Label, fs)
		}
		v.Format = true
		v.FsType = fs
		return nil
	})
}

// SetMount sets the mount point of device. An empty mount removes it.
func (s *Storage) SetMount(device, mount string) error {
	return s.mutate("set-mount", func() error {
		const op = "set-mount"
		v, err := s.filesystemVolume(op, device)
		if err != nil {
			return err
		}
		if mount != "" && v.FsType == FsNone {
			return errcode.New(errcode.InvalidArgument, op, device, "no filesystem to mount")
		}
		if err := s.checkMountPoint(op, v.Device, mount, v.FsType); err != nil {
			return err
		}
		if mount != "" && mount != "swap" {
			mount = filepath.Clean(mount)
		}
		v.Mount = mount
		return nil
	})
}

// SetLabel sets the filesystem label of device.
func (s *Storage) SetLabel(device, label string) error {
	return s.mutate("set-label", func() error {
		const op = "set-label"
		v, err := s.filesystemVolume(op, device)
		if err != nil {
			return err
		}
		if v.FsType == FsNone || v.FsType == FsNfs {
			return errcode.New(errcode.InvalidArgument, op, device, "no filesystem to label")
		}
		if len(label) > v.FsType.MaxLabelLen() {
			return errcode.New(errcode.InvalidArgument, op, device, "label %q too long for %s", label, v.FsType)
		}
		v.Label = label
		return nil
	})
}

// SetEncryption sets the encryption below the filesystem. Changing it on an existing
// volume requires a format.
func (s *Storage) SetEncryption(device string, enc EncType) error {
	return s.mutate("set-encryption", func() error {
		const op = "set-encryption"
		v, err := s.filesystemVolume(op, device)
		if err != nil {
			return err
		}
		switch enc {
		case EncNone, EncLuks, EncLuks2:
		default:
			return errcode.New(errcode.InvalidArgument, op, device, "unknown encryption %q", enc)
		}
		if v.Kind == VolNfs && enc != EncNone {
			return errcode.New(errcode.UnsupportedKind, op, device, "network mounts cannot be encrypted")
		}
		if !v.Created && !v.Format && enc != v.OrigEncryption {
			return errcode.New(errcode.InvalidArgument, op, device, "changing encryption needs a format")
		}
		v.Encryption = enc
		return nil
	})
}

// SetFstabOptions sets the mount options written to the mount table.
func (s *Storage) SetFstabOptions(device, options string) error {
	return s.mutate("set-fstab-options", func() error {
		v, err := s.filesystemVolume("set-fstab-options", device)
		if err != nil {
			return err
		}
		v.FstabOptions = options
		return nil
	})
}
