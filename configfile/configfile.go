// Package configfile persists the boot configuration of committed devices.
//
// The commit engine reports one fact per device after it mounts, creates or removes
// something that has to survive a reboot. The writer keeps the facts in a YAML document,
// one entry per device, and can additionally render them as fstab and mdadm.conf
// fragments for the host to include.
//
// Every update rewrites the document atomically: the new content goes to a temp file
// which is synced and renamed over the old one while an flock on a sibling lock file
// keeps concurrent writers out.
package configfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/superfly/storagemgr/commit"
)

// Config configures a Writer.
type Config struct {
	// Path is the YAML document holding all facts.
	Path string
	// FstabPath, when set, receives an fstab fragment after every update.
	FstabPath string
	// MdadmPath, when set, receives mdadm.conf ARRAY lines after every update.
	MdadmPath string
	Logger    logrus.FieldLogger
}

// DefaultConfig returns a configuration rooted in stateDir.
func DefaultConfig(stateDir string) Config {
	return Config{
		Path:      filepath.Join(stateDir, "devices.yaml"),
		FstabPath: filepath.Join(stateDir, "fstab"),
		MdadmPath: filepath.Join(stateDir, "mdadm.conf"),
	}
}

// Document is the on-disk format.
type Document struct {
	Devices []commit.Fact `yaml:"devices"`
}

// Writer implements commit.ConfigWriter.
type Writer struct {
	cfg Config
	log logrus.FieldLogger
}

var _ commit.ConfigWriter = (*Writer)(nil)

// New creates a writer. Nothing is touched on disk until the first update.
func New(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Writer{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "configfile"),
	}, nil
}

// Read loads the current document. A missing file is an empty document.
func (w *Writer) Read() (*Document, error) {
	return readDocument(w.cfg.Path)
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &doc, nil
}

// Update replaces the entry of f.Device with f. A removed device, or one left with
// nothing worth persisting, loses its entry.
func (w *Writer) Update(ctx context.Context, f commit.Fact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Device == "" {
		return fmt.Errorf("fact without device")
	}

	unlock, err := lockFile(w.cfg.Path + ".lock")
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", w.cfg.Path, err)
	}
	defer unlock()

	doc, err := w.Read()
	if err != nil {
		return err
	}
	doc.apply(f)

	if err := w.save(doc); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"device":  f.Device,
		"removed": f.Removed,
		"mount":   f.Mount,
		"entries": len(doc.Devices),
	}).Info("boot configuration updated")
	return nil
}

func (d *Document) apply(f commit.Fact) {
	kept := d.Devices[:0]
	for _, e := range d.Devices {
		if e.Device != f.Device {
			kept = append(kept, e)
		}
	}
	d.Devices = kept
	if !f.Removed && (f.Mount != "" || f.RaidLevel != "" || f.Encryption != "") {
		d.Devices = append(d.Devices, f)
	}
	sort.Slice(d.Devices, func(i, j int) bool { return d.Devices[i].Device < d.Devices[j].Device })
}

// Lookup returns the entry of device.
func (d *Document) Lookup(device string) (commit.Fact, bool) {
	for _, e := range d.Devices {
		if e.Device == device {
			return e, true
		}
	}
	return commit.Fact{}, false
}

func (w *Writer) save(doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := writeAtomic(w.cfg.Path, data); err != nil {
		return err
	}
	if w.cfg.FstabPath != "" {
		if err := writeAtomic(w.cfg.FstabPath, []byte(doc.Fstab())); err != nil {
			return err
		}
	}
	if w.cfg.MdadmPath != "" {
		if err := writeAtomic(w.cfg.MdadmPath, []byte(doc.MdadmConf())); err != nil {
			return err
		}
	}
	return nil
}

// writeAtomic replaces path with data through a synced temp file.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func lockFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
