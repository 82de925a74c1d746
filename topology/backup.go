package topology

import (
	"github.com/benbjohnson/immutable"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/usage"
)

// backupState is a frozen copy of the model. Nothing holds a reference into it other
// than the backup map, and restores copy it out again.
type backupState struct {
	containers []*Container
	usage      *usage.Tracker
}

var equalOpts = cmp.Options{
	cmpopts.EquateEmpty(),
}

// EqualContent compares every attribute of two containers, volumes included.
func (c *Container) EqualContent(o *Container) bool {
	return cmp.Equal(c, o, equalOpts)
}

// EqualContent compares every attribute of two volumes.
func (v *Volume) EqualContent(o *Volume) bool {
	return cmp.Equal(v, o, equalOpts)
}

// CreateBackupState stores a deep copy of the model under name, replacing any state of
// the same name.
func (s *Storage) CreateBackupState(name string) error {
	if name == "" {
		return errcode.New(errcode.InvalidName, "create-backup", name, "backup name must not be empty")
	}
	s.backups = s.backups.Set(name, &backupState{
		containers: s.cloneContainers(),
		usage:      s.usage.Snapshot(),
	})
	s.log.WithFields(logrus.Fields{
		"backup":     name,
		"containers": len(s.containers),
	}).Info("backup state created")
	return nil
}

// RestoreBackupState replaces the live model with a copy of the named state.
func (s *Storage) RestoreBackupState(name string) error {
	st, ok := s.backups.Get(name)
	if !ok {
		return errcode.New(errcode.NotFound, "restore-backup", name, "no such backup state")
	}
	s.containers = cloneAll(st.containers)
	s.usage = st.usage.Snapshot()
	s.log.WithField("backup", name).Info("backup state restored")
	return nil
}

// RemoveBackupState drops the named state. The empty name drops every state.
func (s *Storage) RemoveBackupState(name string) error {
	if name == "" {
		s.backups = immutable.NewSortedMap[string, *backupState](nil)
		return nil
	}
	if _, ok := s.backups.Get(name); !ok {
		return errcode.New(errcode.NotFound, "remove-backup", name, "no such backup state")
	}
	s.backups = s.backups.Delete(name)
	return nil
}

// CheckBackupState reports whether name exists.
func (s *Storage) CheckBackupState(name string) bool {
	_, ok := s.backups.Get(name)
	return ok
}

// BackupStates lists the stored names in order.
func (s *Storage) BackupStates() []string {
	var names []string
	itr := s.backups.Iterator()
	for !itr.Done() {
		name, _, _ := itr.Next()
		names = append(names, name)
	}
	return names
}

// EqualBackupStates compares two states. The empty name stands for the live model. With
// verbose set, differences are logged field by field.
func (s *Storage) EqualBackupStates(lhs, rhs string, verbose bool) bool {
	a, ok := s.stateFor(lhs)
	if !ok {
		s.log.WithField("backup", lhs).Warn("unknown backup state")
		return false
	}
	b, ok := s.stateFor(rhs)
	if !ok {
		s.log.WithField("backup", rhs).Warn("unknown backup state")
		return false
	}

	equal := cmp.Equal(a.containers, b.containers, equalOpts) && a.usage.Equal(b.usage)
	if !equal && verbose {
		fields := logrus.Fields{"lhs": stateLabel(lhs), "rhs": stateLabel(rhs)}
		if diff := cmp.Diff(a.containers, b.containers, equalOpts); diff != "" {
			fields["containers"] = diff
		}
		if diff := cmp.Diff(a.usage.Records(), b.usage.Records(), equalOpts); diff != "" {
			fields["used_by"] = diff
		}
		s.log.WithFields(fields).Info("backup states differ")
	}
	return equal
}

func (s *Storage) stateFor(name string) (*backupState, bool) {
	if name == "" {
		return &backupState{containers: s.containers, usage: s.usage}, true
	}
	return s.backups.Get(name)
}

func stateLabel(name string) string {
	if name == "" {
		return "<live>"
	}
	return name
}

func cloneAll(cs []*Container) []*Container {
	out := make([]*Container, len(cs))
	for i, c := range cs {
		out[i] = c.Clone()
	}
	return out
}
