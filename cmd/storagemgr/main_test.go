// main_test.go - Tests for configuration loading and the command flow
package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func TestResolveConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storagemgr.yaml")
	content := `
topology: /srv/topology.yaml
state_dir: /srv/state
retries: 2
command_timeout: 30s
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	var (
		flags      = DefaultConfig()
		configPath string
	)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &flags, &configPath)
	if err := fs.Parse([]string{"--config", path, "--state-dir", "/override", "--dry-run"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := resolveConfig(fs, flags, configPath)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Topology != "/srv/topology.yaml" {
		t.Errorf("topology = %q, want value from file", cfg.Topology)
	}
	if cfg.StateDir != "/override" || !cfg.DryRun {
		t.Errorf("flags did not override: state_dir=%q dry_run=%v", cfg.StateDir, cfg.DryRun)
	}
	if cfg.Retries != 2 || cfg.CommandTimeout != 30*time.Second || cfg.LogLevel != "debug" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.JournalRetention != DefaultConfig().JournalRetention {
		t.Errorf("default lost: retention = %d", cfg.JournalRetention)
	}
	if got := cfg.journalPath(); got != "/override/journal.db" {
		t.Errorf("journal path = %q", got)
	}
}

func TestResolveConfigMissingFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if _, err := resolveConfig(fs, DefaultConfig(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	if err := setupLogger("warn", "json", &buf); err != nil {
		t.Fatal(err)
	}
	defer setupLogger("info", "text", os.Stderr)

	if log.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	log.WithField("device", "/dev/sda1").Warn("hello")
	if !strings.Contains(buf.String(), `"device":"/dev/sda1"`) {
		t.Errorf("output is not JSON: %s", buf.String())
	}

	if err := setupLogger("loud", "text", &buf); err == nil {
		t.Error("expected an error for a bad level")
	}
	if err := setupLogger("info", "xml", &buf); err == nil {
		t.Error("expected an error for a bad format")
	}
}

const cliTopology = `
containers:
  - kind: disk
    name: sdb
    size: 2GiB
    label: gpt
`

const cliChanges = `
changes:
  - op: create-partition-any
    disk: sdb
    size: 1GiB
  - op: format
    device: /dev/sdb1
    fs: xfs
  - op: mount
    device: /dev/sdb1
    mount: /data
`

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestPlanCommitHistory(t *testing.T) {
	dir := t.TempDir()
	topo := filepath.Join(dir, "topology.yaml")
	changes := filepath.Join(dir, "changes.yaml")
	if err := os.WriteFile(topo, []byte(cliTopology), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(changes, []byte(cliChanges), 0644); err != nil {
		t.Fatal(err)
	}
	common := []string{"--topology", topo, "--state-dir", filepath.Join(dir, "state"), "--log-level", "error", "--quiet"}

	out := execute(t, append([]string{"plan", "--changes", changes}, common...)...)
	for _, want := range []string{"Create partition /dev/sdb1", "Mount /dev/sdb1 at /data", "Fingerprint: plan_"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
	fp := out[strings.Index(out, "plan_"):]
	fp = strings.TrimSpace(fp)

	execute(t, append([]string{"commit", "--changes", changes, "--yes", "--dry-run", "--expect", fp}, common...)...)

	out = execute(t, append([]string{"history"}, common...)...)
	if !strings.Contains(out, "1 runs") {
		t.Errorf("history output:\n%s", out)
	}

	// A dry run leaves the description untouched.
	data, err := os.ReadFile(topo)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != cliTopology {
		t.Errorf("dry run rewrote the topology:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "state", "storagemgr.lock")); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}
