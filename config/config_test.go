package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/classify"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escalation.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadLevelsModeWithListPartitions(t *testing.T) {
	path := writeTemp(t, `
levels:
  - partition: [devel, devel-big]
    mem: 1G
    time: "00:10:00"
  - mem: 4G
    time: "00:20:00"
  - mem: 16G
    time: "00:40:00"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ladder.Mode != checkpoint.ModeLevels {
		t.Fatalf("mode = %q, want levels", cfg.Ladder.Mode)
	}
	if len(cfg.Ladder.Levels) != 3 {
		t.Fatalf("levels = %d, want 3", len(cfg.Ladder.Levels))
	}
	if got, want := cfg.Ladder.Levels[0].Partitions, []string{"devel", "devel-big"}; !sameStrings(got, want) {
		t.Fatalf("level 0 partitions = %v, want %v", got, want)
	}
	// A level without an explicit partition defaults independently to devel,
	// not to the preceding level's partitions.
	if got, want := cfg.Ladder.Levels[1].Partitions, []string{"devel"}; !sameStrings(got, want) {
		t.Fatalf("level 1 partitions = %v, want %v (independent default)", got, want)
	}
	if cfg.Ladder.Levels[2].Memory != "16G" {
		t.Fatalf("level 2 memory = %q", cfg.Ladder.Levels[2].Memory)
	}
}

func TestLoadLevelsModeWithCommaPartitionString(t *testing.T) {
	path := writeTemp(t, `
levels:
  - partition: "devel, devel-big"
    mem: 1G
    time: "00:10:00"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.Ladder.Levels[0].Partitions, []string{"devel", "devel-big"}; !sameStrings(got, want) {
		t.Fatalf("partitions = %v, want %v", got, want)
	}
}

func TestLoadDefaultsMaxArraySpecLenAndSettleDelay(t *testing.T) {
	path := writeTemp(t, `
levels:
  - mem: 1G
    time: "00:10:00"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxArraySpecLen != DefaultMaxArraySpecLen {
		t.Errorf("MaxArraySpecLen = %d, want default %d", cfg.MaxArraySpecLen, DefaultMaxArraySpecLen)
	}
	if cfg.SacctSettleDelaySec != DefaultSettleDelaySec {
		t.Errorf("SacctSettleDelaySec = %d, want default %d", cfg.SacctSettleDelaySec, DefaultSettleDelaySec)
	}
}

func TestLoadHonorsExplicitOverridesOfDefaults(t *testing.T) {
	path := writeTemp(t, `
levels:
  - mem: 1G
    time: "00:10:00"
max_array_spec_len: 500
sacct_settle_delay_sec: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxArraySpecLen != 500 {
		t.Errorf("MaxArraySpecLen = %d, want 500", cfg.MaxArraySpecLen)
	}
	if cfg.SacctSettleDelaySec != 30 {
		t.Errorf("SacctSettleDelaySec = %d, want 30", cfg.SacctSettleDelaySec)
	}
}

func TestLoadIndependentAxesModeRequiresBothAxisLevelSets(t *testing.T) {
	path := writeTemp(t, `
mode: independent-axes
memory_levels:
  - mem: 1G
    time: "00:10:00"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error when time_levels is missing in independent-axes mode")
	}
}

func TestLoadIndependentAxesModePopulatesBothLadders(t *testing.T) {
	path := writeTemp(t, `
mode: independent-axes
memory_levels:
  - mem: 1G
    time: "00:10:00"
  - mem: 4G
    time: "00:10:00"
time_levels:
  - mem: 1G
    time: "00:10:00"
  - mem: 1G
    time: "00:30:00"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ladder.Mode != checkpoint.ModeIndependentAxes {
		t.Fatalf("mode = %q, want independent-axes", cfg.Ladder.Mode)
	}
	if len(cfg.Ladder.MemoryLevels) != 2 || len(cfg.Ladder.TimeLevels) != 2 {
		t.Fatalf("axis level counts = %d/%d, want 2/2", len(cfg.Ladder.MemoryLevels), len(cfg.Ladder.TimeLevels))
	}

	wantMemory := []checkpoint.Level{
		{Partitions: []string{defaultPartition}, Memory: "1G", WallTime: "00:10:00"},
		{Partitions: []string{defaultPartition}, Memory: "4G", WallTime: "00:10:00"},
	}
	if !reflect.DeepEqual(cfg.Ladder.MemoryLevels, wantMemory) {
		t.Fatalf("memory levels mismatch, got:\n%s\nwant:\n%s", spew.Sdump(cfg.Ladder.MemoryLevels), spew.Sdump(wantMemory))
	}
}

func TestLoadStateHandlingOverridesEscalateToDefaultBuckets(t *testing.T) {
	path := writeTemp(t, `
levels:
  - mem: 1G
    time: "00:10:00"
state_handling:
  OUT_OF_MEMORY: escalate
  TIMEOUT: escalate
  DEADLINE: escalate
  FAILED: no_retry
  CANCELLED: no_retry
exit_codes:
  137: escalate
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cases := []struct {
		state string
		want  classify.Outcome
	}{
		{"OUT_OF_MEMORY", classify.OutcomeOOM},
		{"TIMEOUT", classify.OutcomeTimeout},
		{"DEADLINE", classify.OutcomeTimeout},
		{"FAILED", classify.OutcomeOther},
		{"CANCELLED", classify.OutcomeOther},
	}
	for _, c := range cases {
		if got := cfg.Overrides.StateHandling[c.state]; got != c.want {
			t.Errorf("StateHandling[%q] = %v, want %v", c.state, got, c.want)
		}
	}
	if got := cfg.Overrides.ExitCodes[137]; got != classify.OutcomeOOM {
		t.Errorf("ExitCodes[137] = %v, want OOM", got)
	}
}

func TestLoadLoggingSection(t *testing.T) {
	path := writeTemp(t, `
levels:
  - mem: 1G
    time: "00:10:00"
logging:
  enabled: true
  db_path: /var/lib/escalate/escalate.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.LoggingEnabled {
		t.Error("LoggingEnabled = false, want true")
	}
	if cfg.LoggingDBPath != "/var/lib/escalate/escalate.db" {
		t.Errorf("LoggingDBPath = %q", cfg.LoggingDBPath)
	}
}

func TestLoadRejectsMissingLevelsSection(t *testing.T) {
	path := writeTemp(t, `max_array_spec_len: 100`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error when levels section is absent")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("Load: want error for missing file")
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
