// Package config loads the YAML shape described in the external interfaces
// section into the typed checkpoint.Ladder and classify.Overrides structures
// the engine operates on. The engine itself never reads YAML; this package
// is the only seam between a config file on disk and the typed core.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/classify"
)

// DefaultMaxArraySpecLen and DefaultSettleDelaySec mirror the documented
// defaults for an omitted max_array_spec_len / sacct_settle_delay_sec.
const (
	DefaultMaxArraySpecLen = 10000
	DefaultSettleDelaySec  = 2
)

// rawLevel is the on-disk shape of one ladder rung: partition as either a
// list or a single comma-joined string, mem and time as scheduler-native
// strings. Kept separate from checkpoint.Level, whose yaml tags serialize
// the checkpoint file, not this config file.
type rawLevel struct {
	Partition yamlStringOrList `yaml:"partition"`
	Mem       string           `yaml:"mem"`
	Time      string           `yaml:"time"`
}

// yamlStringOrList accepts either a YAML sequence of strings or a single
// comma-separated string for the partition field, matching
// original_source's "<list-or-comma-string>" contract.
type yamlStringOrList []string

func (y *yamlStringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*y = list
		return nil
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*y = splitComma(s)
		return nil
	default:
		return errors.New("config: partition must be a string or a list of strings")
	}
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

type rawConfig struct {
	Mode         string             `yaml:"mode"`
	Levels       []rawLevel         `yaml:"levels"`
	MemoryLevels []rawLevel         `yaml:"memory_levels"`
	TimeLevels   []rawLevel         `yaml:"time_levels"`

	MaxArraySpecLen     int `yaml:"max_array_spec_len"`
	SacctSettleDelaySec int `yaml:"sacct_settle_delay_sec"`

	StateHandling map[string]string `yaml:"state_handling"`
	ExitCodes     map[int]string    `yaml:"exit_codes"`

	Logging struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"logging"`
}

// Config is the parsed, defaulted, typed result of loading a config file.
type Config struct {
	Ladder              checkpoint.Ladder
	Overrides           classify.Overrides
	MaxArraySpecLen     int
	SacctSettleDelaySec int
	LoggingEnabled      bool
	LoggingDBPath       string
}

// Load reads and parses the config file at path, applying the same defaults
// as original_source's load_config: each level's partition independently
// defaults to "devel" when omitted, and max_level is implied by the number
// of levels rather than stated explicitly.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	mode := checkpoint.ModeLevels
	if raw.Mode == string(checkpoint.ModeIndependentAxes) {
		mode = checkpoint.ModeIndependentAxes
	}

	ladder := checkpoint.Ladder{Mode: mode}
	switch mode {
	case checkpoint.ModeIndependentAxes:
		if len(raw.MemoryLevels) == 0 || len(raw.TimeLevels) == 0 {
			return nil, errors.New("config: independent-axes mode requires both memory_levels and time_levels")
		}
		ladder.MemoryLevels = levels(raw.MemoryLevels)
		ladder.TimeLevels = levels(raw.TimeLevels)
	default:
		if len(raw.Levels) == 0 {
			return nil, errors.New("config: must have a levels section")
		}
		ladder.Levels = levels(raw.Levels)
	}

	overrides := classify.Overrides{
		StateHandling: make(map[string]classify.Outcome, len(raw.StateHandling)),
		ExitCodes:     make(map[int]classify.Outcome, len(raw.ExitCodes)),
	}
	for state, action := range raw.StateHandling {
		escalateDefault := classify.OutcomeTimeout
		if state == classify.StateOutOfMemory {
			escalateDefault = classify.OutcomeOOM
		}
		overrides.StateHandling[state] = resolveAction(action, escalateDefault)
	}
	for code, action := range raw.ExitCodes {
		// An exit-code override with a bare "escalate" almost always targets
		// the cgroup OOM-kill exit code, so default the ambiguous case to OOM
		// rather than timeout.
		overrides.ExitCodes[code] = resolveAction(action, classify.OutcomeOOM)
	}

	maxLen := raw.MaxArraySpecLen
	if maxLen == 0 {
		maxLen = DefaultMaxArraySpecLen
	}
	settle := raw.SacctSettleDelaySec
	if settle == 0 {
		settle = DefaultSettleDelaySec
	}

	return &Config{
		Ladder:              ladder,
		Overrides:           overrides,
		MaxArraySpecLen:     maxLen,
		SacctSettleDelaySec: settle,
		LoggingEnabled:      raw.Logging.Enabled,
		LoggingDBPath:       raw.Logging.DBPath,
	}, nil
}

// defaultPartition mirrors load_config's own lvl.get('partition', 'devel'):
// each level defaults independently, with no cascading from level 0.
const defaultPartition = "devel"

func levels(raw []rawLevel) []checkpoint.Level {
	out := make([]checkpoint.Level, 0, len(raw))
	for _, l := range raw {
		partitions := []string(l.Partition)
		if len(partitions) == 0 {
			partitions = []string{defaultPartition}
		}
		out = append(out, checkpoint.Level{
			Partitions: partitions,
			Memory:     l.Mem,
			WallTime:   l.Time,
		})
	}
	return out
}

// resolveAction maps the external "escalate"/"no_retry" vocabulary, plus the
// finer "oom"/"timeout"/"completed" spellings, onto a classify.Outcome. A
// bare "escalate" is ambiguous between the two retry buckets on its own, so
// callers supply escalateDefault: state_handling entries default to the
// timeout bucket (matching the original's single "escalate" action folding
// DEADLINE/PREEMPTED/BOOT_FAIL/NODE_FAIL alongside TIMEOUT), except for the
// literal OUT_OF_MEMORY state, and exit_codes entries default to OOM (the
// override exists almost exclusively for the SIGKILL exit code).
func resolveAction(action string, escalateDefault classify.Outcome) classify.Outcome {
	switch action {
	case "oom":
		return classify.OutcomeOOM
	case "timeout":
		return classify.OutcomeTimeout
	case "completed":
		return classify.OutcomeCompleted
	case "no_retry":
		return classify.OutcomeOther
	case "escalate":
		return escalateDefault
	default:
		return classify.OutcomeOther
	}
}
