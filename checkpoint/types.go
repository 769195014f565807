package checkpoint

import "time"

// ChainState is the top-level lifecycle state of a chain. A chain moves
// monotonically RUNNING -> {COMPLETED | FAILED_AT_MAX | FAILED_NOT_RETRIED}
// and never reopens.
type ChainState string

const (
	ChainRunning         ChainState = "RUNNING"
	ChainCompleted       ChainState = "COMPLETED"
	ChainFailedAtMax     ChainState = "FAILED_AT_MAX"
	ChainFailedNotRetried ChainState = "FAILED_NOT_RETRIED"
)

// Terminal returns whether state is one a chain never transitions out of.
func (s ChainState) Terminal() bool { return s != ChainRunning }

// RoundState is the lifecycle of a single round within a chain.
type RoundState string

const (
	RoundPending      RoundState = "PENDING"
	RoundRunning      RoundState = "RUNNING"
	RoundEscalating   RoundState = "ESCALATING"
	RoundCompleted    RoundState = "COMPLETED"
	RoundTerminalFail RoundState = "TERMINAL_FAIL"
)

// LadderMode selects which of the engine's two escalation strategies a chain
// was created with. Fixed for the chain's lifetime once chosen.
type LadderMode string

const (
	ModeLevels          LadderMode = "levels"
	ModeIndependentAxes LadderMode = "independent-axes"
)

// Axis distinguishes the two independent ladders in ModeIndependentAxes.
// Unused (empty) in ModeLevels.
type Axis string

const (
	AxisNone    Axis = ""
	AxisMemory  Axis = "memory"
	AxisTime    Axis = "time"
)

// Level is one rung of a ladder: the resources a round submits with.
type Level struct {
	Partitions []string `yaml:"partitions"`
	Memory     string   `yaml:"memory"`
	WallTime   string   `yaml:"wall_time"`
}

// Ladder holds the resource tuples an escalating chain climbs. In
// ModeLevels only Levels is populated; in ModeIndependentAxes MemoryLevels
// and TimeLevels are each climbed independently.
type Ladder struct {
	Mode         LadderMode `yaml:"mode"`
	Levels       []Level    `yaml:"levels,omitempty"`
	MemoryLevels []Level    `yaml:"memory_levels,omitempty"`
	TimeLevels   []Level    `yaml:"time_levels,omitempty"`
}

// MaxLevel returns the highest valid level index for the given axis (AxisNone
// in ModeLevels).
func (l Ladder) MaxLevel(axis Axis) int {
	switch axis {
	case AxisMemory:
		return len(l.MemoryLevels) - 1
	case AxisTime:
		return len(l.TimeLevels) - 1
	default:
		return len(l.Levels) - 1
	}
}

// At returns the level tuple for the given axis and index.
func (l Ladder) At(axis Axis, index int) Level {
	switch axis {
	case AxisMemory:
		return l.MemoryLevels[index]
	case AxisTime:
		return l.TimeLevels[index]
	default:
		return l.Levels[index]
	}
}

// EnvBinding is one ordered KEY=VALUE pair passed through to submitted jobs.
// Kept as a slice of pairs, not a map, because submission order must be
// reproducible across retries.
type EnvBinding struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// RoundCounts is the per-outcome tally once a round has been classified.
type RoundCounts struct {
	Completed int `yaml:"completed"`
	OOM       int `yaml:"oom"`
	Timeout   int `yaml:"timeout"`
	Other     int `yaml:"other"`
}

// TaskRecord is a per-(round,index) accounting snapshot. Created when the
// round resolves; never mutated afterward.
type TaskRecord struct {
	Index     int    `yaml:"index"`
	State     string `yaml:"state"`
	ExitCode  int    `yaml:"exit_code"`
	ElapsedMS int64  `yaml:"elapsed_ms"`
	Node      string `yaml:"node,omitempty"`
	PeakMemKB int64  `yaml:"peak_mem_kb,omitempty"`
	OutPath   string `yaml:"out_path,omitempty"`
	ErrPath   string `yaml:"err_path,omitempty"`
}

// Round is one submission attempt at a fixed ladder level for a subset of
// indices.
type Round struct {
	Number       int          `yaml:"number"`
	Axis         Axis         `yaml:"axis,omitempty"`
	LevelIndex   int          `yaml:"level_index"`
	Memory       string       `yaml:"memory"`
	WallTime     string       `yaml:"wall_time"`
	Partitions   []string     `yaml:"partitions"`
	ArraySpec    string       `yaml:"array_spec"`
	IndexSet     []int        `yaml:"index_set"`
	JobIDs       []string     `yaml:"job_ids,omitempty"`
	HandlerJobID string       `yaml:"handler_job_id,omitempty"`
	WatcherJobID string       `yaml:"watcher_job_id,omitempty"`
	State        RoundState   `yaml:"state"`
	Counts       RoundCounts  `yaml:"counts"`
	Tasks        []TaskRecord `yaml:"tasks,omitempty"`
}

// Chain is the top-level persisted unit: one user submission and every
// retry round it has spawned.
type Chain struct {
	ID              string       `yaml:"id"`
	Script          string       `yaml:"script"`
	Args            []string     `yaml:"args"`
	Env             []EnvBinding `yaml:"env,omitempty"`
	Throttle        int          `yaml:"throttle,omitempty"`
	FullIndexSet    []int        `yaml:"full_index_set"`
	Ladder          Ladder       `yaml:"ladder"`
	CreatedAt       time.Time    `yaml:"created_at"`
	UpdatedAt       time.Time    `yaml:"updated_at"`
	State           ChainState   `yaml:"state"`
	FailureReason   string       `yaml:"failure_reason,omitempty"`
	ResidualIndices []int        `yaml:"residual_indices,omitempty"`
	ResidualOOM     []int        `yaml:"residual_oom,omitempty"`
	ResidualTimeout []int        `yaml:"residual_timeout,omitempty"`
	Rounds          []Round      `yaml:"rounds"`
}

// RoundByNumber returns a pointer to the round with the given number, or nil.
func (c *Chain) RoundByNumber(n int) *Round {
	for i := range c.Rounds {
		if c.Rounds[i].Number == n {
			return &c.Rounds[i]
		}
	}
	return nil
}

// ChainSummary is the cheap projection ListAll returns, enough to render the
// `escalatectl list` table without materializing every round and task record.
type ChainSummary struct {
	ID         string
	Script     string
	State      ChainState
	CreatedAt  time.Time
	NumRounds  int
	LastRound  RoundState
}
