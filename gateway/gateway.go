// Package gateway defines the abstract contract the escalation engine uses
// to talk to an external batch scheduler (submit, classify, cancel, list,
// and dependency construction), without committing to any one scheduler's
// command-line surface. gateway/slurmgw is the concrete Slurm-class
// implementation; gateway/fakegw is an in-memory stand-in for tests.
package gateway

import (
	"context"
	"time"

	"github.com/scootdev/escalate/classify"
)

// Resources carries everything a submission needs beyond the array spec
// itself.
type Resources struct {
	Partitions   []string
	Memory       string
	WallTime     string
	OutputPath   string // must contain %A (job id) and %a (array index)
	ErrorPath    string
	Throttle     int // 0 means unthrottled
}

// Dependency is an opaque value the engine passes back into Submit. Gateway
// implementations construct it via DepOnFailure/DepOnSuccess; the engine
// never inspects Expr — only a concrete gateway implementation knows its
// syntax.
type Dependency struct {
	Expr string
}

// IsZero reports whether this Dependency carries no constraint (a round-0
// submission has none).
func (d Dependency) IsZero() bool { return d.Expr == "" }

// EnvBinding is one ordered KEY=VALUE pair. Kept distinct from
// checkpoint.EnvBinding to avoid gateway depending on checkpoint's much
// larger type surface; escalate.SubmitRound translates between the two at
// the seam.
type EnvBinding struct {
	Key   string
	Value string
}

// UserJob is one row of ListUserJobs: enough to decide whether a pending
// handler job is still reachable or has become a zombie.
type UserJob struct {
	JobID string
	Name  string
	State string
}

// Gateway is the abstract scheduler contract described in §4.5/§6.
type Gateway interface {
	// Submit submits a parallel-array job over arraySpec (range-stride
	// notation) and returns its numeric job id. script and args flow
	// through as an ordered argument vector, never a single interpolated
	// shell string.
	Submit(ctx context.Context, arraySpec string, res Resources, script string, args []string, env []EnvBinding, dep Dependency) (jobID string, err error)

	// Classify returns one accounting record per task of jobID.
	Classify(ctx context.Context, jobID string) ([]classify.TaskOutcome, error)

	// Cancel best-effort cancels one or more job ids.
	Cancel(ctx context.Context, jobIDs ...string) error

	// ListUserJobs returns every job belonging to the invoking user, for
	// stale-handler cleanup.
	ListUserJobs(ctx context.Context) ([]UserJob, error)

	// DepOnFailure constructs a dependency that fires once every job in
	// jobIDs has reached a terminal state and at least one did not
	// complete successfully. For more than one job id this MUST use the
	// any-outcome form (§4.4, §9) to avoid the dependency-stall class.
	DepOnFailure(jobIDs []string) Dependency

	// DepOnSuccess is the symmetric "everything succeeded" dependency,
	// using the same any-outcome workaround for multi-job rounds.
	DepOnSuccess(jobIDs []string) Dependency
}

// DefaultSettleDelay is the short, bounded sleep callers should observe before
// Classify, to let the scheduler's accounting subsystem catch up. The
// default matches sacct_settle_delay_sec's documented default of 2s;
// config overrides this per chain.
const DefaultSettleDelay = 2 * time.Second
