// Package fakegw is an in-memory gateway.Gateway used by tests in place of
// a real Slurm cluster. Submitted jobs are held in a table the test
// populates with outcomes before
// calling Classify, mirroring the teacher's pattern of pairing a real
// cluster implementation with a fully in-process fake for deterministic
// tests.
package fakegw

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/scootdev/escalate/classify"
	"github.com/scootdev/escalate/gateway"
)

// Submission records one call to Submit, for test assertions.
type Submission struct {
	JobID     string
	ArraySpec string
	Resources gateway.Resources
	Script    string
	Args      []string
	Env       []gateway.EnvBinding
	Dep       gateway.Dependency
	Cancelled bool
}

// Gateway is a fully in-memory Gateway. Construct it with New: the zero
// value's tables are nil, so Submit and SetOutcomes panic on it.
type Gateway struct {
	mu          sync.Mutex
	nextJobID   int
	submissions map[string]*Submission
	outcomes    map[string][]classify.TaskOutcome
	userJobs    []gateway.UserJob
}

// New returns an empty fake gateway; job ids are allocated starting at 1.
func New() *Gateway {
	return &Gateway{
		nextJobID:   1,
		submissions: make(map[string]*Submission),
		outcomes:    make(map[string][]classify.TaskOutcome),
	}
}

// SetOutcomes registers the accounting records Classify(jobID) should
// return, letting a test script the scheduler's behavior for a round
// before driving the engine through it.
func (g *Gateway) SetOutcomes(jobID string, outcomes []classify.TaskOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[jobID] = outcomes
}

// SetUserJobs seeds the result of the next ListUserJobs call.
func (g *Gateway) SetUserJobs(jobs []gateway.UserJob) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.userJobs = jobs
}

// Submissions returns every Submit call observed so far, ordered by job id.
func (g *Gateway) Submissions() []*Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Submission, 0, len(g.submissions))
	for _, s := range g.submissions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].JobID)
		b, _ := strconv.Atoi(out[j].JobID)
		return a < b
	})
	return out
}

func (g *Gateway) Submit(ctx context.Context, arraySpec string, res gateway.Resources, script string, args []string, env []gateway.EnvBinding, dep gateway.Dependency) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	jobID := strconv.Itoa(g.nextJobID)
	g.nextJobID++
	g.submissions[jobID] = &Submission{
		JobID:     jobID,
		ArraySpec: arraySpec,
		Resources: res,
		Script:    script,
		Args:      append([]string(nil), args...),
		Env:       append([]gateway.EnvBinding(nil), env...),
		Dep:       dep,
	}
	return jobID, nil
}

func (g *Gateway) Classify(ctx context.Context, jobID string) ([]classify.TaskOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	outcomes, ok := g.outcomes[jobID]
	if !ok {
		return nil, fmt.Errorf("fakegw: no outcomes registered for job %s", jobID)
	}
	return outcomes, nil
}

func (g *Gateway) Cancel(ctx context.Context, jobIDs ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range jobIDs {
		if s, ok := g.submissions[id]; ok {
			s.Cancelled = true
		}
	}
	return nil
}

func (g *Gateway) ListUserJobs(ctx context.Context) ([]gateway.UserJob, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.UserJob(nil), g.userJobs...), nil
}

func (g *Gateway) DepOnFailure(jobIDs []string) gateway.Dependency {
	if len(jobIDs) > 1 {
		return gateway.Dependency{Expr: "afterany:" + strings.Join(jobIDs, ":")}
	}
	return gateway.Dependency{Expr: "afternotok:" + strings.Join(jobIDs, ":")}
}

func (g *Gateway) DepOnSuccess(jobIDs []string) gateway.Dependency {
	if len(jobIDs) > 1 {
		return gateway.Dependency{Expr: "afterany:" + strings.Join(jobIDs, ":")}
	}
	return gateway.Dependency{Expr: "afterok:" + strings.Join(jobIDs, ":")}
}

var _ gateway.Gateway = New()
