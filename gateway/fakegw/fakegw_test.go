package fakegw

import (
	"context"
	"testing"

	"github.com/scootdev/escalate/classify"
	"github.com/scootdev/escalate/gateway"
)

func TestSubmitAllocatesIncreasingJobIDs(t *testing.T) {
	g := New()
	id1, err := g.Submit(context.Background(), "0-9", gateway.Resources{}, "/s.sh", nil, nil, gateway.Dependency{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id2, err := g.Submit(context.Background(), "0-9", gateway.Resources{}, "/s.sh", nil, nil, gateway.Dependency{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id1 == id2 {
		t.Errorf("expected distinct job ids, got %q twice", id1)
	}
}

func TestClassifyReturnsRegisteredOutcomes(t *testing.T) {
	g := New()
	jobID, _ := g.Submit(context.Background(), "0-1", gateway.Resources{}, "/s.sh", nil, nil, gateway.Dependency{})
	want := []classify.TaskOutcome{{Index: 0, State: "COMPLETED"}, {Index: 1, State: "OUT_OF_MEMORY", ExitCode: 137}}
	g.SetOutcomes(jobID, want)

	got, err := g.Classify(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(got) != 2 || got[1].ExitCode != 137 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestClassifyUnregisteredJobErrors(t *testing.T) {
	g := New()
	if _, err := g.Classify(context.Background(), "does-not-exist"); err == nil {
		t.Error("expected error for unregistered job id")
	}
}

func TestCancelMarksSubmissionCancelled(t *testing.T) {
	g := New()
	jobID, _ := g.Submit(context.Background(), "0-9", gateway.Resources{}, "/s.sh", nil, nil, gateway.Dependency{})
	if err := g.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	subs := g.Submissions()
	if len(subs) != 1 || !subs[0].Cancelled {
		t.Errorf("expected job %s marked cancelled, got %+v", jobID, subs)
	}
}

func TestListUserJobsReturnsSeededJobs(t *testing.T) {
	g := New()
	g.SetUserJobs([]gateway.UserJob{{JobID: "1", Name: "handler", State: "PENDING"}})
	jobs, err := g.ListUserJobs(context.Background())
	if err != nil {
		t.Fatalf("ListUserJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "handler" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestDepConstructionMatchesMultiVsSingleJobRules(t *testing.T) {
	g := New()
	if dep := g.DepOnFailure([]string{"1", "2"}); dep.Expr != "afterany:1:2" {
		t.Errorf("multi-job DepOnFailure = %q", dep.Expr)
	}
	if dep := g.DepOnFailure([]string{"1"}); dep.Expr != "afternotok:1" {
		t.Errorf("single-job DepOnFailure = %q", dep.Expr)
	}
	if dep := g.DepOnSuccess([]string{"1", "2"}); dep.Expr != "afterany:1:2" {
		t.Errorf("multi-job DepOnSuccess = %q", dep.Expr)
	}
}
