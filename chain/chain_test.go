package chain

import (
	"context"
	"testing"
	"time"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/gateway/fakegw"
)

func testLadder() checkpoint.Ladder {
	return checkpoint.Ladder{
		Mode: checkpoint.ModeLevels,
		Levels: []checkpoint.Level{
			{Partitions: []string{"devel"}, Memory: "1G", WallTime: "00:10:00"},
			{Partitions: []string{"devel"}, Memory: "4G", WallTime: "00:20:00"},
		},
	}
}

func testAdvanceCommand(chainID string, roundNumber int) (string, []string) {
	return "/opt/escalatectl", []string{"advance", chainID, "--round", "0"}
}

func TestNewChainIDFormat(t *testing.T) {
	now := time.Date(2026, 8, 3, 14, 5, 9, 0, time.UTC)
	id := NewChainID(now)
	if len(id) != len("20260803-140509") + 1 + 4 {
		t.Fatalf("id %q has unexpected length %d", id, len(id))
	}
	if id[:15] != "20260803-140509" {
		t.Fatalf("id %q does not start with expected timestamp", id)
	}
}

func TestBootstrapCreatesChainAndSubmitsRoundZero(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	gw := fakegw.New()

	c, err := Bootstrap(context.Background(), store, gw, nil, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), BootstrapRequest{
		Script:         "/bin/run.sh",
		Args:           []string{"--flag"},
		Indices:        []int{0, 1, 2, 3, 4},
		Ladder:         testLadder(),
		MaxSpecLen:     10000,
		AdvanceCommand: testAdvanceCommand,
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if c.State != checkpoint.ChainRunning {
		t.Fatalf("chain state = %s, want RUNNING", c.State)
	}
	if len(c.Rounds) != 1 {
		t.Fatalf("rounds = %d, want 1", len(c.Rounds))
	}
	round0 := c.Rounds[0]
	if round0.State != checkpoint.RoundRunning {
		t.Fatalf("round 0 state = %s, want RUNNING", round0.State)
	}
	if len(round0.JobIDs) == 0 {
		t.Fatal("round 0 has no job ids after submission")
	}
	if round0.HandlerJobID == "" || round0.WatcherJobID == "" {
		t.Fatal("round 0 missing handler/watcher job ids")
	}

	submissions := gw.Submissions()
	if len(submissions) != 3 { // batch job, handler, watcher
		t.Fatalf("gateway submissions = %d, want 3", len(submissions))
	}
}

func TestBootstrapRejectsEmptyIndexSet(t *testing.T) {
	dir := t.TempDir()
	store, _ := checkpoint.NewStore(dir)
	gw := fakegw.New()
	_, err := Bootstrap(context.Background(), store, gw, nil, time.Now(), BootstrapRequest{
		Script:         "/bin/run.sh",
		Indices:        nil,
		Ladder:         testLadder(),
		AdvanceCommand: testAdvanceCommand,
	})
	if err == nil {
		t.Fatal("Bootstrap: want error for empty index set")
	}
}

func TestStatusAndListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, _ := checkpoint.NewStore(dir)
	gw := fakegw.New()
	now := time.Date(2026, 8, 3, 1, 2, 3, 0, time.UTC)

	c, err := Bootstrap(context.Background(), store, gw, nil, now, BootstrapRequest{
		Script:         "/bin/run.sh",
		Indices:        []int{0, 1},
		Ladder:         testLadder(),
		AdvanceCommand: testAdvanceCommand,
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	got, err := Status(store, c.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("Status returned chain %s, want %s", got.ID, c.ID)
	}

	summaries, err := List(store)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != c.ID {
		t.Fatalf("List = %+v, want single summary for %s", summaries, c.ID)
	}
}

func TestCancelChainCancelsLiveJobsAndMarksFailedNotRetried(t *testing.T) {
	dir := t.TempDir()
	store, _ := checkpoint.NewStore(dir)
	gw := fakegw.New()

	c, err := Bootstrap(context.Background(), store, gw, nil, time.Now(), BootstrapRequest{
		Script:         "/bin/run.sh",
		Indices:        []int{0, 1, 2},
		Ladder:         testLadder(),
		AdvanceCommand: testAdvanceCommand,
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := CancelChain(context.Background(), store, gw, c.ID); err != nil {
		t.Fatalf("CancelChain: %v", err)
	}

	got, err := Status(store, c.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.State != checkpoint.ChainFailedNotRetried {
		t.Fatalf("chain state = %s, want FAILED_NOT_RETRIED", got.State)
	}

	for _, s := range gw.Submissions() {
		if !s.Cancelled {
			t.Errorf("submission %s was not cancelled", s.JobID)
		}
	}
}

func TestCancelChainIsNoOpOnTerminalChain(t *testing.T) {
	dir := t.TempDir()
	store, _ := checkpoint.NewStore(dir)
	gw := fakegw.New()

	c, err := Bootstrap(context.Background(), store, gw, nil, time.Now(), BootstrapRequest{
		Script:         "/bin/run.sh",
		Indices:        []int{0},
		Ladder:         testLadder(),
		AdvanceCommand: testAdvanceCommand,
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := store.MarkCompleted(c.ID, 1); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if err := CancelChain(context.Background(), store, gw, c.ID); err != nil {
		t.Fatalf("CancelChain on terminal chain: %v", err)
	}
	got, _ := Status(store, c.ID)
	if got.State != checkpoint.ChainCompleted {
		t.Fatalf("chain state = %s, want unchanged COMPLETED", got.State)
	}
}

func TestWatchStopsOnTerminalState(t *testing.T) {
	dir := t.TempDir()
	store, _ := checkpoint.NewStore(dir)
	gw := fakegw.New()

	c, err := Bootstrap(context.Background(), store, gw, nil, time.Now(), BootstrapRequest{
		Script:         "/bin/run.sh",
		Indices:        []int{0},
		Ladder:         testLadder(),
		AdvanceCommand: testAdvanceCommand,
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := store.MarkCompleted(c.ID, 1); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	calls := 0
	err = Watch(context.Background(), store, c.ID, time.Millisecond, func(*checkpoint.Chain) {
		calls++
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("render called %d times, want exactly 1 (terminal on first poll)", calls)
	}
}
