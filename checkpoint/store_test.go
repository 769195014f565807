package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func newTestChain(id string, args []string) *Chain {
	return &Chain{
		ID:           id,
		Script:       "/opt/jobs/run.sh",
		Args:         args,
		FullIndexSet: []int{0, 1, 2, 3, 4},
		Ladder: Ladder{
			Mode: ModeLevels,
			Levels: []Level{
				{Partitions: []string{"small"}, Memory: "1G", WallTime: "00:10:00"},
				{Partitions: []string{"big"}, Memory: "2G", WallTime: "00:20:00"},
			},
		},
		State: ChainRunning,
		Rounds: []Round{
			{Number: 0, LevelIndex: 0, Memory: "1G", WallTime: "00:10:00",
				ArraySpec: "0-4", IndexSet: []int{0, 1, 2, 3, 4}, State: RoundPending},
		},
	}
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	args := []string{"--input", "file with spaces.csv", `quoted "value"`}
	c := newTestChain("20260803-120000-ab12", args)
	if err := store.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, err := store.Load(c.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Args) != len(args) {
		t.Fatalf("Args length = %d, want %d", len(loaded.Args), len(args))
	}
	for i := range args {
		if loaded.Args[i] != args[i] {
			t.Errorf("Args[%d] = %q, want %q", i, loaded.Args[i], args[i])
		}
	}
}

// TestArgumentPreservation is testable property 7: for any argument vector
// with arbitrary whitespace and quoting, the vector the store returns is
// element-wise equal to the one supplied at chain creation, at every round.
func TestArgumentPreservation(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	args := []string{"", "  leading space", "trailing space  ", "tab\ttab", "comma,here", `"quoted"`}
	c := newTestChain("20260803-120000-zz99", args)
	if err := store.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.AppendRound(c.ID, Round{Number: 1, LevelIndex: 1, State: RoundPending, ArraySpec: "0-1", IndexSet: []int{0, 1}}); err != nil {
		t.Fatalf("AppendRound: %v", err)
	}

	got, err := store.LoadPreservedArgs(c.ID)
	if err != nil {
		t.Fatalf("LoadPreservedArgs: %v", err)
	}
	if len(got) != len(args) {
		t.Fatalf("got %d args, want %d", len(got), len(args))
	}
	for i := range args {
		if got[i] != args[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], args[i])
		}
	}
}

func TestAppendRoundRejectsDuplicateNumber(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	c := newTestChain("20260803-120000-dup1", []string{"x"})
	store.Create(c)

	if err := store.AppendRound(c.ID, Round{Number: 0, State: RoundPending}); err == nil {
		t.Error("expected error appending a round number that already exists")
	}
}

func TestUpdateRoundAppendsTasksAndUpdatesCounts(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	c := newTestChain("20260803-120000-upd1", []string{"x"})
	store.Create(c)

	state := RoundCompleted
	counts := RoundCounts{Completed: 5}
	err := store.UpdateRound(c.ID, 0, RoundUpdate{
		State:  &state,
		Counts: &counts,
		Tasks: []TaskRecord{
			{Index: 0, State: "COMPLETED", ExitCode: 0},
		},
	})
	if err != nil {
		t.Fatalf("UpdateRound: %v", err)
	}

	loaded, _ := store.Load(c.ID)
	r := loaded.RoundByNumber(0)
	if r.State != RoundCompleted {
		t.Errorf("round state = %s, want %s", r.State, RoundCompleted)
	}
	if r.Counts.Completed != 5 {
		t.Errorf("counts.Completed = %d, want 5", r.Counts.Completed)
	}
	if len(r.Tasks) != 1 {
		t.Fatalf("want 1 task record, got %d", len(r.Tasks))
	}
}

func TestMarkCompletedAndFailedAreTerminalAndExclusive(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	c := newTestChain("20260803-120000-term1", []string{"x"})
	store.Create(c)

	if err := store.MarkCompleted(c.ID, 5); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	// Property 9: a chain never transitions out of a terminal state.
	if err := store.MarkFailed(c.ID, ChainFailedAtMax, "late OOM", []int{1}, nil); err == nil {
		t.Error("expected error marking an already-terminal chain failed")
	}
}

func TestMarkFailedRecordsResidualIndices(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	c := newTestChain("20260803-120000-res1", []string{"x"})
	store.Create(c)

	if err := store.MarkFailed(c.ID, ChainFailedAtMax, "ladder exhausted", []int{2, 3}, []int{7}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	loaded, _ := store.Load(c.ID)
	if loaded.State != ChainFailedAtMax {
		t.Errorf("state = %s, want %s", loaded.State, ChainFailedAtMax)
	}
	assertIntSlice(t, loaded.ResidualOOM, []int{2, 3})
	assertIntSlice(t, loaded.ResidualTimeout, []int{7})
	assertIntSlice(t, loaded.ResidualIndices, []int{2, 3, 7})
}

// TestCheckpointAtomicity is testable property 6: a crash simulated between
// writing the new checkpoint and renaming it leaves the old checkpoint
// parseable and consistent.
func TestCheckpointAtomicity(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	c := newTestChain("20260803-120000-atom1", []string{"x"})
	store.Create(c)

	// Simulate a crash mid-write: a temp file lands next to the checkpoint
	// but the rename that would publish it never happens.
	tmpPath := filepath.Join(dir, ".crash.tmp")
	if err := os.WriteFile(tmpPath, []byte("not valid yaml: [unterminated"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := store.Load(c.ID)
	if err != nil {
		t.Fatalf("Load after simulated crash: %v", err)
	}
	if loaded.ID != c.ID || loaded.State != ChainRunning {
		t.Errorf("checkpoint corrupted after simulated crash: %+v", loaded)
	}
}

func TestListAllSkipsUnreadableAndSortsByID(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	store.Create(newTestChain("20260803-090000-aaaa", []string{"x"}))
	store.Create(newTestChain("20260803-100000-bbbb", []string{"x"}))

	// An unrelated, unparseable file should be skipped, not fatal.
	os.WriteFile(filepath.Join(dir, "garbage.checkpoint"), []byte("{not: yaml::"), 0644)

	summaries, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("ListAll returned %d summaries, want 2", len(summaries))
	}
	if summaries[0].ID != "20260803-090000-aaaa" || summaries[1].ID != "20260803-100000-bbbb" {
		t.Errorf("ListAll not sorted by id: %+v", summaries)
	}
}

func TestCheckpointIsHumanReadableYAML(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	c := newTestChain("20260803-120000-yaml1", []string{"x"})
	c.CreatedAt = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	store.Create(c)

	data, err := os.ReadFile(filepath.Join(dir, c.ID+fileExt))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		t.Fatalf("checkpoint is not valid YAML: %v", err)
	}
	if generic["script"] != c.Script {
		t.Errorf("script = %v, want %v", generic["script"], c.Script)
	}
}

func assertIntSlice(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
