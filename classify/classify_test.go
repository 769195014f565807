package classify

import "testing"

func TestDefaultClassificationPriority(t *testing.T) {
	records := []TaskOutcome{
		{Index: 0, State: StateCompleted, ExitCode: 0},
		{Index: 1, State: StateFailed, ExitCode: sigkillExitCode}, // exit code wins over state
		{Index: 2, State: StateOutOfMemory, ExitCode: 1},
		{Index: 3, State: StateTimeout, ExitCode: 1},
		{Index: 4, State: StateFailed, ExitCode: 1},
		{Index: 5, State: StateCancelled, ExitCode: 0},
		{Index: 6, State: StateNodeFail, ExitCode: 1},
	}
	got := Classify(records, Overrides{})

	assertIndices(t, "Completed", got.Completed, []int{0})
	assertIndices(t, "OOM", got.OOM, []int{1, 2})
	assertIndices(t, "Timeout", got.Timeout, []int{3})
	assertIndices(t, "Other", got.Other, []int{4, 5, 6})
}

// TestClassifierDisjointness is testable property 5: the four outcome sets
// are pairwise disjoint and their union equals the round's index set.
func TestClassifierDisjointness(t *testing.T) {
	records := []TaskOutcome{
		{Index: 1, State: StateOutOfMemory},
		{Index: 4, State: StateOutOfMemory},
		{Index: 7, State: StateOutOfMemory},
		{Index: 8, State: StateOutOfMemory},
		{Index: 2, State: StateTimeout},
		{Index: 9, State: StateTimeout},
		{Index: 5, State: StateFailed, ExitCode: 1},
		{Index: 16, State: StateFailed, ExitCode: 1},
		{Index: 0, State: StateCompleted, ExitCode: 0},
		{Index: 3, State: StateCompleted, ExitCode: 0},
		{Index: 6, State: StateCompleted, ExitCode: 0},
	}
	got := Classify(records, Overrides{})

	seen := map[int]string{}
	for _, bucket := range []struct {
		name string
		idx  []int
	}{
		{"completed", got.Completed},
		{"oom", got.OOM},
		{"timeout", got.Timeout},
		{"other", got.Other},
	} {
		for _, i := range bucket.idx {
			if prev, ok := seen[i]; ok {
				t.Fatalf("index %d appears in both %q and %q", i, prev, bucket.name)
			}
			seen[i] = bucket.name
		}
	}
	if len(seen) != len(records) {
		t.Fatalf("union has %d indices, want %d", len(seen), len(records))
	}
}

// TestScenarioS3MixedFailures is scenario S3: 30 indices, specific OOM/
// TIMEOUT/code-error sets, rest succeed.
func TestScenarioS3MixedFailures(t *testing.T) {
	oom := map[int]bool{1: true, 4: true, 7: true, 8: true}
	timeout := map[int]bool{2: true, 9: true}
	otherFail := map[int]bool{5: true, 16: true}

	var records []TaskOutcome
	for i := 0; i < 30; i++ {
		switch {
		case oom[i]:
			records = append(records, TaskOutcome{Index: i, State: StateOutOfMemory})
		case timeout[i]:
			records = append(records, TaskOutcome{Index: i, State: StateTimeout})
		case otherFail[i]:
			records = append(records, TaskOutcome{Index: i, State: StateFailed, ExitCode: 1})
		default:
			records = append(records, TaskOutcome{Index: i, State: StateCompleted, ExitCode: 0})
		}
	}

	got := Classify(records, Overrides{})
	retry := got.Retryable()
	assertIndices(t, "retryable", retry, []int{1, 2, 4, 7, 8, 9})
	assertIndices(t, "other", got.Other, []int{5, 16})
}

func TestOverridesTakePrecedence(t *testing.T) {
	overrides := Overrides{
		StateHandling: map[string]Outcome{StateNodeFail: OutcomeTimeout},
		ExitCodes:     map[int]Outcome{42: OutcomeOOM},
	}
	records := []TaskOutcome{
		{Index: 0, State: StateNodeFail, ExitCode: 1},
		{Index: 1, State: StateFailed, ExitCode: 42},
	}
	got := Classify(records, overrides)
	assertIndices(t, "Timeout", got.Timeout, []int{0})
	assertIndices(t, "OOM", got.OOM, []int{1})
}

func assertIndices(t *testing.T, label string, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %v, want %v", label, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s = %v, want %v", label, got, want)
		}
	}
}
