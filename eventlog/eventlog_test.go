package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesOneJSONLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.Append("chain-1", ActionSubmit, "123", 0, []int{0, 1, 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append("chain-1", ActionEscalate, "124", 1, []int{1, 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Action != ActionSubmit || events[1].Action != ActionEscalate {
		t.Errorf("unexpected actions: %+v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
