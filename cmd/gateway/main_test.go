package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gliderlab/moltgate/storage"
)

func TestJournalSummary(t *testing.T) {
	journal, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	defer journal.Close()

	journal.AddEvent(storage.EventForwardFailure, "1", "a")
	journal.AddEvent(storage.EventForwardFailure, "2", "b")
	journal.AddEvent(storage.EventHintSent, "-100", "")

	got := journalSummary(journal, time.Now().Add(-time.Hour))
	for _, line := range []string{
		"Journal (last 24h):",
		"  forward_failure: 2",
		"  discipline_trigger: 0",
		"  hint_sent: 1",
	} {
		if !strings.Contains(got, line) {
			t.Errorf("Summary missing %q:\n%s", line, got)
		}
	}
}
