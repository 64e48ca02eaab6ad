package discipline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gliderlab/moltgate/pkg/hooks"
	"github.com/gliderlab/moltgate/pkg/jsonstore"
	"github.com/gliderlab/moltgate/storage"
)

type staticAllowlist []string

func (s staticAllowlist) AllowFrom() ([]string, error) { return s, nil }

type recordingNotifier struct {
	mu      sync.Mutex
	sent    map[string][]string
	failFor string
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if userID == n.failFor {
		return errors.New("Forbidden: bot was blocked by the user")
	}
	if n.sent == nil {
		n.sent = make(map[string][]string)
	}
	n.sent[userID] = append(n.sent[userID], text)
	return nil
}

type countingRestarter struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRestarter) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *countingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memoryJournal struct {
	mu     sync.Mutex
	events []storage.Event
}

func (j *memoryJournal) AddEvent(kind, chatID, detail string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, storage.Event{ID: int64(len(j.events) + 1), Kind: kind, ChatID: chatID, Detail: detail, CreatedAt: time.Now()})
	return int64(len(j.events)), nil
}

func (j *memoryJournal) LastEvent(kind, chatID string) (*storage.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.events) - 1; i >= 0; i-- {
		if j.events[i].Kind == kind && j.events[i].ChatID == chatID {
			ev := j.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

type failingStore struct{}

func (f *failingStore) Get(path string) (any, bool, error) { return []any{"111", "bot"}, true, nil }
func (f *failingStore) Set(path string, value any) error {
	return errors.New("read-only file system")
}

type fixture struct {
	tracker   *Tracker
	perms     *jsonstore.File
	notifier  *recordingNotifier
	restarter *countingRestarter
	journal   *memoryJournal
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		perms:     jsonstore.NewFile(filepath.Join(dir, "openclaw.json")),
		notifier:  &recordingNotifier{},
		restarter: &countingRestarter{},
		journal:   &memoryJournal{},
		dir:       dir,
	}
	f.tracker = NewTracker(filepath.Join(dir, "telegram-discipline.json"), Deps{
		Allowlist:   staticAllowlist{"111", "222"},
		Permissions: f.perms,
		Notifier:    f.notifier,
		Restarter:   f.restarter,
		Journal:     f.journal,
	})
	return f
}

const group = "-1001234"

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 6, false},
		{"3", 3, false},
		{" 12 ", 12, false},
		{"0", 0, true},
		{"-2", 0, true},
		{"abc", 0, true},
		{"2.5", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseThreshold(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidThreshold) {
				t.Errorf("%q: expected ErrInvalidThreshold, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: expected %d, got %d (%v)", tt.in, tt.want, got, err)
		}
	}
}

func TestValidateConversationID(t *testing.T) {
	for _, id := range []string{"-1001234", "42", "0"} {
		if err := ValidateConversationID(id); err != nil {
			t.Errorf("Expected %q to be valid, got %v", id, err)
		}
	}
	for _, id := range []string{"", "-", "abc", "12a", "--1", "1 2"} {
		if err := ValidateConversationID(id); !errors.Is(err, ErrInvalidConversationID) {
			t.Errorf("Expected %q to be invalid, got %v", id, err)
		}
	}
}

func TestEnableDisablePersists(t *testing.T) {
	f := newFixture(t)

	if err := f.tracker.Enable(group, 4); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := f.tracker.Enable("nope", 4); !errors.Is(err, ErrInvalidConversationID) {
		t.Errorf("Expected ErrInvalidConversationID, got %v", err)
	}
	if err := f.tracker.Enable(group, 0); !errors.Is(err, ErrInvalidThreshold) {
		t.Errorf("Expected ErrInvalidThreshold, got %v", err)
	}

	var doc Document
	if _, err := jsonstore.ReadJSON(filepath.Join(f.dir, "telegram-discipline.json"), &doc); err != nil {
		t.Fatal(err)
	}
	want := Document{Version: 1, Groups: map[string]GroupConfig{group: {Enabled: true, Threshold: 4}}}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	existed, err := f.tracker.Disable(group)
	if err != nil || !existed {
		t.Fatalf("Expected disable of existing config, got %v (%v)", existed, err)
	}
	existed, err = f.tracker.Disable(group)
	if err != nil || existed {
		t.Errorf("Expected idempotent disable, got %v (%v)", existed, err)
	}

	doc, _ = f.tracker.Load()
	if len(doc.Groups) != 0 {
		t.Errorf("Expected no groups, got %v", doc.Groups)
	}
}

func TestUnmonitoredNeverTriggers(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		out, err := f.tracker.Observe(context.Background(), group, "bot")
		if err != nil || out != OutcomeIgnored {
			t.Fatalf("Expected ignored, got %v (%v)", out, err)
		}
	}
	if f.restarter.count() != 0 {
		t.Error("Unmonitored group must not restart")
	}
}

func TestDisabledConfigIgnored(t *testing.T) {
	f := newFixture(t)
	jsonstore.WriteJSON(filepath.Join(f.dir, "telegram-discipline.json"),
		Document{Version: 1, Groups: map[string]GroupConfig{group: {Enabled: false, Threshold: 1}}})

	out, _ := f.tracker.Observe(context.Background(), group, "bot")
	if out != OutcomeIgnored {
		t.Errorf("Expected ignored for disabled config, got %v", out)
	}
}

func TestBotHumanSequence(t *testing.T) {
	f := newFixture(t)
	if err := f.perms.Set("channels.telegram.groups."+group+".allowFrom", []string{"111", "bot-a", "bot-b"}); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.Enable(group, 3); err != nil {
		t.Fatal(err)
	}

	senders := []string{"bot-a", "bot-b", "111", "bot-a", "bot-b", "bot-a"}
	want := []Outcome{OutcomeCounted, OutcomeCounted, OutcomeReset, OutcomeCounted, OutcomeCounted, OutcomeTriggered}
	wantCounts := []int{1, 2, 0, 1, 2, 3}

	for i, s := range senders {
		out, err := f.tracker.Observe(context.Background(), group, s)
		if err != nil {
			t.Fatalf("message %d: Observe failed: %v", i, err)
		}
		if out != want[i] {
			t.Errorf("message %d: expected %v, got %v", i, want[i], out)
		}
		if got := f.tracker.Count(group); got != wantCounts[i] {
			t.Errorf("message %d: expected count %d, got %d", i, wantCounts[i], got)
		}
	}

	if !f.tracker.Triggered(group) {
		t.Fatal("Expected group to be latched")
	}
	if f.restarter.count() != 1 {
		t.Errorf("Expected 1 restart, got %d", f.restarter.count())
	}

	// Latched: further messages, human or bot, change nothing
	for _, s := range []string{"bot-a", "111", "bot-b"} {
		out, _ := f.tracker.Observe(context.Background(), group, s)
		if out != OutcomeIgnored {
			t.Errorf("Expected ignored after trigger, got %v", out)
		}
	}
	if f.restarter.count() != 1 {
		t.Errorf("Expected no further restarts, got %d", f.restarter.count())
	}

	v, _, _ := f.perms.Get("channels.telegram.groups." + group + ".allowFrom")
	if diff := cmp.Diff([]string{"111"}, jsonstore.StringSlice(v)); diff != "" {
		t.Errorf("allowFrom mismatch (-want +got):\n%s", diff)
	}

	if len(f.notifier.sent["111"]) != 1 || len(f.notifier.sent["222"]) != 1 {
		t.Fatalf("Expected one notification per owner, got %v", f.notifier.sent)
	}
	text := f.notifier.sent["111"][0]
	for _, line := range []string{
		"/telegram group allow " + group + " bot-a",
		"/telegram group allow " + group + " bot-b",
		"3 consecutive bot messages",
	} {
		if !strings.Contains(text, line) {
			t.Errorf("Notification missing %q:\n%s", line, text)
		}
	}

	if len(f.journal.events) != 1 || f.journal.events[0].Kind != storage.EventDisciplineTrigger {
		t.Errorf("Expected one journaled trigger, got %+v", f.journal.events)
	}
}

func TestDisableThenEnableStartsFresh(t *testing.T) {
	f := newFixture(t)
	f.tracker.Enable(group, 2)
	f.tracker.Observe(context.Background(), group, "bot")
	f.tracker.Observe(context.Background(), group, "bot")
	if !f.tracker.Triggered(group) {
		t.Fatal("Expected trigger")
	}

	f.tracker.Disable(group)
	if f.tracker.Triggered(group) || f.tracker.Count(group) != 0 {
		t.Fatal("Disable should clear latch and counter")
	}

	f.tracker.Enable(group, 2)
	out, _ := f.tracker.Observe(context.Background(), group, "bot")
	if out != OutcomeCounted || f.tracker.Count(group) != 1 {
		t.Errorf("Expected fresh count 1, got %v/%d", out, f.tracker.Count(group))
	}
}

func TestConcurrentObserveTriggersOnce(t *testing.T) {
	f := newFixture(t)
	f.tracker.Enable(group, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	triggers := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.tracker.Observe(context.Background(), group, "bot")
			if err != nil {
				t.Errorf("Observe failed: %v", err)
			}
			if out == OutcomeTriggered {
				mu.Lock()
				triggers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if triggers != 1 {
		t.Errorf("Expected exactly one trigger, got %d", triggers)
	}
	if f.restarter.count() != 1 {
		t.Errorf("Expected exactly one restart, got %d", f.restarter.count())
	}
}

func TestNotifyFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.notifier.failFor = "111"
	f.tracker.Enable(group, 1)

	if _, err := f.tracker.Observe(context.Background(), group, "bot"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if len(f.notifier.sent["222"]) != 1 {
		t.Error("Second owner should still be notified")
	}
	if f.restarter.count() != 1 {
		t.Error("Restart should still happen")
	}
}

func TestPersistenceFailureStopsSideEffects(t *testing.T) {
	f := newFixture(t)
	f.tracker.deps.Permissions = &failingStore{}
	f.tracker.Enable(group, 1)

	out, err := f.tracker.Observe(context.Background(), group, "bot")
	if err == nil || out != OutcomeTriggered {
		t.Fatalf("Expected triggered with error, got %v (%v)", out, err)
	}
	if f.restarter.count() != 0 || len(f.notifier.sent) != 0 {
		t.Error("No side effects expected after persistence failure")
	}
	if !f.tracker.Triggered(group) {
		t.Error("Latch should hold after persistence failure")
	}
}

func TestStatusAndList(t *testing.T) {
	f := newFixture(t)

	if _, ok, err := f.tracker.Status(group); ok || err != nil {
		t.Errorf("Expected unconfigured status, got %v (%v)", ok, err)
	}
	if _, _, err := f.tracker.Status("x"); !errors.Is(err, ErrInvalidConversationID) {
		t.Errorf("Expected ErrInvalidConversationID, got %v", err)
	}

	f.tracker.Enable(group, 1)
	f.tracker.Enable("-42", 5)
	f.tracker.Observe(context.Background(), "-42", "bot")
	f.tracker.Observe(context.Background(), group, "bot")

	st, ok, err := f.tracker.Status(group)
	if err != nil || !ok {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Triggered || st.LastTrigger.IsZero() || st.Config.Threshold != 1 {
		t.Errorf("Unexpected status %+v", st)
	}

	list, err := f.tracker.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ChatID != "-1001234" || list[1].ChatID != "-42" {
		t.Fatalf("Unexpected list %+v", list)
	}
	if list[1].Count != 1 || list[1].Triggered {
		t.Errorf("Unexpected -42 status %+v", list[1])
	}
}

func TestHookFeedsTracker(t *testing.T) {
	f := newFixture(t)
	f.tracker.Enable(group, 5)

	registry := hooks.NewHookRegistry()
	registry.Register(f.tracker.Hook())

	registry.DispatchSync(hooks.NewMessageReceived("telegram", group, "bot"))
	registry.DispatchSync(hooks.NewMessageReceived("discord", group, "bot"))
	registry.DispatchSync(hooks.NewMessageReceived("telegram", group, ""))

	if got := f.tracker.Count(group); got != 1 {
		t.Errorf("Expected count 1, got %d", got)
	}
}

func TestNotificationTextWithoutRemovals(t *testing.T) {
	text := NotificationText(group, 6, nil)
	if !strings.Contains(text, "No bot senders") || strings.Contains(text, "/telegram group allow") {
		t.Errorf("Unexpected text:\n%s", text)
	}
}

type recordingDispatcher struct {
	events []*hooks.HookEvent
}

func (d *recordingDispatcher) Dispatch(event *hooks.HookEvent) {
	d.events = append(d.events, event)
}

func TestTriggerDispatchesEvent(t *testing.T) {
	f := newFixture(t)
	d := &recordingDispatcher{}
	f.tracker.deps.Events = d
	f.perms.Set("channels.telegram.groups."+group+".allowFrom", []string{"111", "bot"})
	f.tracker.Enable(group, 2)

	f.tracker.Observe(context.Background(), group, "bot")
	if len(d.events) != 0 {
		t.Fatalf("Expected no event below threshold, got %d", len(d.events))
	}
	f.tracker.Observe(context.Background(), group, "bot")
	if len(d.events) != 1 {
		t.Fatalf("Expected one event, got %d", len(d.events))
	}

	ev := d.events[0]
	if ev.Type != hooks.EventTypeDisciplineTriggered || ev.Context.ConversationID != group {
		t.Errorf("Unexpected event %+v", ev)
	}
	if ev.Context.Metadata["threshold"] != 2 {
		t.Errorf("Unexpected threshold %v", ev.Context.Metadata["threshold"])
	}
	if diff := cmp.Diff([]string{"bot"}, ev.Context.Metadata["removed"]); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
}

func TestCorruptDocumentRejectsMutation(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "telegram-discipline.json")
	truncated := []byte(`{"version":1,"groups":{"-100999":{"enabled":true,"threshold":4}`)
	if err := os.WriteFile(path, truncated, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.tracker.Enable(group, 3); err == nil {
		t.Error("Expected Enable to fail on a corrupt document")
	}
	if _, err := f.tracker.Disable("-100999"); err == nil {
		t.Error("Expected Disable to fail on a corrupt document")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(truncated) {
		t.Errorf("Document was rewritten: %s", data)
	}

	// Read paths keep treating the damaged file as empty
	if out, err := f.tracker.Observe(context.Background(), group, "bot"); err != nil || out != OutcomeIgnored {
		t.Errorf("Expected ignored observe, got %v (%v)", out, err)
	}
	if groups, err := f.tracker.List(); err != nil || len(groups) != 0 {
		t.Errorf("Expected empty list, got %v (%v)", groups, err)
	}
}

// gatedAllowlist blocks its first AllowFrom call until release is closed
type gatedAllowlist struct {
	ids     []string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAllowlist) AllowFrom() ([]string, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.ids, nil
}

func TestDisableDuringObserveDropsMessage(t *testing.T) {
	f := newFixture(t)
	gate := &gatedAllowlist{ids: []string{"111"}, entered: make(chan struct{}), release: make(chan struct{})}
	f.tracker.deps.Allowlist = gate
	if err := f.tracker.Enable(group, 3); err != nil {
		t.Fatal(err)
	}

	done := make(chan Outcome)
	go func() {
		out, _ := f.tracker.Observe(context.Background(), group, "bot")
		done <- out
	}()

	<-gate.entered
	if _, err := f.tracker.Disable(group); err != nil {
		t.Fatal(err)
	}
	close(gate.release)

	if out := <-done; out != OutcomeIgnored {
		t.Errorf("Expected in-flight message to be ignored, got %v", out)
	}
	if got := f.tracker.Count(group); got != 0 {
		t.Errorf("Expected count 0 after disable, got %d", got)
	}

	f.tracker.Enable(group, 3)
	if got := f.tracker.Count(group); got != 0 {
		t.Errorf("Expected re-enabled group to start at 0, got %d", got)
	}
	out, _ := f.tracker.Observe(context.Background(), group, "bot")
	if out != OutcomeCounted || f.tracker.Count(group) != 1 {
		t.Errorf("Expected count 1 after first message, got %v/%d", out, f.tracker.Count(group))
	}
}
