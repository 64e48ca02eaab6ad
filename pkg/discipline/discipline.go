// Package discipline breaks bot-to-bot reply loops in Telegram groups.
//
// A Tracker counts consecutive messages from senders outside the pairing
// allowlist in each monitored group. When the count reaches the group's
// threshold the group is latched: its allowFrom list is narrowed to paired
// humans, the owners are notified, the event is journaled, and the backend
// gateway is restarted so the narrowed list takes effect. The latch holds
// until an operator disables discipline for the group.
//
// Counters and latches live in memory only. The per-group configuration is
// persisted in telegram-discipline.json and survives restarts.
package discipline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gliderlab/moltgate/pkg/config"
	"github.com/gliderlab/moltgate/pkg/hooks"
	"github.com/gliderlab/moltgate/pkg/jsonstore"
	"github.com/gliderlab/moltgate/storage"
)

const documentVersion = 1

var (
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrInvalidThreshold      = errors.New("threshold must be a positive integer")
)

var chatIDPattern = regexp.MustCompile(`^-?\d+$`)

// GroupConfig is the persisted per-group setting
type GroupConfig struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
}

// Document is the telegram-discipline.json layout
type Document struct {
	Version int                    `json:"version"`
	Groups  map[string]GroupConfig `json:"groups"`
}

func emptyDocument() Document {
	return Document{Version: documentVersion, Groups: map[string]GroupConfig{}}
}

// Allowlist supplies the paired (human) sender ids
type Allowlist interface {
	AllowFrom() ([]string, error)
}

// ConfigStore reads and writes the agent configuration by dotted path
type ConfigStore interface {
	Get(path string) (any, bool, error)
	Set(path string, value any) error
}

// Notifier delivers a direct message to a paired user
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// Restarter restarts the backend gateway
type Restarter interface {
	Restart(ctx context.Context) error
}

// Journal records trigger events
type Journal interface {
	AddEvent(kind, chatID, detail string) (int64, error)
	LastEvent(kind, chatID string) (*storage.Event, error)
}

// Dispatcher announces discipline:triggered to other hooks
type Dispatcher interface {
	Dispatch(event *hooks.HookEvent)
}

// Deps are the collaborators a Tracker acts on. Journal and Events may be nil.
type Deps struct {
	Allowlist   Allowlist
	Permissions ConfigStore
	Notifier    Notifier
	Restarter   Restarter
	Journal     Journal
	Events      Dispatcher
}

// Outcome describes what Observe did with a message
type Outcome int

const (
	OutcomeIgnored   Outcome = iota // not monitored, or already latched
	OutcomeReset                    // human sender cleared the counter
	OutcomeCounted                  // counter advanced below threshold
	OutcomeTriggered                // threshold reached, side effects ran
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReset:
		return "reset"
	case OutcomeCounted:
		return "counted"
	case OutcomeTriggered:
		return "triggered"
	default:
		return "ignored"
	}
}

// Tracker owns the per-group counters and latches
type Tracker struct {
	path string
	deps Deps

	docMu sync.Mutex

	mu        sync.Mutex
	counts    map[string]int
	triggered map[string]struct{}
	// generation advances on every Disable; Observe drops a message whose
	// config was read under an older generation
	generation map[string]uint64
}

// NewTracker creates a tracker persisting its configuration at path
func NewTracker(path string, deps Deps) *Tracker {
	return &Tracker{
		path:       path,
		deps:       deps,
		counts:     make(map[string]int),
		triggered:  make(map[string]struct{}),
		generation: make(map[string]uint64),
	}
}

// ValidateConversationID checks the Telegram chat id format
func ValidateConversationID(chatID string) error {
	if !chatIDPattern.MatchString(chatID) {
		return fmt.Errorf("%w: %q", ErrInvalidConversationID, chatID)
	}
	return nil
}

// ParseThreshold parses an operator-supplied threshold. Empty means the default.
func ParseThreshold(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return config.DefaultDisciplineThreshold, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidThreshold, s)
	}
	return n, nil
}

// Load reads the persisted document. A missing, corrupt or wrong-version
// file reads as empty.
func (t *Tracker) Load() (Document, error) {
	return t.load(false)
}

// load with strict set returns read and parse errors instead of an empty
// document, so a read-modify-write never replaces a damaged file.
func (t *Tracker) load(strict bool) (Document, error) {
	var doc Document
	found, err := jsonstore.ReadJSON(t.path, &doc)
	if err != nil {
		if strict {
			return Document{}, err
		}
		log.Printf("[Discipline] action=load path=%s error=%v", t.path, err)
		return emptyDocument(), nil
	}
	if !found || doc.Version != documentVersion || doc.Groups == nil {
		return emptyDocument(), nil
	}
	return doc, nil
}

func (t *Tracker) update(fn func(doc *Document)) error {
	t.docMu.Lock()
	defer t.docMu.Unlock()

	doc, err := t.load(true)
	if err != nil {
		return err
	}
	fn(&doc)
	return jsonstore.WriteJSON(t.path, doc)
}

// Enable turns on monitoring for chatID. Runtime state is left untouched.
func (t *Tracker) Enable(chatID string, threshold int) error {
	if err := ValidateConversationID(chatID); err != nil {
		return err
	}
	if threshold < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	if err := t.update(func(doc *Document) {
		doc.Groups[chatID] = GroupConfig{Enabled: true, Threshold: threshold}
	}); err != nil {
		return err
	}
	log.Printf("[Discipline] action=enable chat_id=%s threshold=%d", chatID, threshold)
	return nil
}

// Disable removes the configuration and clears the counter and latch. It
// reports whether a configuration existed.
func (t *Tracker) Disable(chatID string) (bool, error) {
	if err := ValidateConversationID(chatID); err != nil {
		return false, err
	}

	existed := false
	if err := t.update(func(doc *Document) {
		_, existed = doc.Groups[chatID]
		delete(doc.Groups, chatID)
	}); err != nil {
		return false, err
	}

	t.mu.Lock()
	delete(t.counts, chatID)
	delete(t.triggered, chatID)
	t.generation[chatID]++
	t.mu.Unlock()

	log.Printf("[Discipline] action=disable chat_id=%s existed=%v", chatID, existed)
	return existed, nil
}

// GroupStatus is one monitored group as reported by Status and List
type GroupStatus struct {
	ChatID      string
	Config      GroupConfig
	Count       int
	Triggered   bool
	LastTrigger time.Time
}

// Status reports the configuration and runtime state of chatID. The second
// return is false when the group is not configured.
func (t *Tracker) Status(chatID string) (GroupStatus, bool, error) {
	if err := ValidateConversationID(chatID); err != nil {
		return GroupStatus{}, false, err
	}
	doc, err := t.Load()
	if err != nil {
		return GroupStatus{}, false, err
	}
	cfg, ok := doc.Groups[chatID]
	if !ok {
		return GroupStatus{ChatID: chatID}, false, nil
	}
	return t.status(chatID, cfg), true, nil
}

// List reports every configured group ordered by chat id
func (t *Tracker) List() ([]GroupStatus, error) {
	doc, err := t.Load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.Groups))
	for id := range doc.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]GroupStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.status(id, doc.Groups[id]))
	}
	return out, nil
}

func (t *Tracker) status(chatID string, cfg GroupConfig) GroupStatus {
	t.mu.Lock()
	st := GroupStatus{ChatID: chatID, Config: cfg, Count: t.counts[chatID]}
	_, st.Triggered = t.triggered[chatID]
	t.mu.Unlock()

	if t.deps.Journal != nil {
		ev, err := t.deps.Journal.LastEvent(storage.EventDisciplineTrigger, chatID)
		if err != nil {
			log.Printf("[Discipline] action=last_trigger chat_id=%s error=%v", chatID, err)
		} else if ev != nil {
			st.LastTrigger = ev.CreatedAt
		}
	}
	return st
}

// Count returns the in-memory counter for chatID
func (t *Tracker) Count(chatID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[chatID]
}

// Triggered reports whether chatID is latched
func (t *Tracker) Triggered(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.triggered[chatID]
	return ok
}

// Observe feeds one inbound message into the state machine. The increment,
// threshold check and latch happen under one lock; side effects run after
// it is released and only for the call that set the latch.
func (t *Tracker) Observe(ctx context.Context, chatID, senderID string) (Outcome, error) {
	t.mu.Lock()
	gen := t.generation[chatID]
	t.mu.Unlock()

	doc, err := t.Load()
	if err != nil {
		return OutcomeIgnored, err
	}
	cfg, ok := doc.Groups[chatID]
	if !ok || !cfg.Enabled {
		return OutcomeIgnored, nil
	}
	threshold := cfg.Threshold
	if threshold < 1 {
		threshold = config.DefaultDisciplineThreshold
	}

	humans, err := t.humans()
	if err != nil {
		return OutcomeIgnored, err
	}
	_, human := humans[senderID]

	t.mu.Lock()
	if t.generation[chatID] != gen {
		// disabled while the config was being read
		t.mu.Unlock()
		return OutcomeIgnored, nil
	}
	if _, latched := t.triggered[chatID]; latched {
		t.mu.Unlock()
		return OutcomeIgnored, nil
	}
	if human {
		delete(t.counts, chatID)
		t.mu.Unlock()
		return OutcomeReset, nil
	}
	t.counts[chatID]++
	count := t.counts[chatID]
	fire := count >= threshold
	if fire {
		t.triggered[chatID] = struct{}{}
	}
	t.mu.Unlock()

	if !fire {
		return OutcomeCounted, nil
	}

	log.Printf("[Discipline] action=trigger chat_id=%s count=%d threshold=%d", chatID, count, threshold)
	return OutcomeTriggered, t.trigger(ctx, chatID, threshold, humans)
}

func (t *Tracker) humans() (map[string]struct{}, error) {
	ids, err := t.deps.Allowlist.AllowFrom()
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func allowFromPath(chatID string) string {
	return "channels.telegram.groups." + chatID + ".allowFrom"
}

// trigger narrows the group's allowFrom, notifies owners, journals and
// restarts. A persistence failure aborts the remaining steps.
func (t *Tracker) trigger(ctx context.Context, chatID string, threshold int, humans map[string]struct{}) error {
	path := allowFromPath(chatID)
	current, _, err := t.deps.Permissions.Get(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	members := []string{}
	var removed []string
	for _, id := range jsonstore.StringSlice(current) {
		if _, ok := humans[id]; ok {
			members = append(members, id)
		} else {
			removed = append(removed, id)
		}
	}

	if err := t.deps.Permissions.Set(path, members); err != nil {
		return fmt.Errorf("persist %s: %w", path, err)
	}
	log.Printf("[Discipline] action=narrow chat_id=%s kept=%d removed=%d", chatID, len(members), len(removed))

	if t.deps.Notifier != nil {
		text := NotificationText(chatID, threshold, removed)
		owners := make([]string, 0, len(humans))
		for id := range humans {
			owners = append(owners, id)
		}
		sort.Strings(owners)
		for _, id := range owners {
			if err := t.deps.Notifier.Notify(ctx, id, text); err != nil {
				log.Printf("[Discipline] action=notify chat_id=%s user_id=%s error=%v", chatID, id, err)
			}
		}
	}

	if t.deps.Journal != nil {
		detail := fmt.Sprintf("threshold=%d removed=%s", threshold, strings.Join(removed, ","))
		if _, err := t.deps.Journal.AddEvent(storage.EventDisciplineTrigger, chatID, detail); err != nil {
			log.Printf("[Discipline] action=journal chat_id=%s error=%v", chatID, err)
		}
	}

	if t.deps.Events != nil {
		ev := hooks.NewHookEvent(hooks.EventTypeDisciplineTriggered, "triggered")
		ev.Context = hooks.EventContext{
			Channel:        "telegram",
			ConversationID: chatID,
			Metadata: map[string]interface{}{
				"threshold": threshold,
				"removed":   removed,
			},
		}
		t.deps.Events.Dispatch(ev)
	}

	if t.deps.Restarter != nil {
		if err := t.deps.Restarter.Restart(ctx); err != nil {
			return fmt.Errorf("restart gateway: %w", err)
		}
		log.Printf("[Discipline] action=restart chat_id=%s", chatID)
	}
	return nil
}

// NotificationText is the direct message sent to owners on trigger
func NotificationText(chatID string, threshold int, removed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Discipline triggered in group %s\n\n", chatID)
	fmt.Fprintf(&b, "%d consecutive bot messages without a human reply. ", threshold)
	b.WriteString("The group allowFrom list was narrowed to paired users and the gateway is restarting.")
	if len(removed) == 0 {
		b.WriteString("\n\nNo bot senders were listed in allowFrom.")
	} else {
		b.WriteString("\n\nTo re-admit a bot, run:")
		for _, id := range removed {
			fmt.Fprintf(&b, "\n/telegram group allow %s %s", chatID, id)
		}
	}
	b.WriteString(fmt.Sprintf("\n\nTo reset discipline: /telegram discipline off %s", chatID))
	return b.String()
}
