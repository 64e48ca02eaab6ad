package extensions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gliderlab/moltgate/gateway/channels/telegram"
	"github.com/gliderlab/moltgate/pkg/discipline"
	"github.com/gliderlab/moltgate/pkg/jsonstore"
	"github.com/gliderlab/moltgate/pkg/pairing"
)

const (
	webhookURLPath  = "channels.telegram.webhookUrl"
	webhookSecPath  = "channels.telegram.webhookSecret"
	groupsPath      = "channels.telegram.groups"
	webhookSuffix   = "/telegram/webhook"
	isoMillis       = "2006-01-02T15:04:05.000Z"
	approvedMessage = "Your pairing request has been approved! You can now send messages."
)

// TelegramAPI is the Bot API surface used by /telegram
type TelegramAPI interface {
	HasToken() bool
	SetWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
	GetWebhookInfo(ctx context.Context) (*telegram.WebhookInfo, error)
	Notify(ctx context.Context, userID, text string) error
}

// ConfigDocument is the agent configuration file
type ConfigDocument interface {
	Load() (map[string]any, error)
	Update(fn func(doc map[string]any) error) error
}

// PairingStore lists and approves pairing requests
type PairingStore interface {
	Pending() ([]pairing.Request, error)
	Approve(code string) (*pairing.Request, error)
}

// DisciplineControl is the operator surface of the discipline tracker
type DisciplineControl interface {
	Enable(chatID string, threshold int) error
	Disable(chatID string) (bool, error)
	Status(chatID string) (discipline.GroupStatus, bool, error)
	List() ([]discipline.GroupStatus, error)
}

// TelegramSettings are the deployment values /telegram webhook reports and uses
type TelegramSettings struct {
	BotToken      string
	WorkerURL     string
	WebhookSecret string
}

// subcommand handles "/telegram <group> <sub> <rest>"
type subcommand func(ctx context.Context, rest string) (string, error)

// verbGroup is one first-level /telegram verb. fallback handles a sub that
// is not in subs; when nil an unknown-subcommand reply is produced.
type verbGroup struct {
	usage    string
	subs     map[string]subcommand
	fallback func(ctx context.Context, sub, rest string) (string, error)
}

// TelegramTools implements /telegram
type TelegramTools struct {
	settings   TelegramSettings
	api        TelegramAPI
	config     ConfigDocument
	pairing    PairingStore
	discipline DisciplineControl
	now        func() time.Time

	verbs map[string]verbGroup
}

// NewTelegramTools wires the /telegram command
func NewTelegramTools(settings TelegramSettings, api TelegramAPI, cfg ConfigDocument, ps PairingStore, dc DisciplineControl) *TelegramTools {
	t := &TelegramTools{
		settings:   settings,
		api:        api,
		config:     cfg,
		pairing:    ps,
		discipline: dc,
		now:        time.Now,
	}
	t.verbs = map[string]verbGroup{
		"webhook": {
			usage: "/telegram webhook [status|on|off|verify]",
			subs: map[string]subcommand{
				"":       t.webhookStatus,
				"status": t.webhookStatus,
				"on":     t.webhookOn,
				"off":    t.webhookOff,
				"verify": t.webhookVerify,
			},
		},
		"pair": {
			usage: "/telegram pair [list|approve <code>]",
			subs: map[string]subcommand{
				"":        t.pairList,
				"list":    t.pairList,
				"approve": t.pairApprove,
			},
		},
		"group": {
			usage: "/telegram group [list|add <id>|remove <id>|allow <id> <senderId>]",
			subs: map[string]subcommand{
				"":       t.groupList,
				"list":   t.groupList,
				"add":    t.groupAdd,
				"remove": t.groupRemove,
				"allow":  t.groupAllow,
			},
		},
		"discipline": {
			usage: "/telegram discipline [<id> [threshold]|show [<id>]|off <id>]",
			subs: map[string]subcommand{
				"":     t.disciplineShow,
				"show": t.disciplineShow,
				"off":  t.disciplineOff,
			},
			fallback: t.disciplineEnable,
		},
	}
	return t
}

// SetClock overrides the time source
func (t *TelegramTools) SetClock(now func() time.Time) {
	t.now = now
}

// Command returns the registrable /telegram command
func (t *TelegramTools) Command() *Command {
	return &Command{
		Name:        "telegram",
		Description: "Telegram management: /telegram webhook|pair|group|discipline",
		AcceptsArgs: true,
		Handler:     t.Handle,
	}
}

// Handle dispatches "<group> <sub> <rest...>"
func (t *TelegramTools) Handle(ctx context.Context, args string) (string, error) {
	parts := strings.Fields(args)
	var group, sub, rest string
	if len(parts) > 0 {
		group = parts[0]
	}
	if len(parts) > 1 {
		sub = parts[1]
	}
	if len(parts) > 2 {
		rest = strings.Join(parts[2:], " ")
	}

	if group == "" {
		return telegramHelp(), nil
	}
	vg, ok := t.verbs[group]
	if !ok {
		return fmt.Sprintf("Unknown subcommand: %s\n\n%s", group, telegramHelp()), nil
	}
	if fn, ok := vg.subs[sub]; ok {
		return fn(ctx, rest)
	}
	if vg.fallback != nil {
		return vg.fallback(ctx, sub, rest)
	}
	return fmt.Sprintf("Unknown %s subcommand: %s\n\nUsage: %s", group, sub, vg.usage), nil
}

func telegramHelp() string {
	return strings.Join([]string{
		"Usage: /telegram <subcommand>",
		"",
		"Webhook management:",
		"  /telegram webhook                 - Show webhook status",
		"  /telegram webhook on              - Enable webhook mode",
		"  /telegram webhook off             - Disable webhook mode",
		"  /telegram webhook verify          - Query Telegram API for webhook info",
		"",
		"Pairing management:",
		"  /telegram pair                    - List pending pairing requests",
		"  /telegram pair list               - Same as above",
		"  /telegram pair approve <code>     - Approve a pairing request",
		"",
		"Group allowlist:",
		"  /telegram group                   - List allowed groups",
		"  /telegram group add <id>          - Allow a group",
		"  /telegram group remove <id>       - Remove a group",
		"  /telegram group allow <id> <user> - Allow a sender in a group",
		"",
		"Discipline (bot loop prevention):",
		"  /telegram discipline <id> [n]     - Latch after n consecutive bot messages (default 6)",
		"  /telegram discipline show [<id>]  - Show discipline state",
		"  /telegram discipline off <id>     - Disable and reset discipline",
	}, "\n")
}

// ---------- webhook ----------

func setOrNot(v string) string {
	if v != "" {
		return "set"
	}
	return "NOT SET"
}

func (t *TelegramTools) webhookStatus(ctx context.Context, _ string) (string, error) {
	var lines []string
	lines = append(lines, "TELEGRAM_BOT_TOKEN: "+setOrNot(t.settings.BotToken))
	worker := t.settings.WorkerURL
	if worker == "" {
		worker = "NOT SET"
	}
	lines = append(lines, "WORKER_URL: "+worker)
	lines = append(lines, "TELEGRAM_WEBHOOK_SECRET: "+setOrNot(t.settings.WebhookSecret))

	doc, err := t.config.Load()
	if err != nil {
		log.Printf("[Extensions] action=webhook_status error=%v", err)
		doc = map[string]any{}
	}
	url, _ := getString(doc, webhookURLPath)
	secret, _ := getString(doc, webhookSecPath)

	mode := "polling"
	if url != "" && secret != "" {
		mode = "webhook"
	}
	lines = append(lines, "", fmt.Sprintf("Local config: %s mode", mode))
	if url != "" {
		lines = append(lines, "  URL: "+url)
	}
	lines = append(lines, "  Secret configured: "+yesNo(secret != ""))
	lines = append(lines, "", "Use /telegram webhook verify to query Telegram API status.")
	return strings.Join(lines, "\n"), nil
}

func (t *TelegramTools) webhookOn(ctx context.Context, _ string) (string, error) {
	if t.settings.BotToken == "" {
		return "[FAIL] TELEGRAM_BOT_TOKEN is not set", nil
	}
	if t.settings.WorkerURL == "" {
		return "[FAIL] WORKER_URL is not set", nil
	}
	if t.settings.WebhookSecret == "" {
		return "[FAIL] TELEGRAM_WEBHOOK_SECRET is not set", nil
	}

	webhookURL := strings.TrimRight(t.settings.WorkerURL, "/") + webhookSuffix

	if err := t.api.SetWebhook(ctx, webhookURL, t.settings.WebhookSecret); err != nil {
		return "[FAIL] setWebhook failed: " + err.Error(), nil
	}
	lines := []string{"[PASS] Webhook registered with Telegram"}

	if info, err := t.api.GetWebhookInfo(ctx); err != nil {
		lines = append(lines, "[WARN] Could not verify: "+err.Error())
	} else if info.URL == webhookURL {
		lines = append(lines, "[PASS] Verified: "+info.URL)
	} else {
		lines = append(lines, fmt.Sprintf("[WARN] URL mismatch: expected %s, got %s", webhookURL, info.URL))
	}

	err := t.config.Update(func(doc map[string]any) error {
		if err := jsonstore.SetPath(doc, webhookURLPath, webhookURL); err != nil {
			return err
		}
		return jsonstore.SetPath(doc, webhookSecPath, t.settings.WebhookSecret)
	})
	if err != nil {
		lines = append(lines, "[WARN] Could not update config: "+err.Error())
	} else {
		lines = append(lines, "[PASS] Config updated with webhook settings")
	}

	lines = append(lines, "", "Webhook mode enabled. Restart gateway to apply.")
	return strings.Join(lines, "\n"), nil
}

func (t *TelegramTools) webhookOff(ctx context.Context, _ string) (string, error) {
	if t.settings.BotToken == "" {
		return "[FAIL] TELEGRAM_BOT_TOKEN is not set", nil
	}

	if err := t.api.DeleteWebhook(ctx); err != nil {
		return "[FAIL] deleteWebhook failed: " + err.Error(), nil
	}
	lines := []string{"[PASS] Webhook deleted from Telegram"}

	if info, err := t.api.GetWebhookInfo(ctx); err != nil {
		lines = append(lines, "[WARN] Could not verify: "+err.Error())
	} else if info.URL == "" {
		lines = append(lines, "[PASS] Verified: no webhook set")
	} else {
		lines = append(lines, "[WARN] Webhook still active: "+info.URL)
	}

	removed := false
	err := t.config.Update(func(doc map[string]any) error {
		if _, ok := jsonstore.GetPath(doc, "channels.telegram"); !ok {
			return nil
		}
		jsonstore.UnsetPath(doc, webhookURLPath)
		jsonstore.UnsetPath(doc, webhookSecPath)
		removed = true
		return nil
	})
	if err != nil {
		lines = append(lines, "[WARN] Could not update config: "+err.Error())
	} else if removed {
		lines = append(lines, "[PASS] Webhook fields removed from config")
	}

	lines = append(lines, "", "Webhook mode disabled. Will revert to polling on next restart.")
	return strings.Join(lines, "\n"), nil
}

func (t *TelegramTools) webhookVerify(ctx context.Context, _ string) (string, error) {
	if t.settings.BotToken == "" {
		return "[FAIL] TELEGRAM_BOT_TOKEN is not set", nil
	}
	info, err := t.api.GetWebhookInfo(ctx)
	if err != nil {
		return "[FAIL] getWebhookInfo failed: " + err.Error(), nil
	}

	url := info.URL
	if url == "" {
		url = "(none)"
	}
	maxConn := "default"
	if info.MaxConnections > 0 {
		maxConn = fmt.Sprint(info.MaxConnections)
	}
	allowed := strings.Join(info.AllowedUpdates, ", ")
	if allowed == "" {
		allowed = "(all)"
	}

	lines := []string{
		"URL: " + url,
		fmt.Sprintf("Has custom certificate: %v", info.HasCustomCertificate),
		fmt.Sprintf("Pending updates: %d", info.PendingUpdateCount),
		"Max connections: " + maxConn,
		"Allowed updates: " + allowed,
	}
	if info.IPAddress != "" {
		lines = append(lines, "IP address: "+info.IPAddress)
	}
	if info.LastErrorDate != 0 {
		lines = append(lines, fmt.Sprintf("Last error (%s): %s", unixISO(info.LastErrorDate), info.LastErrorMessage))
	}
	if info.LastSynchronizationErrorDate != 0 {
		lines = append(lines, fmt.Sprintf("Last sync error (%s)", unixISO(info.LastSynchronizationErrorDate)))
	}
	return strings.Join(lines, "\n"), nil
}

// ---------- pairing ----------

func (t *TelegramTools) pairList(ctx context.Context, _ string) (string, error) {
	active, err := t.pairing.Pending()
	if err != nil {
		return "", err
	}
	if len(active) == 0 {
		return "No pending pairing requests.", nil
	}

	now := t.now()
	lines := []string{fmt.Sprintf("Pending pairing requests (%d):", len(active)), ""}
	for _, req := range active {
		created := req.Created()
		ageMin := int(math.Round(now.Sub(created).Minutes()))
		lines = append(lines,
			"  Code: "+req.Code,
			"  User: "+req.DisplayName(),
			fmt.Sprintf("  Created: %dm ago (%s)", ageMin, created.UTC().Format(isoMillis)),
			"  Last seen: "+isoOrRaw(req.LastSeen(), req.LastSeenAt),
			"",
		)
	}
	lines = append(lines, "Use /telegram pair approve <code> to approve.")
	return strings.Join(lines, "\n"), nil
}

func (t *TelegramTools) pairApprove(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "[FAIL] Usage: /telegram pair approve <code>", nil
	}

	req, err := t.pairing.Approve(code)
	if errors.Is(err, pairing.ErrNoPendingRequest) {
		return fmt.Sprintf("[FAIL] No pending request with code %q. Use /telegram pair to list requests.", code), nil
	}
	if err != nil {
		return "", err
	}

	lines := []string{
		"[PASS] Approved user " + req.DisplayName(),
		"[PASS] Added to allowFrom list",
	}
	if t.api.HasToken() {
		if err := t.api.Notify(ctx, req.ID, approvedMessage); err != nil {
			lines = append(lines, "[WARN] Could not notify user: "+err.Error())
		} else {
			lines = append(lines, "[PASS] Sent approval notification to user")
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ---------- group allowlist ----------

func validGroupID(id string) bool {
	return id == "*" || discipline.ValidateConversationID(id) == nil
}

func (t *TelegramTools) groupList(ctx context.Context, _ string) (string, error) {
	doc, err := t.config.Load()
	if err != nil {
		return "", err
	}
	raw, _ := jsonstore.GetPath(doc, groupsPath)
	groups, _ := raw.(map[string]any)
	if len(groups) == 0 {
		return "No group allowlist configured.", nil
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := []string{fmt.Sprintf("Allowed groups (%d):", len(ids))}
	for _, id := range ids {
		senders := "any"
		if entry, ok := groups[id].(map[string]any); ok {
			if v, ok := entry["allowFrom"]; ok {
				senders = strings.Join(jsonstore.StringSlice(v), ", ")
				if senders == "" {
					senders = "(none)"
				}
			}
		}
		lines = append(lines, fmt.Sprintf("  %s  allowFrom: %s", id, senders))
	}
	return strings.Join(lines, "\n"), nil
}

func (t *TelegramTools) groupAdd(ctx context.Context, rest string) (string, error) {
	id := strings.TrimSpace(rest)
	if id == "" {
		return "[FAIL] Usage: /telegram group add <id>", nil
	}
	if !validGroupID(id) {
		return "[FAIL] Invalid group id: " + id, nil
	}

	added := false
	err := t.config.Update(func(doc map[string]any) error {
		path := groupsPath + "." + id
		if _, ok := jsonstore.GetPath(doc, path); ok {
			return nil
		}
		added = true
		return jsonstore.SetPath(doc, path, map[string]any{})
	})
	if err != nil {
		return "[FAIL] Could not update config: " + err.Error(), nil
	}
	if !added {
		return fmt.Sprintf("[WARN] Group %s is already allowed", id), nil
	}
	log.Printf("[Extensions] action=group_add chat_id=%s", id)
	return fmt.Sprintf("[PASS] Group %s added to allowlist", id), nil
}

func (t *TelegramTools) groupRemove(ctx context.Context, rest string) (string, error) {
	id := strings.TrimSpace(rest)
	if id == "" {
		return "[FAIL] Usage: /telegram group remove <id>", nil
	}

	removed := false
	err := t.config.Update(func(doc map[string]any) error {
		path := groupsPath + "." + id
		if _, ok := jsonstore.GetPath(doc, path); !ok {
			return nil
		}
		removed = true
		jsonstore.UnsetPath(doc, path)
		return nil
	})
	if err != nil {
		return "[FAIL] Could not update config: " + err.Error(), nil
	}
	if !removed {
		return fmt.Sprintf("[WARN] Group %s is not in the allowlist", id), nil
	}
	log.Printf("[Extensions] action=group_remove chat_id=%s", id)
	return fmt.Sprintf("[PASS] Group %s removed from allowlist", id), nil
}

// groupAllow re-admits a sender to a group's allowFrom list. This is the
// command printed in discipline notifications.
func (t *TelegramTools) groupAllow(ctx context.Context, rest string) (string, error) {
	args := strings.Fields(rest)
	if len(args) != 2 {
		return "[FAIL] Usage: /telegram group allow <id> <senderId>", nil
	}
	id, sender := args[0], args[1]
	if !validGroupID(id) {
		return "[FAIL] Invalid group id: " + id, nil
	}

	added := false
	err := t.config.Update(func(doc map[string]any) error {
		path := groupsPath + "." + id
		entry, _ := jsonstore.GetPath(doc, path)
		obj, ok := entry.(map[string]any)
		if !ok {
			obj = map[string]any{}
		}
		current := jsonstore.StringSlice(obj["allowFrom"])
		for _, s := range current {
			if s == sender {
				return nil
			}
		}
		added = true
		obj["allowFrom"] = append(current, sender)
		return jsonstore.SetPath(doc, path, obj)
	})
	if err != nil {
		return "[FAIL] Could not update config: " + err.Error(), nil
	}
	if !added {
		return fmt.Sprintf("[WARN] %s is already in allowFrom for group %s", sender, id), nil
	}
	log.Printf("[Extensions] action=group_allow chat_id=%s sender_id=%s", id, sender)
	return fmt.Sprintf("[PASS] Added %s to allowFrom for group %s\n\nRestart gateway to apply.", sender, id), nil
}

// ---------- discipline ----------

func (t *TelegramTools) disciplineEnable(ctx context.Context, chatID, rest string) (string, error) {
	if err := discipline.ValidateConversationID(chatID); err != nil {
		return fmt.Sprintf("[FAIL] Invalid group id: %s\n\nUsage: %s", chatID, t.verbs["discipline"].usage), nil
	}
	threshold, err := discipline.ParseThreshold(rest)
	if err != nil {
		return "[FAIL] Threshold must be a positive integer: " + strings.TrimSpace(rest), nil
	}
	if err := t.discipline.Enable(chatID, threshold); err != nil {
		return "[FAIL] Could not save discipline config: " + err.Error(), nil
	}
	return fmt.Sprintf("[PASS] Discipline enabled for group %s (threshold: %d)", chatID, threshold), nil
}

func (t *TelegramTools) disciplineShow(ctx context.Context, rest string) (string, error) {
	chatID := strings.TrimSpace(rest)
	if chatID != "" {
		st, ok, err := t.discipline.Status(chatID)
		if errors.Is(err, discipline.ErrInvalidConversationID) {
			return "[FAIL] Invalid group id: " + chatID, nil
		}
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("No discipline configured for group %s.", chatID), nil
		}
		return strings.Join(formatDiscipline(st), "\n"), nil
	}

	all, err := t.discipline.List()
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No groups under discipline.", nil
	}
	lines := []string{fmt.Sprintf("Discipline groups (%d):", len(all)), ""}
	for _, st := range all {
		lines = append(lines, formatDiscipline(st)...)
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n"), nil
}

func (t *TelegramTools) disciplineOff(ctx context.Context, rest string) (string, error) {
	chatID := strings.TrimSpace(rest)
	if chatID == "" {
		return "[FAIL] Usage: /telegram discipline off <id>", nil
	}
	existed, err := t.discipline.Disable(chatID)
	if errors.Is(err, discipline.ErrInvalidConversationID) {
		return "[FAIL] Invalid group id: " + chatID, nil
	}
	if err != nil {
		return "[FAIL] Could not save discipline config: " + err.Error(), nil
	}
	if !existed {
		return fmt.Sprintf("[WARN] Discipline was not enabled for group %s", chatID), nil
	}
	return fmt.Sprintf("[PASS] Discipline disabled for group %s", chatID), nil
}

func formatDiscipline(st discipline.GroupStatus) []string {
	lines := []string{
		"Group " + st.ChatID + ":",
		fmt.Sprintf("  Enabled: %v", st.Config.Enabled),
		fmt.Sprintf("  Threshold: %d", st.Config.Threshold),
		fmt.Sprintf("  Consecutive bot messages: %d", st.Count),
		"  Triggered: " + yesNo(st.Triggered),
	}
	if !st.LastTrigger.IsZero() {
		lines = append(lines, "  Last trigger: "+st.LastTrigger.UTC().Format(isoMillis))
	}
	return lines
}

// ---------- helpers ----------

func getString(doc map[string]any, path string) (string, bool) {
	v, ok := jsonstore.GetPath(doc, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func unixISO(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(isoMillis)
}

func isoOrRaw(t time.Time, raw string) string {
	if t.IsZero() {
		return raw
	}
	return t.UTC().Format(isoMillis)
}
