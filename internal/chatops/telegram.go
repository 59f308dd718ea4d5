// Package chatops runs the optional Telegram bridge: a long-poll bot that
// relays operator messages to the master terminal session, plus the watchdog
// loop that keeps idle agents nudged.
package chatops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/opsbus/internal/agentstatus"
	"github.com/marcus-qen/opsbus/internal/term"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Config controls the Telegram bridge.
type Config struct {
	BotToken string

	// ChatID authorizes one chat. Zero means unbound; the first /start
	// binds the sending chat.
	ChatID int64

	PollInterval    time.Duration
	LongPollTimeout time.Duration

	// APIBase overrides the Telegram endpoint (tests).
	APIBase    string
	HTTPClient *http.Client
}

// Bot polls Telegram updates and routes them to the terminal bridge.
type Bot struct {
	cfg    Config
	log    logr.Logger
	client *http.Client

	bridge   term.Bridge
	status   *agentstatus.Store
	watchdog *Watchdog

	mu     sync.Mutex
	chatID int64
	offset int64

	// onBind is called once when an unbound bot binds its first chat.
	onBind func(chatID int64)

	sendMessageFn func(context.Context, int64, string) error
}

// NewBot creates the Telegram bridge. status and watchdog may be nil.
func NewBot(cfg Config, bridge term.Bridge, status *agentstatus.Store, watchdog *Watchdog, log logr.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 25 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultTelegramAPI
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.LongPollTimeout + 10*time.Second}
	}

	b := &Bot{
		cfg:      cfg,
		log:      log.WithName("chatops-telegram"),
		client:   cfg.HTTPClient,
		bridge:   bridge,
		status:   status,
		watchdog: watchdog,
		chatID:   cfg.ChatID,
	}
	b.sendMessageFn = b.sendMessage
	return b, nil
}

// OnBind registers a callback fired when the first /start binds a chat.
func (b *Bot) OnBind(fn func(chatID int64)) { b.onBind = fn }

// BoundChatID reports the currently authorized chat (0 = unbound).
func (b *Bot) BoundChatID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatID
}

// Start runs the long-poll loop until context cancellation.
func (b *Bot) Start(ctx context.Context) error {
	b.log.Info("telegram bridge starting", "bound", b.BoundChatID() != 0)

	for {
		if err := b.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error(err, "telegram poll failed")
		}

		select {
		case <-ctx.Done():
			b.log.Info("telegram bridge stopping")
			return nil
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *Bot) pollOnce(ctx context.Context) error {
	values := url.Values{}
	values.Set("timeout", strconv.Itoa(int(b.cfg.LongPollTimeout.Seconds())))
	b.mu.Lock()
	if b.offset > 0 {
		values.Set("offset", strconv.FormatInt(b.offset, 10))
	}
	b.mu.Unlock()

	endpoint := b.telegramEndpoint("getUpdates") + "?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build getUpdates request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram getUpdates: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read getUpdates response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram getUpdates returned %d: %s", resp.StatusCode, string(body))
	}

	var payload telegramResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !payload.OK {
		return fmt.Errorf("telegram getUpdates api error: %s", payload.Description)
	}

	for _, upd := range payload.Result {
		b.mu.Lock()
		if upd.UpdateID >= b.offset {
			b.offset = upd.UpdateID + 1
		}
		b.mu.Unlock()
		if upd.Message == nil {
			continue
		}
		if err := b.handleIncomingMessage(ctx, *upd.Message); err != nil {
			b.log.Error(err, "failed handling telegram message", "chatID", upd.Message.Chat.ID)
		}
	}

	return nil
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg telegramMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if !b.authorize(msg.Chat.ID, text) {
		return b.sendMessageFn(ctx, msg.Chat.ID, "This chat is not authorized.")
	}

	var response string
	if strings.HasPrefix(text, "/") {
		response = b.processCommand(ctx, text)
	} else {
		response = b.forwardToMaster(ctx, text)
	}
	if response == "" {
		return nil
	}
	return b.sendMessageFn(ctx, msg.Chat.ID, response)
}

// authorize checks the chat against the bound id. An unbound bot binds the
// first chat that sends /start.
func (b *Bot) authorize(chatID int64, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chatID == chatID {
		return true
	}
	if b.chatID == 0 && strings.HasPrefix(text, "/start") {
		b.chatID = chatID
		b.log.Info("telegram chat bound", "chatID", chatID)
		if b.onBind != nil {
			go b.onBind(chatID)
		}
		return true
	}
	return false
}

func (b *Bot) processCommand(ctx context.Context, text string) string {
	cmd, _ := parseCommand(text)
	switch cmd {
	case "start", "help":
		return "opsbus bridge commands:\n" +
			"/id — show this chat id\n" +
			"/wake — discover and nudge the master session\n" +
			"/status — agent fleet summary\n" +
			"/watchdog — toggle the watchdog loop\n" +
			"Plain text is forwarded to the master session."
	case "id":
		return fmt.Sprintf("chat id: %d", b.BoundChatID())
	case "wake":
		return b.wakeCommand(ctx)
	case "status":
		return b.statusCommand(ctx)
	case "watchdog":
		return b.watchdogCommand()
	default:
		return "Unknown command. Use /help."
	}
}

// findMaster picks the master session: the first session whose agent id or
// name contains "master", else the first session.
func (b *Bot) findMaster(ctx context.Context) (*term.Session, error) {
	if b.bridge == nil {
		return nil, errors.New("terminal bridge unavailable")
	}
	sessions, err := b.bridge.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, errors.New("no sessions")
	}
	for i := range sessions {
		if isMasterSession(sessions[i]) {
			return &sessions[i], nil
		}
	}
	return &sessions[0], nil
}

func isMasterSession(s term.Session) bool {
	return strings.Contains(strings.ToLower(s.AgentID), "master") ||
		strings.Contains(strings.ToLower(s.AgentName), "master")
}

func (b *Bot) wakeCommand(ctx context.Context) string {
	master, err := b.findMaster(ctx)
	if err != nil {
		return "Wake failed: " + err.Error()
	}
	if _, err := b.bridge.SendInput(ctx, term.SendRequest{
		AgentID:     master.AgentID,
		Text:        "",
		AppendEnter: true,
	}); err != nil {
		return fmt.Sprintf("Found master %s but nudge failed: %v", master.AgentID, err)
	}
	return fmt.Sprintf("Master: %s (%s), nudged.", master.AgentID, master.SessionID)
}

func (b *Bot) statusCommand(ctx context.Context) string {
	if b.status == nil {
		return "Status unavailable: no store."
	}
	snaps, err := b.status.Query(ctx, "", "", 0)
	if err != nil {
		return "Status failed: " + err.Error()
	}
	sum := agentstatus.Summarize(snaps)

	lines := []string{
		fmt.Sprintf("Agents: %d total · %d healthy · %d unhealthy", sum.Total, sum.Healthy, sum.Unhealthy),
		fmt.Sprintf("running %d · idle %d · stuck %d · error %d · disconnected %d",
			sum.Running, sum.Idle, sum.Stuck, sum.Error, sum.Disconnected),
	}
	for _, snap := range snaps {
		if snap.Status == agentstatus.StatusRunning || snap.Status == agentstatus.StatusIdle {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (%ds stale)", snap.AgentID, snap.Status, snap.StagnantSec))
		if len(lines) >= 10 {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) watchdogCommand() string {
	if b.watchdog == nil {
		return "Watchdog is not configured."
	}
	enabled := b.watchdog.Toggle()
	sent, skipped := b.watchdog.Counters()
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return fmt.Sprintf("Watchdog %s. sent=%d skipped=%d", state, sent, skipped)
}

// forwardToMaster relays plain operator text to the master session and
// replies with the resulting output tail.
func (b *Bot) forwardToMaster(ctx context.Context, text string) string {
	master, err := b.findMaster(ctx)
	if err != nil {
		return "Forward failed: " + err.Error()
	}

	results, err := b.bridge.SendInput(ctx, term.SendRequest{
		AgentID:     master.AgentID,
		Text:        text,
		AppendEnter: true,
		WaitSec:     2,
		TailLines:   15,
	})
	if err != nil {
		return "Forward failed: " + err.Error()
	}

	for _, res := range results {
		if res.AgentID != master.AgentID {
			continue
		}
		if res.Error != "" {
			return fmt.Sprintf("Sent to %s but read failed: %s", master.AgentID, res.Error)
		}
		tail := agentstatus.NormalizeTail(res.Output)
		if len(tail) == 0 {
			return fmt.Sprintf("Sent to %s. No output yet.", master.AgentID)
		}
		return fmt.Sprintf("%s:\n%s", master.AgentID, strings.Join(tail, "\n"))
	}
	return fmt.Sprintf("Sent to %s.", master.AgentID)
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	raw, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.telegramEndpoint("sendMessage"), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read sendMessage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage returned %d: %s", resp.StatusCode, string(body))
	}

	var payloadResp telegramResponse
	if err := json.Unmarshal(body, &payloadResp); err != nil {
		return fmt.Errorf("decode sendMessage response: %w", err)
	}
	if !payloadResp.OK {
		return fmt.Errorf("telegram sendMessage api error: %s", payloadResp.Description)
	}
	return nil
}

func (b *Bot) telegramEndpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.cfg.APIBase, b.cfg.BotToken, method)
}

func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}
	cmd = strings.ToLower(cmd)
	if len(fields) == 1 {
		return cmd, nil
	}
	return cmd, fields[1:]
}

type telegramResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description,omitempty"`
	Result      []telegramUpdate `json:"result,omitempty"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message,omitempty"`
}

type telegramMessage struct {
	MessageID int64        `json:"message_id"`
	Text      string       `json:"text"`
	Chat      telegramChat `json:"chat"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}
