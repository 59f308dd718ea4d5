package chatops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/opsbus/internal/term"
)

type fakeBridge struct {
	mu       sync.Mutex
	sessions []term.Session
	listErr  error
	sendErr  error
	sends    []term.SendRequest
	output   []string
}

func (f *fakeBridge) ListSessions(ctx context.Context) ([]term.Session, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.sessions, nil
}

func (f *fakeBridge) ReadOutput(ctx context.Context, agentID string, tailLines int) ([]term.ReadResult, error) {
	return nil, nil
}

func (f *fakeBridge) SendInput(ctx context.Context, req term.SendRequest) ([]term.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return []term.SendResult{{AgentID: req.AgentID, Sent: true, Read: true, Output: f.output}}, nil
}

func (f *fakeBridge) ReadScreen(ctx context.Context, sessionID string, lines int) ([]string, error) {
	return nil, nil
}
func (f *fakeBridge) StartStreamer(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBridge) StopStreamer(ctx context.Context, sessionID string) error  { return nil }

func (f *fakeBridge) sentRequests() []term.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]term.SendRequest{}, f.sends...)
}

func newTestBot(t *testing.T, bridge *fakeBridge, wd *Watchdog, chatID int64) (*Bot, *[]string) {
	t.Helper()
	bot, err := NewBot(Config{BotToken: "test-token", ChatID: chatID}, bridge, nil, wd, logr.Discard())
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	replies := &[]string{}
	bot.sendMessageFn = func(ctx context.Context, chatID int64, text string) error {
		*replies = append(*replies, text)
		return nil
	}
	return bot, replies
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args int
	}{
		{"/start", "start", 0},
		{"/Status@opsbus_bot", "status", 0},
		{"/watchdog on", "watchdog", 1},
		{"  /id  ", "id", 0},
	}
	for _, tc := range cases {
		cmd, args := parseCommand(tc.in)
		if cmd != tc.cmd || len(args) != tc.args {
			t.Fatalf("parseCommand(%q) = %q/%d", tc.in, cmd, len(args))
		}
	}
}

func TestFirstStartBindsChat(t *testing.T) {
	bot, replies := newTestBot(t, &fakeBridge{}, nil, 0)

	bound := make(chan int64, 1)
	bot.OnBind(func(id int64) { bound <- id })

	msg := telegramMessage{Text: "/start", Chat: telegramChat{ID: 42}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if bot.BoundChatID() != 42 {
		t.Fatalf("bound chat = %d", bot.BoundChatID())
	}
	if id := <-bound; id != 42 {
		t.Fatalf("onBind chat = %d", id)
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "/watchdog") {
		t.Fatalf("replies = %v", *replies)
	}
}

func TestUnauthorizedChatIsRejected(t *testing.T) {
	bridge := &fakeBridge{sessions: []term.Session{{AgentID: "master-1"}}}
	bot, replies := newTestBot(t, bridge, nil, 42)

	msg := telegramMessage{Text: "do something", Chat: telegramChat{ID: 99}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "not authorized") {
		t.Fatalf("replies = %v", *replies)
	}
	if len(bridge.sentRequests()) != 0 {
		t.Fatal("unauthorized text reached the bridge")
	}
}

func TestStartDoesNotRebindWhenAlreadyBound(t *testing.T) {
	bot, replies := newTestBot(t, &fakeBridge{}, nil, 42)

	msg := telegramMessage{Text: "/start", Chat: telegramChat{ID: 99}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if bot.BoundChatID() != 42 {
		t.Fatalf("bound chat = %d", bot.BoundChatID())
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "not authorized") {
		t.Fatalf("replies = %v", *replies)
	}
}

func TestPlainTextForwardsToMaster(t *testing.T) {
	bridge := &fakeBridge{
		sessions: []term.Session{
			{AgentID: "worker-1", SessionID: "s1"},
			{AgentID: "master-1", AgentName: "Master", SessionID: "s2"},
		},
		output: []string{"", "deploy started", "ok  "},
	}
	bot, replies := newTestBot(t, bridge, nil, 42)

	msg := telegramMessage{Text: "deploy the release", Chat: telegramChat{ID: 42}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sends := bridge.sentRequests()
	if len(sends) != 1 {
		t.Fatalf("sends = %d", len(sends))
	}
	if sends[0].AgentID != "master-1" || sends[0].Text != "deploy the release" || !sends[0].AppendEnter {
		t.Fatalf("send = %+v", sends[0])
	}
	if len(*replies) != 1 {
		t.Fatalf("replies = %v", *replies)
	}
	reply := (*replies)[0]
	if !strings.Contains(reply, "master-1") || !strings.Contains(reply, "deploy started") {
		t.Fatalf("reply = %q", reply)
	}
	if strings.Contains(reply, "\n\n") {
		t.Fatalf("blank lines not trimmed: %q", reply)
	}
}

func TestForwardWithNoSessions(t *testing.T) {
	bot, replies := newTestBot(t, &fakeBridge{}, nil, 42)

	msg := telegramMessage{Text: "hello", Chat: telegramChat{ID: 42}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "no sessions") {
		t.Fatalf("replies = %v", *replies)
	}
}

func TestWakeFallsBackToFirstSession(t *testing.T) {
	bridge := &fakeBridge{sessions: []term.Session{
		{AgentID: "worker-1", SessionID: "s1"},
		{AgentID: "worker-2", SessionID: "s2"},
	}}
	bot, replies := newTestBot(t, bridge, nil, 42)

	msg := telegramMessage{Text: "/wake", Chat: telegramChat{ID: 42}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sends := bridge.sentRequests()
	if len(sends) != 1 || sends[0].AgentID != "worker-1" {
		t.Fatalf("sends = %+v", sends)
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "worker-1") {
		t.Fatalf("replies = %v", *replies)
	}
}

func TestWatchdogCommandToggles(t *testing.T) {
	wd := NewWatchdog(&fakeBridge{}, WatchdogConfig{}, logr.Discard())
	bot, replies := newTestBot(t, &fakeBridge{}, wd, 42)

	msg := telegramMessage{Text: "/watchdog", Chat: telegramChat{ID: 42}}
	if err := bot.handleIncomingMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !wd.Enabled() {
		t.Fatal("watchdog not enabled after toggle")
	}
	if len(*replies) != 1 || !strings.Contains((*replies)[0], "enabled") {
		t.Fatalf("replies = %v", *replies)
	}
}

func TestWatchdogIntervalFloor(t *testing.T) {
	wd := NewWatchdog(&fakeBridge{}, WatchdogConfig{Interval: 1}, logr.Discard())
	if wd.cfg.Interval != minWatchdogInterval {
		t.Fatalf("interval = %v", wd.cfg.Interval)
	}
}

func TestWatchdogTickSkipsMaster(t *testing.T) {
	bridge := &fakeBridge{sessions: []term.Session{
		{AgentID: "master-1"},
		{AgentID: "worker-1"},
		{AgentID: "worker-2"},
	}}
	wd := NewWatchdog(bridge, WatchdogConfig{Message: "wake up", Enabled: true}, logr.Discard())

	wd.tick(context.Background())

	sends := bridge.sentRequests()
	if len(sends) != 2 {
		t.Fatalf("sends = %d", len(sends))
	}
	for _, req := range sends {
		if req.AgentID == "master-1" {
			t.Fatal("master nudged despite include_master=false")
		}
		if req.Text != "wake up" {
			t.Fatalf("text = %q", req.Text)
		}
	}
	sent, skipped := wd.Counters()
	if sent != 2 || skipped != 1 {
		t.Fatalf("counters = %d/%d", sent, skipped)
	}
}

func TestWatchdogTickIncludesMaster(t *testing.T) {
	bridge := &fakeBridge{sessions: []term.Session{
		{AgentID: "master-1"},
		{AgentID: "worker-1"},
	}}
	wd := NewWatchdog(bridge, WatchdogConfig{IncludeMaster: true, Enabled: true}, logr.Discard())

	wd.tick(context.Background())

	if len(bridge.sentRequests()) != 2 {
		t.Fatalf("sends = %d", len(bridge.sentRequests()))
	}
	sent, skipped := wd.Counters()
	if sent != 2 || skipped != 0 {
		t.Fatalf("counters = %d/%d", sent, skipped)
	}
}

func TestWatchdogTickCountsSendFailures(t *testing.T) {
	bridge := &fakeBridge{
		sessions: []term.Session{{AgentID: "worker-1"}},
		sendErr:  errors.New("bridge down"),
	}
	wd := NewWatchdog(bridge, WatchdogConfig{Enabled: true}, logr.Discard())

	wd.tick(context.Background())

	sent, skipped := wd.Counters()
	if sent != 0 || skipped != 1 {
		t.Fatalf("counters = %d/%d", sent, skipped)
	}
}
