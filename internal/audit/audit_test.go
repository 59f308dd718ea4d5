package audit

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestEscapeLike(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"50%", `50\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
		{`%_\`, `\%\_\\`},
	}
	for _, tc := range cases {
		if got := escapeLike(tc.in); got != tc.want {
			t.Fatalf("escapeLike(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 100},
		{-1, 100},
		{1, 1},
		{1000, 1000},
		{1000000000, 1000},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Fatalf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestBuildAuditQuery(t *testing.T) {
	q, args := buildAuditQuery(Filter{
		EventType: "command_card",
		Actor:     "master",
		Keyword:   "50%",
		Limit:     10,
	})
	if !strings.Contains(q, "event_type = $1") {
		t.Fatalf("missing event_type clause: %s", q)
	}
	if !strings.Contains(q, "ORDER BY id DESC") {
		t.Fatalf("missing newest-first order: %s", q)
	}
	if !strings.Contains(q, `ESCAPE '\'`) {
		t.Fatalf("keyword clause missing escape: %s", q)
	}
	// event_type, actor, keyword, limit
	if len(args) != 4 {
		t.Fatalf("got %d args, want 4: %v", len(args), args)
	}
	if args[2] != `%50\%%` {
		t.Fatalf("keyword arg not escaped: %v", args[2])
	}
	if args[3] != 10 {
		t.Fatalf("limit arg = %v, want 10", args[3])
	}
}

func TestBuildAuditQueryDefaults(t *testing.T) {
	q, args := buildAuditQuery(Filter{})
	if strings.Contains(q, "WHERE") {
		t.Fatalf("empty filter produced WHERE clause: %s", q)
	}
	if len(args) != 1 || args[0] != limitDefault {
		t.Fatalf("default limit args = %v", args)
	}
}

func TestBuildLogQueryPrefixes(t *testing.T) {
	q, args := buildLogQuery(LogFilter{
		LoggerPrefixes: []string{"llm", "orchestrator"},
		Limit:          50,
	})
	if !strings.Contains(q, "logger LIKE $1") || !strings.Contains(q, "logger LIKE $2") {
		t.Fatalf("missing prefix clauses: %s", q)
	}
	if args[0] != "llm%" || args[1] != "orchestrator%" {
		t.Fatalf("prefix args = %v", args[:2])
	}
}

func TestSinkExcludesWritePath(t *testing.T) {
	sink := NewSink([]string{"audit", "store"})
	defer sink.Close()

	hook := sink.Hook()
	entries := []zapcore.Entry{
		{LoggerName: "audit", Message: "recursed", Time: time.Now()},
		{LoggerName: "store.pool", Message: "recursed", Time: time.Now()},
		{LoggerName: "monitor", Message: "kept", Time: time.Now()},
	}
	for _, e := range entries {
		if err := hook(e); err != nil {
			t.Fatalf("hook returned error: %v", err)
		}
	}
	// Without an attached store the queue drains to nothing; only the
	// non-excluded entry should have been enqueued at all.
	if sink.excluded("audit.events") != true {
		t.Fatal("audit.events should be excluded")
	}
	if sink.excluded("monitor") {
		t.Fatal("monitor should not be excluded")
	}
}

func TestSinkQueueDoesNotBlockWhenFull(t *testing.T) {
	sink := &Sink{queue: make(chan LogEntry, 1), done: make(chan struct{})}
	hook := sink.Hook()
	// No drain goroutine running: second call must drop, not block.
	for i := 0; i < 3; i++ {
		if err := hook(zapcore.Entry{LoggerName: "x", Message: "m", Time: time.Now()}); err != nil {
			t.Fatalf("hook returned error: %v", err)
		}
	}
	if len(sink.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(sink.queue))
	}
}
