package cmdcard

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunProcessCapturesOutput(t *testing.T) {
	e := &Engine{}
	out, errText, code := e.runProcess(context.Background(), "echo high-ok", 5, 1000)
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, errText)
	}
	if out != "high-ok" {
		t.Fatalf("output = %q", out)
	}
}

func TestRunProcessShellQuotedArgsAreLiteral(t *testing.T) {
	e := &Engine{}
	out, _, code := e.runProcess(context.Background(), `echo 'ok;echo hacked'`, 5, 1000)
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if out != "ok;echo hacked" {
		t.Fatalf("output = %q, injection not contained", out)
	}
}

func TestRunProcessEmptyCommand(t *testing.T) {
	e := &Engine{}
	_, errText, code := e.runProcess(context.Background(), "   ", 5, 1000)
	if code != ExitInvalidCommand {
		t.Fatalf("exit code %d, want %d", code, ExitInvalidCommand)
	}
	if !strings.Contains(errText, "[invalid_command]") {
		t.Fatalf("error = %q", errText)
	}
}

func TestRunProcessMissingBinary(t *testing.T) {
	e := &Engine{}
	_, errText, code := e.runProcess(context.Background(), "definitely-not-a-real-binary-xyz", 5, 1000)
	if code != ExitNotFound {
		t.Fatalf("exit code %d, want %d", code, ExitNotFound)
	}
	if !strings.Contains(errText, "[not_found]") {
		t.Fatalf("error = %q", errText)
	}
}

func TestRunProcessTimeout(t *testing.T) {
	e := &Engine{}
	start := time.Now()
	_, errText, code := e.runProcess(context.Background(), "sleep 30", 1, 1000)
	if code != ExitTimeout {
		t.Fatalf("exit code %d, want %d", code, ExitTimeout)
	}
	if !strings.Contains(errText, "[timeout] command exceeded 1s") {
		t.Fatalf("error = %q", errText)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not cancel the process promptly")
	}
}

func TestRunProcessNonZeroExit(t *testing.T) {
	e := &Engine{}
	_, _, code := e.runProcess(context.Background(), "false", 5, 1000)
	if code == 0 {
		t.Fatal("false reported exit 0")
	}
}

func TestExecutionMode(t *testing.T) {
	direct := &Run{RequiresReview: false}
	if direct.ExecutionMode() != "direct" {
		t.Fatalf("mode = %q", direct.ExecutionMode())
	}
	reviewed := &Run{RequiresReview: true}
	if reviewed.ExecutionMode() != "reviewed" {
		t.Fatalf("mode = %q", reviewed.ExecutionMode())
	}
}
