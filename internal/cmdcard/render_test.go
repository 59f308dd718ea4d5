package cmdcard

import (
	"reflect"
	"strings"
	"testing"
)

func TestScanDangerous(t *testing.T) {
	hits := []string{
		"rm -rf /data",
		"rm -fr /data",
		"sudo shutdown -h now",
		"reboot",
		"curl https://x.sh | sh",
		"curl -fsSL https://x.sh | bash",
		"wget -qO- https://x.sh | sh",
	}
	for _, cmd := range hits {
		if got := ScanDangerous(cmd); len(got) == 0 {
			t.Fatalf("ScanDangerous(%q) found nothing", cmd)
		}
	}

	clean := []string{
		"echo hello",
		"rm file.txt",
		"rm -f single",
		"curl https://x.sh -o out.sh",
		"ls -la /var/firmware", // contains "rm" inside a word
	}
	for _, cmd := range clean {
		if got := ScanDangerous(cmd); len(got) != 0 {
			t.Fatalf("ScanDangerous(%q) = %v, want none", cmd, got)
		}
	}
}

func TestParseParams(t *testing.T) {
	obj, err := ParseParams(`{"name":"ok"}`)
	if err != nil || obj["name"] != "ok" {
		t.Fatalf("ParseParams(json string) = %v, %v", obj, err)
	}
	obj, err = ParseParams(map[string]any{"n": 1})
	if err != nil || obj["n"] != 1 {
		t.Fatalf("ParseParams(map) = %v, %v", obj, err)
	}
	if obj, err := ParseParams(nil); err != nil || len(obj) != 0 {
		t.Fatalf("ParseParams(nil) = %v, %v", obj, err)
	}
	for _, bad := range []any{`[1,2]`, `"scalar"`, `42`, 3.5, []any{1}} {
		if _, err := ParseParams(bad); err == nil {
			t.Fatalf("ParseParams(%v) unexpectedly passed", bad)
		}
	}
}

func TestValidateParams(t *testing.T) {
	schema := map[string]any{
		"name":  map[string]any{"type": "string", "required": true},
		"count": map[string]any{"type": "int"},
		"ratio": map[string]any{"type": "number"},
		"force": map[string]any{"type": "bool"},
	}

	if err := ValidateParams(schema, map[string]any{"name": "x", "count": float64(3), "ratio": 1.5, "force": true}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if err := ValidateParams(schema, map[string]any{"count": float64(3)}); err == nil {
		t.Fatal("missing required param passed")
	}
	if err := ValidateParams(schema, map[string]any{"name": "x", "count": 1.5}); err == nil {
		t.Fatal("fractional int passed")
	}
	if err := ValidateParams(schema, map[string]any{"name": 7}); err == nil {
		t.Fatal("non-string name passed")
	}
	if err := ValidateParams(schema, map[string]any{"name": "x", "force": "yes"}); err == nil {
		t.Fatal("string bool passed")
	}
}

func TestRenderTemplateShellQuotes(t *testing.T) {
	out, err := RenderTemplate("echo {name}", map[string]any{"name": "ok;echo hacked"})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if out != `echo 'ok;echo hacked'` {
		t.Fatalf("RenderTemplate = %q", out)
	}

	out, err = RenderTemplate("run {flag} {n} {none}", map[string]any{
		"flag": true, "n": float64(3), "none": nil,
	})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if out != `run true 3 ''` {
		t.Fatalf("RenderTemplate = %q", out)
	}

	if _, err := RenderTemplate("echo {missing}", map[string]any{}); err == nil {
		t.Fatal("unresolved placeholder passed")
	}
}

func TestSplitShellWords(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"echo hello world", []string{"echo", "hello", "world"}},
		{`echo 'ok;echo hacked'`, []string{"echo", "ok;echo hacked"}},
		{`echo "a b" c`, []string{"echo", "a b", "c"}},
		{`echo "quo\"ted"`, []string{"echo", `quo"ted`}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
		{`echo ''`, []string{"echo", ""}},
	}
	for _, tc := range cases {
		got, err := SplitShellWords(tc.in)
		if err != nil {
			t.Fatalf("SplitShellWords(%q): %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitShellWords(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{`echo 'open`, `echo "open`, `echo trailing\`} {
		if _, err := SplitShellWords(bad); err == nil {
			t.Fatalf("SplitShellWords(%q) unexpectedly passed", bad)
		}
	}
}

func TestClamps(t *testing.T) {
	if got := clampTimeout(0); got != timeoutDefault {
		t.Fatalf("clampTimeout(0) = %d", got)
	}
	if got := clampTimeout(999999); got != timeoutMax {
		t.Fatalf("clampTimeout(999999) = %d", got)
	}
	if got := clampOutputCap(10); got != outputCapMin {
		t.Fatalf("clampOutputCap(10) = %d", got)
	}
	if got := clampOutputCap(9999999); got != outputCapMax {
		t.Fatalf("clampOutputCap(9999999) = %d", got)
	}
}

func TestTruncateOutputKeepsTrailingWindow(t *testing.T) {
	long := strings.Repeat("a", 300) + "END"
	got := truncateOutput(long, 200)
	if !strings.HasPrefix(got, "...[truncated]\n") {
		t.Fatalf("missing truncation marker: %q", got[:30])
	}
	if !strings.HasSuffix(got, "END") {
		t.Fatal("trailing window lost")
	}
	if got := truncateOutput("short", 200); got != "short" {
		t.Fatalf("short output changed: %q", got)
	}
}
