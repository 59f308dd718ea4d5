package agentstatus

import (
	"fmt"
	"testing"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct{ in, want string }{
		{"running", StatusRunning},
		{" Running ", StatusRunning},
		{"IDLE", StatusIdle},
		{"weird", StatusUnknown},
		{"", StatusUnknown},
	}
	for _, tc := range cases {
		if got := NormalizeStatus(tc.in); got != tc.want {
			t.Fatalf("NormalizeStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeTailDropsBlanksAndCaps(t *testing.T) {
	lines := []string{"  ", "first  ", "", "\t", "second"}
	got := NormalizeTail(lines)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("NormalizeTail = %v", got)
	}

	long := make([]string, 80)
	for i := range long {
		long[i] = fmt.Sprintf("line-%d", i)
	}
	capped := NormalizeTail(long)
	if len(capped) != 50 {
		t.Fatalf("capped len = %d, want 50", len(capped))
	}
	if capped[0] != "line-30" || capped[49] != "line-79" {
		t.Fatalf("kept wrong window: %s .. %s", capped[0], capped[49])
	}
}

func TestSummarize(t *testing.T) {
	snaps := []Snapshot{
		{Status: StatusRunning},
		{Status: StatusRunning},
		{Status: StatusIdle},
		{Status: StatusStuck},
		{Status: StatusError},
		{Status: StatusDisconnected},
		{Status: StatusUnknown},
	}
	sum := Summarize(snaps)
	if sum.Total != 7 || sum.Healthy != 3 || sum.Unhealthy != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Running != 2 || sum.Idle != 1 || sum.Stuck != 1 || sum.Error != 1 || sum.Disconnected != 1 || sum.Unknown != 1 {
		t.Fatalf("per-status counts wrong: %+v", sum)
	}
}
