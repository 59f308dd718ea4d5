package opsstore

import (
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	ok := []string{
		"a",
		"demo.high.v1",
		"A1_b-c:d.e",
		"0" + strings.Repeat("x", 127),
	}
	for _, key := range ok {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q) rejected: %v", key, err)
		}
	}

	bad := []string{
		"",
		"-leading-dash",
		".leading.dot",
		"has space",
		"has/slash",
		"0" + strings.Repeat("x", 128),
	}
	for _, key := range bad {
		if err := ValidateKey(key); err == nil {
			t.Fatalf("ValidateKey(%q) unexpectedly passed", key)
		}
	}
}

func TestNormalizeRisk(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "normal", true},
		{"low", "low", true},
		{" HIGH ", "high", true},
		{"critical", "critical", true},
		{"extreme", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeRisk(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("NormalizeRisk(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("NormalizeRisk(%q) unexpectedly passed", tc.in)
		}
	}
}

func TestMarshalJSONColumnNilForEmpty(t *testing.T) {
	for _, v := range []any{nil, map[string]any{}, []string{}} {
		got, err := marshalJSONColumn(v)
		if err != nil {
			t.Fatalf("marshalJSONColumn(%v): %v", v, err)
		}
		if got != nil {
			t.Fatalf("marshalJSONColumn(%v) = %v, want nil", v, got)
		}
	}

	got, err := marshalJSONColumn(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("marshalJSONColumn: %v", err)
	}
	if got != `{"a":1}` {
		t.Fatalf("marshalJSONColumn = %v", got)
	}
}
