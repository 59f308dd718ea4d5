package sharedfile

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"reports/daily.md", "reports/daily.md", true},
		{"/reports/daily.md/", "reports/daily.md", true},
		{`reports\daily.md`, "reports/daily.md", true},
		{"a//b///c", "a/b/c", true},
		{"./a/./b", "a/b", true},
		{"", "", false},
		{"///", "", false},
		{"..", "", false},
		{"a/../b", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizePath(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("NormalizePath(%q) failed: %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("NormalizePath(%q) unexpectedly passed: %q", tc.in, got)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike("dir_%"); got != `dir\_\%` {
		t.Fatalf("escapeLike = %q", got)
	}
}
