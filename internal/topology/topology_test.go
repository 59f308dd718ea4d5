package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func sampleArch() *Architecture {
	return &Architecture{
		Gateways: []Gateway{
			{ID: "gw-1", Agents: []Agent{{ID: "worker-1"}, {ID: "worker-2"}}},
		},
	}
}

func TestArchitectureValidate(t *testing.T) {
	if err := sampleArch().Validate(); err != nil {
		t.Fatalf("valid architecture rejected: %v", err)
	}

	cases := []struct {
		name string
		arch Architecture
	}{
		{"no gateways", Architecture{}},
		{"empty gateway id", Architecture{Gateways: []Gateway{{Agents: []Agent{{ID: "a"}}}}}},
		{"no agents", Architecture{Gateways: []Gateway{{ID: "gw"}}}},
		{"empty agent id", Architecture{Gateways: []Gateway{{ID: "gw", Agents: []Agent{{}}}}}},
	}
	for _, tc := range cases {
		if err := tc.arch.Validate(); err == nil {
			t.Fatalf("%s: unexpectedly passed", tc.name)
		}
	}
}

func TestArchHashStable(t *testing.T) {
	h1, err := ArchHash(sampleArch())
	if err != nil {
		t.Fatalf("ArchHash: %v", err)
	}
	h2, err := ArchHash(sampleArch())
	if err != nil {
		t.Fatalf("ArchHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("hash length %d, want 64", len(h1))
	}

	changed := sampleArch()
	changed.Gateways[0].Agents[0].ID = "worker-x"
	h3, _ := ArchHash(changed)
	if h3 == h1 {
		t.Fatal("different architectures share a hash")
	}
}

func TestNewIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if !IDPattern.MatchString(id) {
			t.Fatalf("id %q does not match %s", id, IDPattern.String())
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestIDPatternRejectsOtherShapes(t *testing.T) {
	for _, bad := range []string{"", "short", "ABCDEF0123456789", "0123456789abcdef0", "0123456789abcde!"} {
		if IDPattern.MatchString(bad) {
			t.Fatalf("id %q unexpectedly accepted", bad)
		}
	}
	if !IDPattern.MatchString("0123456789abcdef") {
		t.Fatal("canonical id rejected")
	}
}

func TestTopologyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")

	if arch, err := LoadTopologyFile(path); err != nil || arch != nil {
		t.Fatalf("missing file should load as nil, got %v, %v", arch, err)
	}

	want := sampleArch()
	if err := WriteTopologyFile(path, want, 0); err != nil {
		t.Fatalf("WriteTopologyFile: %v", err)
	}
	got, err := LoadTopologyFile(path)
	if err != nil {
		t.Fatalf("LoadTopologyFile: %v", err)
	}
	h1, _ := ArchHash(want)
	h2, _ := ArchHash(got)
	if h1 != h2 {
		t.Fatal("round-tripped topology hash changed")
	}
}

func TestBackupRotationKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")

	for i := 0; i < 5; i++ {
		arch := sampleArch()
		arch.Gateways[0].Agents[0].Name = fmt.Sprintf("rev-%d", i)
		if err := WriteTopologyFile(path, arch, 2); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	numbers, err := backupNumbers(path)
	if err != nil {
		t.Fatalf("backupNumbers: %v", err)
	}
	if len(numbers) != 2 {
		t.Fatalf("kept %d backups, want 2: %v", len(numbers), numbers)
	}
	// First write had nothing to back up, so four backups were taken and the
	// two newest survive.
	if numbers[0] != 3 || numbers[1] != 4 {
		t.Fatalf("kept wrong backups: %v", numbers)
	}
	for _, n := range []int{1, 2} {
		if _, err := os.Stat(fmt.Sprintf("%s.bak.%d", path, n)); !os.IsNotExist(err) {
			t.Fatalf("backup %d should have been pruned", n)
		}
	}
}
