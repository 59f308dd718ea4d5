package store

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func mapFS(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, n := range names {
		fsys[n] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}
	return fsys
}

func TestDiscoverMigrationsOrdersByVersion(t *testing.T) {
	fsys := mapFS("0002_second.sql", "0001_first.sql", "0003_third.sql")
	migrations, err := DiscoverMigrations(fsys)
	if err != nil {
		t.Fatalf("DiscoverMigrations: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("got %d migrations, want 3", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Fatalf("migration %d has version %d", i, m.Version)
		}
	}
	if migrations[0].Name != "first" || migrations[2].Name != "third" {
		t.Fatalf("unexpected names: %s, %s", migrations[0].Name, migrations[2].Name)
	}
}

func TestDiscoverMigrationsRejectsBadNames(t *testing.T) {
	cases := []struct {
		files []string
		want  string
	}{
		{[]string{"001_short.sql"}, "does not match"},
		{[]string{"0001_Bad-Name.sql"}, "does not match"},
		{[]string{"0001_a.sql", "0001_b.sql"}, "duplicate"},
		{[]string{"0001_a.sql", "0003_c.sql"}, "not contiguous"},
		{[]string{"0002_a.sql"}, "not contiguous"},
	}
	for _, tc := range cases {
		_, err := DiscoverMigrations(mapFS(tc.files...))
		if err == nil {
			t.Fatalf("DiscoverMigrations(%v) unexpectedly passed", tc.files)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("DiscoverMigrations(%v) error %q, want substring %q", tc.files, err, tc.want)
		}
	}
}

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	// The embedded set must itself satisfy the discovery rules.
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("sub fs: %v", err)
	}
	migrations, err := DiscoverMigrations(sub)
	if err != nil {
		t.Fatalf("embedded migrations invalid: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}
}
