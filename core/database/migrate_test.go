package database

import (
	"testing"
	"testing/fstest"

	"github.com/m3rciful/botrunner/migrations"
)

func TestUpFilesSortedAndFiltered(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("select 1")},
		"000001_a.up.sql":   {Data: []byte("select 1")},
		"000001_a.down.sql": {Data: []byte("select 1")},
		"README.md":         {Data: []byte("docs")},
	}
	got := upFiles(files)
	if len(got) != 2 || got[0] != "000001_a.up.sql" || got[1] != "000002_b.up.sql" {
		t.Fatalf("unexpected files: %v", got)
	}
}

func TestCountBetween(t *testing.T) {
	files := []string{"000001_a.up.sql", "000002_b.up.sql", "000003_c.up.sql"}
	if n := countBetween(files, 1, 3); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if n := countBetween(files, 3, 3); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	names := upFiles(migrations.FS)
	if len(names) < 3 {
		t.Fatalf("expected embedded migrations, got %v", names)
	}
	for _, n := range names {
		if parseVersion(n) == 0 {
			t.Fatalf("migration %s has no numeric version", n)
		}
	}
}
