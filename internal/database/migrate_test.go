package database

import (
	"strings"
	"testing"
)

func TestMigrations_PairedUpAndDown(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %q", n)
		}
	}
	for v := range ups {
		if !downs[v] {
			t.Fatalf("missing down migration for %s", v)
		}
	}
	if len(ups) != len(downs) {
		t.Fatalf("up/down count mismatch")
	}
}

func TestMigrations_CreateEngineTables(t *testing.T) {
	var all strings.Builder
	names, _ := Migrations()
	for _, n := range names {
		if !strings.HasSuffix(n, ".up.sql") {
			continue
		}
		b, err := migrationsFS.ReadFile("migrations/" + n)
		if err != nil {
			t.Fatalf("read %s: %v", n, err)
		}
		all.Write(b)
	}
	for _, table := range []string{"call_records", "quality_metrics", "call_audit_events"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/n?sslmode=disable": "pgx5://u:p@db:5432/n?sslmode=disable",
		"postgresql://u@db/n":                      "pgx5://u@db/n",
		"pgx5://u@db/n":                            "pgx5://u@db/n",
	}
	for in, want := range cases {
		if got := MigrateURL(in); got != want {
			t.Fatalf("MigrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}
