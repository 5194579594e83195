package repository

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "harrier-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	testRepositoryContract(t, repo)
}

func TestSQLiteInMemoryRepository(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	testRepositoryContract(t, repo)
}

func TestMemoryRepository(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	testRepositoryContract(t, repo)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "cassandra"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func testRepositoryContract(t *testing.T, repo domain.Repository) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "rules:does-not-exist")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		version, err := repo.Put(ctx, "rules:r1", []byte(`{"id":"r1"}`), domain.NewRecord)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if version != 1 {
			t.Errorf("expected version 1, got %d", version)
		}

		rec, err := repo.Get(ctx, "rules:r1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(rec.Value) != `{"id":"r1"}` {
			t.Errorf("unexpected value %s", rec.Value)
		}
		if rec.Version != 1 {
			t.Errorf("expected version 1, got %d", rec.Version)
		}
	})

	t.Run("CreateExistingConflicts", func(t *testing.T) {
		_, err := repo.Put(ctx, "rules:r1", []byte(`{}`), domain.NewRecord)
		if !errors.Is(err, domain.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification, got %v", err)
		}
	})

	t.Run("VersionedUpdate", func(t *testing.T) {
		version, err := repo.Put(ctx, "rules:r1", []byte(`{"id":"r1","v":2}`), 1)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if version != 2 {
			t.Errorf("expected version 2, got %d", version)
		}

		// Stale writer loses.
		_, err = repo.Put(ctx, "rules:r1", []byte(`{"stale":true}`), 1)
		if !errors.Is(err, domain.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification, got %v", err)
		}

		rec, _ := repo.Get(ctx, "rules:r1")
		if string(rec.Value) != `{"id":"r1","v":2}` {
			t.Errorf("stale write leaked: %s", rec.Value)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		_, err := repo.Put(ctx, "rules:ghost", []byte(`{}`), 3)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UnconditionalPut", func(t *testing.T) {
		v1, err := repo.Put(ctx, "patterns:p1", []byte(`{"n":1}`), domain.AnyVersion)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		v2, err := repo.Put(ctx, "patterns:p1", []byte(`{"n":2}`), domain.AnyVersion)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if v2 != v1+1 {
			t.Errorf("expected version %d, got %d", v1+1, v2)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		for _, key := range []string{"usage:fp_a:00000000000000000002", "usage:fp_a:00000000000000000001", "usage:fp_b:00000000000000000003"} {
			if _, err := repo.Put(ctx, key, []byte(`{}`), domain.NewRecord); err != nil {
				t.Fatalf("Put %s failed: %v", key, err)
			}
		}

		records, err := repo.List(ctx, "usage:fp_a:")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		if records[0].Key != "usage:fp_a:00000000000000000001" {
			t.Errorf("expected key order, got %s first", records[0].Key)
		}
	})

	t.Run("ListTreatsWildcardsLiterally", func(t *testing.T) {
		if _, err := repo.Put(ctx, "usage:fpXa:00000000000000000009", []byte(`{}`), domain.NewRecord); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		records, err := repo.List(ctx, "usage:fp_a:")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, rec := range records {
			if rec.Key == "usage:fpXa:00000000000000000009" {
				t.Error("underscore in prefix matched as a wildcard")
			}
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, "rules:r1", 1); !errors.Is(err, domain.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification for stale delete, got %v", err)
		}
		if err := repo.Delete(ctx, "rules:r1", 2); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "rules:r1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, "rules:r1", domain.AnyVersion); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("ConcurrentCreateHasSingleWinner", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.Put(ctx, "reviews:a1", []byte(`{}`), domain.NewRecord); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("expected exactly 1 winner, got %d", wins.Load())
		}
	})
}

func TestFamily(t *testing.T) {
	tests := map[string]string{
		"fingerprints:payment:pf_1": "fingerprints",
		"usage:fp:1":                "usage",
		"bare":                      "bare",
	}
	for key, want := range tests {
		if got := family(key); got != want {
			t.Errorf("family(%q): expected %s, got %s", key, want, got)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	got := pg.rebind("SELECT * FROM kv_records WHERE record_key = ? AND version = ?")
	want := "SELECT * FROM kv_records WHERE record_key = $1 AND version = $2"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite query should be unchanged, got %q", q)
	}
}

func TestPostgresURL(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		got := postgresURL(domain.RepositoryConfig{})
		u, err := url.Parse(got)
		if err != nil {
			t.Fatalf("invalid url %q: %v", got, err)
		}
		if u.Host != "localhost:5432" || u.Path != "/harrier" {
			t.Errorf("unexpected host/path in %q", got)
		}
		if u.Query().Get("sslmode") != "disable" {
			t.Errorf("expected sslmode=disable, got %q", u.Query().Get("sslmode"))
		}
		if u.User != nil {
			t.Errorf("expected no credentials, got %v", u.User)
		}
	})

	t.Run("CredentialsAreEscaped", func(t *testing.T) {
		got := postgresURL(domain.RepositoryConfig{
			PostgresHost:     "db.internal",
			PostgresPort:     6432,
			PostgresUser:     "risk",
			PostgresPassword: "p@ss word",
			PostgresDB:       "fraud",
			PostgresSSLMode:  "require",
		})
		u, err := url.Parse(got)
		if err != nil {
			t.Fatalf("invalid url %q: %v", got, err)
		}
		if pw, _ := u.User.Password(); pw != "p@ss word" {
			t.Errorf("password did not round-trip, got %q", pw)
		}
		if u.Host != "db.internal:6432" || u.Path != "/fraud" {
			t.Errorf("unexpected host/path in %q", got)
		}
		if u.Query().Get("sslmode") != "require" {
			t.Errorf("expected sslmode=require in %q", got)
		}
	})
}

func TestSQLiteDSN(t *testing.T) {
	if got := sqliteDSN(inMemorySQLite); got != "file::memory:" {
		t.Errorf("unexpected in-memory dsn %q", got)
	}

	got := sqliteDSN("/var/lib/harrier/harrier.db")
	if !strings.HasPrefix(got, "file:/var/lib/harrier/harrier.db?") {
		t.Errorf("unexpected file dsn %q", got)
	}
	if !strings.Contains(got, "journal_mode(WAL)") {
		t.Errorf("expected WAL pragma in %q", got)
	}
}
