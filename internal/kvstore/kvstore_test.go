package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// stores returns both implementations under test, keyed by name.
func stores(t *testing.T, quota int) map[string]Store {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "kv.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"bolt":   db.Bucket("sync", quota),
		"memory": NewMemory(quota),
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	for name, s := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Set(ctx, "a", map[string]int{"n": 1}); err != nil {
				t.Fatalf("Set: %v", err)
			}

			var got map[string]int

			ok, err := s.Get(ctx, "a", &got)
			if err != nil || !ok {
				t.Fatalf("Get: ok=%v err=%v", ok, err)
			}

			if got["n"] != 1 {
				t.Errorf("got %v", got)
			}

			ok, err = s.Get(ctx, "missing", &got)
			if err != nil {
				t.Fatalf("Get missing: %v", err)
			}

			if ok {
				t.Error("missing key reported present")
			}

			if err := s.Delete(ctx, "a", "missing"); err != nil {
				t.Fatalf("Delete: %v", err)
			}

			ok, _ = s.Get(ctx, "a", &got)
			if ok {
				t.Error("deleted key still present")
			}
		})
	}
}

func TestStore_QuotaEnforced(t *testing.T) {
	t.Parallel()

	const quota = 64

	for name, s := range stores(t, quota) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if got := s.QuotaBytesPerItem(); got != quota {
				t.Fatalf("QuotaBytesPerItem = %d, want %d", got, quota)
			}

			small := strings.Repeat("x", 10)
			if err := s.Set(ctx, "k", small); err != nil {
				t.Fatalf("Set small: %v", err)
			}

			big := strings.Repeat("x", quota)
			if err := s.Set(ctx, "k", big); !errors.Is(err, ErrItemTooLarge) {
				t.Errorf("Set big: err = %v, want ErrItemTooLarge", err)
			}

			// The oversized write must not clobber the previous value.
			var got string
			if ok, err := s.Get(ctx, "k", &got); err != nil || !ok || got != small {
				t.Errorf("previous value lost: ok=%v err=%v got=%q", ok, err, got)
			}
		})
	}
}

func TestStore_KeysPrefix(t *testing.T) {
	t.Parallel()

	for name, s := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, k := range []string{"snap:chunk-0", "snap:chunk-1", "snap:meta", "other"} {
				if err := s.Set(ctx, k, 1); err != nil {
					t.Fatalf("Set %q: %v", k, err)
				}
			}

			keys, err := s.Keys(ctx, "snap:")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}

			want := []string{"snap:chunk-0", "snap:chunk-1", "snap:meta"}
			if len(keys) != len(want) {
				t.Fatalf("keys = %v, want %v", keys, want)
			}

			for i := range want {
				if keys[i] != want[i] {
					t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
				}
			}
		})
	}
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := db.Bucket("sync", 0).Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	var got string

	ok, err := db2.Bucket("sync", 0).Get(ctx, "k", &got)
	if err != nil || !ok || got != "v" {
		t.Errorf("after reopen: ok=%v err=%v got=%q", ok, err, got)
	}
}
