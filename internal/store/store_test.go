package store

import (
	"path/filepath"
	"testing"
)

// backends under test; postgres is exercised only when a live DSN is
// available so the suite stays hermetic.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, _ := s.Get(TableCronJobs, "j1"); ok {
				t.Fatal("fresh store should be empty")
			}

			want := map[string]any{"name": "daily", "enabled": true, "jitter_sec": float64(5)}
			if err := s.Put(TableCronJobs, "j1", want); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, ok, err := s.Get(TableCronJobs, "j1")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got["name"] != "daily" || got["enabled"] != true {
				t.Errorf("got %v", got)
			}

			// Overwrite wins.
			want["name"] = "hourly"
			if err := s.Put(TableCronJobs, "j1", want); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _, _ = s.Get(TableCronJobs, "j1")
			if got["name"] != "hourly" {
				t.Errorf("overwrite not applied: %v", got)
			}

			if err := s.Delete(TableCronJobs, "j1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := s.Get(TableCronJobs, "j1"); ok {
				t.Error("delete did not remove entry")
			}
			// Idempotent delete.
			if err := s.Delete(TableCronJobs, "j1"); err != nil {
				t.Errorf("second delete: %v", err)
			}
		})
	}
}

func TestListSnapshot(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c"} {
				if err := s.Put(TableCronRuns, k, map[string]any{"id": k}); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			s.Put(TableCronJobs, "other", map[string]any{"id": "other"})

			entries, err := s.List(TableCronRuns)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("list returned %d entries, want 3", len(entries))
			}
			seen := map[string]bool{}
			for _, e := range entries {
				seen[e.Key] = true
				if e.Value["id"] != e.Key {
					t.Errorf("entry %s has value %v", e.Key, e.Value)
				}
			}
			if !seen["a"] || !seen["b"] || !seen["c"] {
				t.Errorf("missing keys: %v", seen)
			}
		})
	}
}

func TestSQLiteDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(TableHeartbeatConfig, "agent1", map[string]any{"enabled": true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, ok, err := s2.Get(TableHeartbeatConfig, "agent1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if got["enabled"] != true {
		t.Errorf("got %v", got)
	}
}

func TestFinalizeRun(t *testing.T) {
	s := NewMemory()
	if err := FinalizeRun(s, "run_1", "agent:lemon:main", "all good", 1234); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, ok, _ := s.Get(TableRunSummaries, "run_1")
	if !ok || got["summary"] != "all good" || got["finalized_at_ms"] != int64(1234) {
		t.Errorf("got %v ok=%v", got, ok)
	}
	if got["session_key"] != "agent:lemon:main" {
		t.Errorf("session_key = %v", got["session_key"])
	}
	if err := FinalizeRun(s, "", "k", "x", 1); err == nil {
		t.Error("empty run id should fail")
	}
}
