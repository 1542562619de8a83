// Package store defines the namespaced key/value contract shared by all
// persistence backends, plus the sqlite (default), postgres (managed) and
// in-memory (test) implementations.
//
// Tables are logical namespaces; values are structured mappings. Get, Put
// and Delete are strongly consistent within a process. List returns a
// snapshot: concurrent mutation during iteration may or may not be
// reflected.
package store

import "fmt"

// Required tables.
const (
	TableSessions        = "sessions"
	TableCronJobs        = "cron_jobs"
	TableCronRuns        = "cron_runs"
	TableHeartbeatConfig = "heartbeat_config"
	TableHeartbeatLast   = "heartbeat_last"
	TableSessionTokens   = "session_tokens"
	TableRunSummaries    = "run_summaries"
	TableChannelOffsets  = "channel_offsets"
)

// Entry is one (key, value) pair from a List snapshot.
type Entry struct {
	Key   string
	Value map[string]any
}

// Store is the durable KV contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key in table, reporting presence.
	Get(table, key string) (map[string]any, bool, error)
	// Put upserts value under key. Last writer wins per key.
	Put(table, key string, value map[string]any) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(table, key string) error
	// List returns a snapshot of all entries in table.
	List(table string) ([]Entry, error)
	// Close releases backend resources.
	Close() error
}

// FinalizeRun records the terminal summary of a router run, keyed by run id
// and tagged with the owning session. The record is append-once: finalizing
// the same run twice overwrites with the newer summary.
func FinalizeRun(s Store, runID, sessionKey, summary string, tsMs int64) error {
	if runID == "" {
		return fmt.Errorf("finalize run: empty run id")
	}
	return s.Put(TableRunSummaries, runID, map[string]any{
		"run_id":          runID,
		"session_key":     sessionKey,
		"summary":         summary,
		"finalized_at_ms": tsMs,
	})
}
