// Package pollerlock guarantees a single ingest owner per (account, token)
// pair. Acquisition passes two gates: an in-process registry and an
// exclusive on-disk lock file whose payload identifies the holder. Locks
// left behind by dead processes are detected and stolen.
package pollerlock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned when another holder owns the lock. Callers must
// treat it as "not my turn": log and shut that transport down cleanly.
var ErrLocked = errors.New("poller lock held by another instance")

// DefaultStaleAfter is how long a lock file may go without a heartbeat
// touch before it is considered stale.
const DefaultStaleAfter = 5 * time.Minute

type regKey struct {
	account     string
	fingerprint string
}

// payload is written into the lock file for diagnostics and liveness checks.
type payload struct {
	OSPid      int    `json:"os_pid"`
	Host       string `json:"host"`
	InstanceID string `json:"instance_id"`
	TsMs       int64  `json:"ts_ms"`
}

// Manager hands out poller locks rooted in a single directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	instanceID string
	hostname   string

	mu   sync.Mutex
	held map[regKey]*Lock
}

// NewManager creates a lock manager. staleAfter <= 0 disables stale
// stealing; heartbeat touching is then unnecessary.
func NewManager(dir string, staleAfter time.Duration) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		dir:        dir,
		staleAfter: staleAfter,
		instanceID: uuid.NewString(),
		hostname:   host,
		held:       make(map[regKey]*Lock),
	}
}

// Fingerprint returns the hex sha256 of a secret token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Path returns the deterministic lock file path for an account/token pair.
func (m *Manager) Path(accountID, token string) string {
	fp := Fingerprint(token)
	return filepath.Join(m.dir, fmt.Sprintf("poller-%s-%s.lock", sanitize(accountID), fp[:16]))
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Acquire takes the lock for (accountID, token). Both gates must succeed;
// a stale on-disk lock is stolen. Returns ErrLocked when another live
// holder owns it.
func (m *Manager) Acquire(accountID, token string) (*Lock, error) {
	key := regKey{account: accountID, fingerprint: Fingerprint(token)}

	m.mu.Lock()
	if _, ok := m.held[key]; ok {
		m.mu.Unlock()
		return nil, ErrLocked
	}
	// Reserve in-process before touching disk so concurrent acquirers in
	// this process race on the registry, not the filesystem.
	placeholder := &Lock{mgr: m, key: key}
	m.held[key] = placeholder
	m.mu.Unlock()

	path := m.Path(accountID, token)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.unregister(key)
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	if err := m.createExclusive(path); err != nil {
		if !errors.Is(err, os.ErrExist) {
			m.unregister(key)
			return nil, err
		}
		if !m.isStale(path) {
			m.unregister(key)
			return nil, ErrLocked
		}
		slog.Info("pollerlock: stealing stale lock", "path", path, "account", accountID)
		_ = os.Remove(path)
		if err := m.createExclusive(path); err != nil {
			// Lost the steal race.
			m.unregister(key)
			if errors.Is(err, os.ErrExist) {
				return nil, ErrLocked
			}
			return nil, err
		}
	}

	placeholder.path = path
	return placeholder, nil
}

func (m *Manager) createExclusive(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, _ := json.Marshal(payload{
		OSPid:      os.Getpid(),
		Host:       m.hostname,
		InstanceID: m.instanceID,
		TsMs:       time.Now().UnixMilli(),
	})
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write lock payload: %w", err)
	}
	return nil
}

// isStale reports whether the lock file at path belongs to a dead holder.
func (m *Manager) isStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Missing or unreadable counts as stale: stealing will re-race on
		// the exclusive create.
		return true
	}
	if m.staleAfter > 0 && time.Since(info.ModTime()) > m.staleAfter {
		return true
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return true
	}
	if p.Host == m.hostname && !pidAlive(p.OSPid) {
		return true
	}
	return false
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (m *Manager) unregister(key regKey) {
	m.mu.Lock()
	delete(m.held, key)
	m.mu.Unlock()
}

// Lock is a held poller lock.
type Lock struct {
	mgr  *Manager
	key  regKey
	path string

	releaseOnce sync.Once
	hbCancel    context.CancelFunc
}

// Path returns the on-disk lock file location.
func (l *Lock) Path() string { return l.path }

// Touch refreshes the lock file mtime and payload timestamp. Required
// periodically when stale stealing is enabled.
func (l *Lock) Touch() error {
	data, _ := json.Marshal(payload{
		OSPid:      os.Getpid(),
		Host:       l.mgr.hostname,
		InstanceID: l.mgr.instanceID,
		TsMs:       time.Now().UnixMilli(),
	})
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("touch lock: %w", err)
	}
	return nil
}

// StartHeartbeat touches the lock every interval until ctx is done or the
// lock is released.
func (l *Lock) StartHeartbeat(ctx context.Context, interval time.Duration) {
	hbCtx, cancel := context.WithCancel(ctx)
	l.hbCancel = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := l.Touch(); err != nil {
					slog.Warn("pollerlock: heartbeat touch failed", "path", l.path, "error", err)
				}
			}
		}
	}()
}

// Release drops both gates. Idempotent; tolerates a lock file already gone.
func (l *Lock) Release() error {
	l.releaseOnce.Do(func() {
		if l.hbCancel != nil {
			l.hbCancel()
		}
		if l.path != "" {
			if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("pollerlock: release failed", "path", l.path, "error", err)
			}
		}
		l.mgr.unregister(l.key)
	})
	return nil
}
