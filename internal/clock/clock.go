// Package clock centralizes time access and ID minting so components can be
// driven by a fake clock in tests.
package clock

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Clock provides wall-clock and monotonic milliseconds.
type Clock interface {
	NowMs() int64
	NowMonoMs() int64
}

// System is the process-wide real clock.
type System struct {
	start time.Time
}

// NewSystem returns a real clock anchored at construction time.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// NowMs returns wall-clock UTC milliseconds.
func (s *System) NowMs() int64 {
	return time.Now().UnixMilli()
}

// NowMonoMs returns milliseconds on the monotonic clock since construction.
func (s *System) NowMonoMs() int64 {
	return int64(time.Since(s.start) / time.Millisecond)
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	WallMs int64
	MonoMs int64
}

func (f *Fake) NowMs() int64     { return f.WallMs }
func (f *Fake) NowMonoMs() int64 { return f.MonoMs }

// Advance moves both clocks forward by d.
func (f *Fake) Advance(d time.Duration) {
	ms := int64(d / time.Millisecond)
	f.WallMs += ms
	f.MonoMs += ms
}

// Entity kind prefixes for NewID.
const (
	KindCron     = "cron"
	KindRun      = "run"
	KindSession  = "sess"
	KindApproval = "approval"
	KindConn     = "conn"
	KindJob      = "job"
)

// NewID mints a collision-resistant id with a short type prefix, e.g.
// "run_cmf0a1b2c3d4e5f6g7h8". Run-scoped ids use xid so they sort by
// creation time; everything else gets a random UUID suffix.
func NewID(kind string) string {
	switch kind {
	case KindRun, KindCron:
		return kind + "_" + xid.New().String()
	default:
		return kind + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
}
