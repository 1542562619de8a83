package ingest

import (
	"strings"
	"sync"
	"time"

	"github.com/lemonhq/lemongate/internal/bus"
)

// Batch is the flushed content of one debounce window: every buffered
// message in arrival order, joined with blank lines, correlated to the
// last message's id.
type Batch struct {
	Peer          bus.Peer
	Text          string
	CorrelationID string
	Messages      []bus.InboundMessage
}

// Debouncer buffers non-command messages per (peer, thread). Each new
// message restarts the quiet timer; the buffer flushes after a full
// debounce interval without arrivals.
type Debouncer struct {
	interval time.Duration
	flush    func(Batch)

	mu      sync.Mutex
	pending map[string]*window
	closed  bool
}

type window struct {
	peer  bus.Peer
	msgs  []bus.InboundMessage
	timer *time.Timer
}

// NewDebouncer creates a debouncer that calls flush once per quiet window.
func NewDebouncer(interval time.Duration, flush func(Batch)) *Debouncer {
	return &Debouncer{
		interval: interval,
		flush:    flush,
		pending:  make(map[string]*window),
	}
}

func windowKey(p bus.Peer) string { return p.ID + "\x00" + p.ThreadID }

// Add buffers msg and restarts its conversation's flush timer.
func (d *Debouncer) Add(msg bus.InboundMessage) {
	key := windowKey(msg.Peer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	w, ok := d.pending[key]
	if !ok {
		w = &window{peer: msg.Peer}
		d.pending[key] = w
	}
	w.msgs = append(w.msgs, msg)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d.interval, func() { d.fire(key) })
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	w, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok || len(w.msgs) == 0 {
		return
	}
	d.flush(makeBatch(w))
}

// Close cancels all timers and synchronously flushes whatever is buffered,
// so shutdown never silently drops user input.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	windows := make([]*window, 0, len(d.pending))
	for key, w := range d.pending {
		if w.timer != nil {
			w.timer.Stop()
		}
		windows = append(windows, w)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, w := range windows {
		if len(w.msgs) > 0 {
			d.flush(makeBatch(w))
		}
	}
}

func makeBatch(w *window) Batch {
	parts := make([]string, 0, len(w.msgs))
	for _, m := range w.msgs {
		parts = append(parts, m.Message.Text)
	}
	return Batch{
		Peer:          w.peer,
		Text:          strings.Join(parts, "\n\n"),
		CorrelationID: w.msgs[len(w.msgs)-1].Message.ID,
		Messages:      w.msgs,
	}
}
