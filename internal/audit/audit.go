// Package audit provides the append-only event sink every other component
// records into. Events are held in a bounded in-memory ring buffer for the
// admin diagnostics surface and simultaneously emitted as structured logs.
//
// Audit records are internal-only and best-effort: callers must never block
// a request or a dispatch on audit failure. Sensitive values (phone numbers,
// secrets) must be masked by the caller before insertion — helpers below.
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one immutable audit fact: a timestamp, an event name, and a flat
// set of key/value fields. Events are never updated or deleted.
type Event struct {
	Time   time.Time         `json:"time"`
	Name   string            `json:"event"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Trail is a fixed-capacity, append-only ring of recent audit events plus a
// zerolog sink. It is safe for concurrent use. The ring is process-local;
// durable audit goes through the logger's configured output.
type Trail struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	filled bool

	log   zerolog.Logger
	clock func() time.Time
}

// NewTrail constructs a Trail holding up to capacity recent events. Values
// <= 0 are coerced to 256.
func NewTrail(capacity int, log zerolog.Logger) *Trail {
	if capacity <= 0 {
		capacity = 256
	}
	return &Trail{
		buf:   make([]Event, capacity),
		log:   log,
		clock: time.Now,
	}
}

// Record appends an event. Fields are copied so callers may reuse their map.
func (t *Trail) Record(name string, fields map[string]string) {
	if t == nil {
		return
	}
	ev := Event{Time: t.clock().UTC(), Name: name}
	if len(fields) > 0 {
		ev.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			ev.Fields[k] = v
		}
	}

	t.mu.Lock()
	t.buf[t.next] = ev
	t.next++
	if t.next == len(t.buf) {
		t.next = 0
		t.filled = true
	}
	t.mu.Unlock()

	e := t.log.Info().Time("audit_time", ev.Time)
	for k, v := range ev.Fields {
		e = e.Str(k, v)
	}
	e.Str("event", name).Msg("audit")
}

// Recent returns up to n most recent events, newest last. n <= 0 returns all
// buffered events.
func (t *Trail) Recent(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	if t.filled {
		size = len(t.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	start := t.next - n
	if start < 0 {
		start += len(t.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, t.buf[(start+i)%len(t.buf)])
	}
	return out
}

// MaskNumber hides all but the last four digits of a phone number. Values
// with four digits or fewer collapse to "****".
func MaskNumber(num string) string {
	if num == "" {
		return num
	}
	digits := make([]byte, 0, len(num))
	for i := 0; i < len(num); i++ {
		if num[i] >= '0' && num[i] <= '9' {
			digits = append(digits, num[i])
		}
	}
	if len(digits) <= 4 {
		return "****"
	}
	masked := make([]byte, len(digits))
	for i := range masked {
		if i < len(digits)-4 {
			masked[i] = '*'
		} else {
			masked[i] = digits[i]
		}
	}
	return string(masked)
}
