// Package activity keeps an append-only record of bulk run activity.
// Each line is one JSON-encoded entry; writes are serialized, so one log
// can be shared across concurrent runs.
package activity

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/isometry/ldap-bulkops/internal/engine"
)

// Entry is one activity line.
type Entry struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id"`
	Event   string    `json:"event"`
	Server  string    `json:"server,omitempty"`
	Subject int       `json:"subject,omitempty"`
	DN      string    `json:"dn,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Log serializes entries to one writer.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// New wraps an existing writer.
func New(w io.Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// Open appends to the file at path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log %s: %w", path, err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Record appends one entry. A zero time is filled in.
func (l *Log) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.now()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode activity entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("failed to write activity entry: %w", err)
	}
	return nil
}

// Recorder adapts the log to the engine's event callback. Write
// failures are swallowed; activity logging never fails a run.
func (l *Log) Recorder() engine.EventFunc {
	return func(ev engine.Event) {
		entry := Entry{
			RunID:   ev.RunID.String(),
			Event:   ev.Type.String(),
			Server:  ev.Server,
			Subject: ev.Subject,
			DN:      ev.DN,
		}
		if ev.Err != nil {
			entry.Detail = ev.Err.Error()
		}
		_ = l.Record(entry)
	}
}

// RecordSummary appends the final per-server counts of a run.
func (l *Log) RecordSummary(s *engine.Summary) error {
	for i := range s.Servers {
		o := &s.Servers[i]
		err := l.Record(Entry{
			RunID:  s.RunID.String(),
			Event:  "server_summary",
			Server: o.Server,
			Detail: fmt.Sprintf("succeeded=%d failed=%d skipped=%d aborted=%t", o.Succeeded, o.Failed, o.Skipped, o.Aborted),
		})
		if err != nil {
			return err
		}
	}
	return l.Record(Entry{
		RunID:  s.RunID.String(),
		Event:  "run_summary",
		Detail: fmt.Sprintf("state=%s mode=%s succeeded=%d failed=%d duration=%s",
			s.State, s.Mode, s.Succeeded(), s.Failed(), s.Duration().Round(time.Millisecond)),
	})
}

// Close releases the underlying file, when the log owns one.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
