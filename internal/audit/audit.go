// Package audit implements C10, the append-only, correlation-ID ordered,
// calendar-day rotated compliance log. This is distinct from
// internal/applog, which is a diagnostic stream, not a compliance record.
// See spec.md §4.10.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/craexpense/receipt-processor/internal/applog"
)

// Event is one append-only audit record. See spec.md §3.
type Event struct {
	CorrelationID string            `json:"correlation_id"`
	State         string            `json:"state"`
	Message       string            `json:"message"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// sensitivePattern matches tokens that must never reach the audit log
// verbatim: long opaque alphanumeric strings typical of access/refresh
// tokens and API keys. Anything matching is redacted before the record is
// written. See spec.md §4.10.
var sensitivePattern = regexp.MustCompile(`\b[A-Za-z0-9_\-\.]{32,}\b`)

// Logger writes audit events to a calendar-day-rotated JSON-lines file.
// A single background goroutine drains the event channel so events are
// written in submission order per correlation ID without blocking
// producers, and so concurrent callers never interleave partial JSON lines.
type Logger struct {
	dir        string
	processID  string
	events     chan Event
	done       chan struct{}
	mu         sync.Mutex
	current    *os.File
	currentDay string
	logger     zerolog.Logger
}

// NewLogger starts a Logger writing to dir/YYYYMMDD.log. Call Close on
// shutdown to drain any buffered events.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &Logger{
		dir:       dir,
		processID: uuid.NewString(),
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Record enqueues an event for asynchronous, non-blocking persistence.
func (l *Logger) Record(evt Event) {
	select {
	case l.events <- evt:
	default:
		// the channel is full; drop rather than block the caller, and note
		// the drop in the diagnostic log (not the audit log itself, since
		// the audit log is the thing that's backed up).
		applog.Warn().Str("correlation_id", evt.CorrelationID).Str("state", evt.State).Msg("audit event dropped: buffer full")
	}
}

// Close stops accepting new events and waits for the writer goroutine to
// drain the channel and close the current file.
func (l *Logger) Close() error {
	close(l.events)
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return l.current.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for evt := range l.events {
		l.write(evt)
	}
}

func (l *Logger) write(evt Event) {
	sanitized := sanitize(evt)

	day := time.Now().UTC().Format("20060102")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil || day != l.currentDay {
		if l.current != nil {
			l.current.Close()
		}
		path := filepath.Join(l.dir, day+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		l.current = f
		l.currentDay = day
		l.logger = zerolog.New(f).With().Timestamp().Str("process_id", l.processID).Logger()
	}

	data, err := json.Marshal(sanitized)
	if err != nil {
		return
	}
	l.logger.Log().RawJSON("event", data).Send()
}

// zerologRecord is the shape written by Logger.write, unwrapped one level
// to reach the correlation_id field zerolog nests under "event".
type zerologRecord struct {
	Event Event `json:"event"`
}

// CompletedCorrelationIDs scans every YYYYMMDD.log file under dir and
// returns the set of correlation IDs that reached a DONE event. Used by
// the batch driver (C11) to make a resumed run idempotent: a file whose
// correlation ID already completed is skipped rather than reprocessed.
func CompletedCorrelationIDs(dir string) (map[string]bool, error) {
	done := make(map[string]bool)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return done, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("open audit file %s: %w", entry.Name(), err)
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var rec zerologRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				continue
			}
			if rec.Event.State == "DONE" {
				done[rec.Event.CorrelationID] = true
			}
		}
		f.Close()
	}

	return done, nil
}

// sanitize redacts any value that looks like a bearer token or secret.
func sanitize(evt Event) Event {
	evt.Message = sensitivePattern.ReplaceAllString(evt.Message, "[REDACTED]")
	if evt.Fields != nil {
		cleaned := make(map[string]string, len(evt.Fields))
		for k, v := range evt.Fields {
			cleaned[k] = sensitivePattern.ReplaceAllString(v, "[REDACTED]")
		}
		evt.Fields = cleaned
	}
	return evt
}
