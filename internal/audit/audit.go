// Package audit records every mutating API action to an append-only log in
// Postgres. Writes are buffered and flushed by a background goroutine so
// the request path never blocks on the audit table.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cumulus/internal/auth"
)

// Entry represents a single audit log entry to be written.
type Entry struct {
	RequestID  string
	UserID     string
	ProjectID  string
	Action     string
	Resource   string
	ResourceID string
	Detail     json.RawMessage
	RemoteAddr string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing
// entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes audit entries and
// returns at once. Close waits for that goroutine to finish.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogAction extracts the caller from the request context and enqueues the
// entry.
func (w *Writer) LogAction(ctx context.Context, action, resource, resourceID string, detail json.RawMessage) {
	entry := Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
	}
	if rc := auth.FromContext(ctx); rc != nil {
		entry.RequestID = rc.RequestID
		entry.UserID = rc.UserID
		entry.ProjectID = rc.ProjectID
		entry.RemoteAddr = rc.RemoteAddr
	}
	w.Log(entry)
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever is buffered, then stop.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, e := range batch {
		detail := e.Detail
		if len(detail) == 0 {
			detail = json.RawMessage(`{}`)
		}
		_, err := w.pool.Exec(ctx, `
			INSERT INTO audit_log (request_id, user_id, project_id, action,
				resource, resource_id, detail, remote_addr)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.RequestID, e.UserID, e.ProjectID, e.Action,
			e.Resource, e.ResourceID, detail, e.RemoteAddr)
		if err != nil {
			w.logger.Error("writing audit entry",
				"action", e.Action, "resource", e.Resource, "error", err)
		}
	}
}
