package eyedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/argus-data/watchtower/internal/memory"
	"github.com/argus-data/watchtower/internal/monitoring"
)

// ObservationEntry is a pending observation_stream insert.
type ObservationEntry struct {
	Timestamp time.Time
	Content   string
	Target    string
}

// Writer is the batching persistence front. Event open and close pass
// straight through to the database; event updates and observations queue and
// flush in batched transactions, one statement per transaction. A full queue
// drops the incoming entry rather than blocking the perception path.
type Writer struct {
	db *DB

	BatchSize     int
	FlushInterval time.Duration
	StopChan      chan struct{}

	updateCh chan memory.EventUpdate
	obsCh    chan ObservationEntry
	done     chan struct{}

	// flushMu serializes flushes: the worker ticker and CloseEvent's
	// pre-flush run on different goroutines. The retry state below is
	// only touched under it.
	flushMu       sync.Mutex
	retryUpdates  []memory.EventUpdate
	updateRetried bool
}

// NewWriter builds a Writer over db. Call Start to begin flushing.
func NewWriter(db *DB, batchSize int, flushInterval time.Duration, queueCapacity int) *Writer {
	if batchSize < 1 {
		batchSize = 1
	}
	if queueCapacity < batchSize {
		queueCapacity = batchSize * 4
	}
	return &Writer{
		db:            db,
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		StopChan:      make(chan struct{}),
		updateCh:      make(chan memory.EventUpdate, queueCapacity),
		obsCh:         make(chan ObservationEntry, queueCapacity),
		done:          make(chan struct{}),
	}
}

// StartEvent implements memory.Store.
func (w *Writer) StartEvent(ctx context.Context, startTime time.Time, classes []string) (int64, error) {
	return w.db.InsertEventRow(ctx, startTime, classes)
}

// CloseEvent implements memory.Store. Pending updates for the event are
// flushed first so the final rollup wins.
func (w *Writer) CloseEvent(ctx context.Context, id int64, endTime time.Time, summary memory.EventSummary) error {
	w.flushMu.Lock()
	w.flushUpdates(w.drainUpdates())
	w.flushMu.Unlock()
	return w.db.FinalizeEventRow(ctx, id, endTime, summary)
}

// UpdateEvent implements memory.Store. Never blocks; when the queue is full
// the incoming update is discarded with a warning.
func (w *Writer) UpdateEvent(update memory.EventUpdate) {
	select {
	case w.updateCh <- update:
	default:
		monitoring.Logf("eyedb: update queue full, dropped update for event %d", update.ID)
	}
}

// InsertObservation queues one observation line. Never blocks; a full queue
// drops the incoming entry.
func (w *Writer) InsertObservation(entry ObservationEntry) {
	select {
	case w.obsCh <- entry:
	default:
		monitoring.Logf("eyedb: observation queue full, dropped entry")
	}
}

// Start runs the flush loop in a goroutine.
func (w *Writer) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.FlushOnce()
			case <-w.StopChan:
				w.FlushOnce()
				return
			}
		}
	}()
}

// Stop flushes remaining work and stops the loop.
func (w *Writer) Stop() {
	close(w.StopChan)
	<-w.done
}

// FlushOnce drains both queues and writes them in batched transactions.
func (w *Writer) FlushOnce() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.flushUpdates(w.drainUpdates())
	w.flushObservations(w.drainObservations())
}

func (w *Writer) drainUpdates() []memory.EventUpdate {
	batch := w.retryUpdates
	w.retryUpdates = nil
	for {
		select {
		case u := <-w.updateCh:
			batch = append(batch, u)
		default:
			return batch
		}
	}
}

func (w *Writer) drainObservations() []ObservationEntry {
	var batch []ObservationEntry
	for {
		select {
		case o := <-w.obsCh:
			batch = append(batch, o)
		default:
			return batch
		}
	}
}

// flushUpdates collapses queued updates to the newest per event and writes
// them in one transaction per BatchSize chunk. A failed chunk is retained
// for exactly one retry, then dropped.
func (w *Writer) flushUpdates(batch []memory.EventUpdate) {
	if len(batch) == 0 {
		return
	}

	// Later updates supersede earlier ones for the same event.
	newest := make(map[int64]memory.EventUpdate, len(batch))
	var order []int64
	for _, u := range batch {
		if _, seen := newest[u.ID]; !seen {
			order = append(order, u.ID)
		}
		newest[u.ID] = u
	}

	for start := 0; start < len(order); start += w.BatchSize {
		end := start + w.BatchSize
		if end > len(order) {
			end = len(order)
		}
		chunk := make([]memory.EventUpdate, 0, end-start)
		for _, id := range order[start:end] {
			chunk = append(chunk, newest[id])
		}
		if err := w.writeUpdateChunk(chunk); err != nil {
			if w.updateRetried {
				monitoring.Logf("eyedb: update flush failed twice, dropping %d updates: %v", len(chunk), err)
				w.updateRetried = false
				continue
			}
			monitoring.Logf("eyedb: update flush failed, will retry: %v", err)
			w.retryUpdates = append(w.retryUpdates, chunk...)
			w.updateRetried = true
			return
		}
		w.updateRetried = false
	}
}

func (w *Writer) writeUpdateChunk(chunk []memory.EventUpdate) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			monitoring.Logf("eyedb: rollback failed: %v", err)
		}
	}()

	stmt, err := tx.Prepare(`
		UPDATE security_events
		SET end_time = ?, target_data = ?, refine_data = ?, sys_summary = ?, alert_tags = ?
		WHERE id = ? AND status = 'ongoing'
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range chunk {
		targetData, err := json.Marshal(u.MaxCounts)
		if err != nil {
			return err
		}
		refineData, err := json.Marshal(u.Features)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(u.LastSeen.Format(timeLayout), string(targetData),
			string(refineData), strings.Join(u.Descriptions, "\n"),
			strings.Join(u.Classes, ","), u.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// flushObservations writes queued observations in batched transactions.
// Observations are advisory, so a failed batch is dropped, not retried.
func (w *Writer) flushObservations(batch []ObservationEntry) {
	for start := 0; start < len(batch); start += w.BatchSize {
		end := start + w.BatchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := w.writeObservationChunk(batch[start:end]); err != nil {
			monitoring.Logf("eyedb: observation flush failed, dropped %d entries: %v", end-start, err)
		}
	}
}

func (w *Writer) writeObservationChunk(chunk []ObservationEntry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			monitoring.Logf("eyedb: rollback failed: %v", err)
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO observation_stream (timestamp, content, target) VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range chunk {
		if _, err := stmt.Exec(o.Timestamp.Format(timeLayout), o.Content, o.Target); err != nil {
			return err
		}
	}
	return tx.Commit()
}
