// SPDX-License-Identifier: MIT

package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nvplatform/gateway/internal/log"
)

const cursorFileName = "audit.offset"

var (
	metricEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nvgw",
		Name:      "wal_events_enqueued_total",
		Help:      "Audit events appended to the journal.",
	}, []string{"phase"})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nvgw",
		Name:      "wal_events_dropped_total",
		Help:      "Audit events dropped from the in-memory ring.",
	})
	metricDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nvgw",
		Name:      "wal_dispatch_total",
		Help:      "Audit batch dispatch attempts by result.",
	}, []string{"result"})
	metricRingSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nvgw",
		Name:      "wal_ring_size",
		Help:      "Audit events currently buffered in memory.",
	})
)

// Cursor marks the byte offset after the last acknowledged event.
type Cursor struct {
	File string `json:"file"`
	Pos  int64  `json:"pos"`
}

// Config sizes the WAL.
type Config struct {
	Dir           string
	FileMaxMB     int
	RetentionDays int
	RingMax       int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetry      time.Duration
	Dispatch      DispatchFunc
}

// entry pairs a buffered event with its journal position so the cursor
// can advance by exact byte lengths.
type entry struct {
	ev   Event
	file string
	end  int64 // file size after this event's line
}

// WAL is the durable audit pipeline. Enqueue never blocks on the sink;
// delivery happens from Run's flush loop with at-least-once semantics.
type WAL struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	ring     []entry
	file     *os.File
	fileName string
	fileSize int64
	fileSeq  int
	cursor   Cursor
	dropped  uint64

	sending atomic.Bool
	attempt int
	flushCh chan struct{}
}

// SnapshotInfo is the diagnostics view of the WAL.
type SnapshotInfo struct {
	Dir         string `json:"dir"`
	CurrentFile string `json:"currentFile"`
	RingSize    int    `json:"ringSize"`
	FlushMS     int64  `json:"flushMs"`
	BatchSize   int    `json:"batchSize"`
	Cursor      Cursor `json:"cursor"`
	Sending     bool   `json:"sending"`
	Attempt     int    `json:"attempt"`
	Dropped     uint64 `json:"dropped"`
}

// New opens the journal directory, loads the persisted cursor and opens
// today's file for appending.
func New(cfg Config) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, errors.New("wal: dir is required")
	}
	if cfg.Dispatch == nil {
		return nil, errors.New("wal: dispatch func is required")
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 200
	}
	if cfg.RingMax < cfg.BatchSize {
		cfg.RingMax = cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &WAL{
		cfg:     cfg,
		logger:  log.WithComponent("wal"),
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
	}
	if err := w.loadCursor(); err != nil {
		return nil, err
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	w.pruneExpired()
	return w, nil
}

// Enqueue journals one event and buffers it for dispatch. It never
// returns an error; journal write failures are logged and the event is
// still buffered so delivery can proceed from memory.
func (w *WAL) Enqueue(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		w.logger.Error().Err(err).Str(log.FieldRequestID, ev.RequestID).Msg("audit event marshal failed")
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	w.rotateIfNeeded(int64(len(line)))
	if w.file != nil {
		if _, err := w.file.Write(line); err != nil {
			w.logger.Error().Err(err).Str(log.FieldWALFile, w.fileName).Msg("journal append failed")
		} else {
			w.fileSize += int64(len(line))
		}
	}
	w.ring = append(w.ring, entry{ev: ev, file: w.fileName, end: w.fileSize})
	for len(w.ring) > w.cfg.RingMax {
		w.ring = w.ring[1:]
		w.dropped++
		metricDropped.Inc()
		w.logger.Warn().
			Uint64("dropped_total", w.dropped).
			Msg("audit ring full, dropping oldest buffered event")
	}
	trigger := len(w.ring) >= w.cfg.BatchSize
	metricRingSize.Set(float64(len(w.ring)))
	w.mu.Unlock()

	metricEnqueued.WithLabelValues(ev.Phase).Inc()
	if trigger {
		w.kick()
	}
}

// kick requests a flush without blocking; a pending request coalesces.
func (w *WAL) kick() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// Run replays the journal from the persisted cursor, then drives the
// flush loop until ctx is canceled. A final flush attempt drains what it
// can on shutdown.
func (w *WAL) Run(ctx context.Context) {
	w.Replay(ctx)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			w.Flush(flushCtx, "shutdown")
			cancel()
			return
		case <-w.flushCh:
			w.Flush(ctx, "batch")
		case <-ticker.C:
			w.Flush(ctx, "interval")
		}
	}
}

// Flush drains the ring in batches. At most one flush runs at a time;
// concurrent calls return immediately. A retriable sink failure backs off
// and retries the same batch until ctx is canceled.
func (w *WAL) Flush(ctx context.Context, reason string) {
	if !w.sending.CompareAndSwap(false, true) {
		return
	}
	defer w.sending.Store(false)

	for {
		w.mu.Lock()
		n := len(w.ring)
		if n == 0 {
			w.mu.Unlock()
			return
		}
		if n > w.cfg.BatchSize {
			n = w.cfg.BatchSize
		}
		batch := make([]Event, n)
		for i := 0; i < n; i++ {
			batch[i] = w.ring[i].ev
		}
		tail := w.ring[n-1]
		w.mu.Unlock()

		res := w.cfg.Dispatch(ctx, batch)
		metricDispatch.WithLabelValues(res.String()).Inc()

		switch res {
		case ResultOK:
			w.advance(n, Cursor{File: tail.file, Pos: tail.end})
			w.resetAttempt()
		case ResultNonRetriable:
			w.logger.Error().
				Int("batch", n).
				Str(log.FieldWALFile, tail.file).
				Int64(log.FieldWALOffset, tail.end).
				Str("reason", reason).
				Msg("sink rejected audit batch, skipping")
			w.advance(n, Cursor{File: tail.file, Pos: tail.end})
			w.resetAttempt()
		case ResultRetriable:
			attempt := w.bumpAttempt()
			delay := nextBackoff(attempt, w.cfg.MaxRetry)
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", delay).
				Str("reason", reason).
				Msg("audit dispatch failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (w *WAL) resetAttempt() {
	w.mu.Lock()
	w.attempt = 0
	w.mu.Unlock()
}

func (w *WAL) bumpAttempt() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempt++
	return w.attempt
}

// advance removes n delivered events from the ring head and persists the
// cursor.
func (w *WAL) advance(n int, cur Cursor) {
	w.mu.Lock()
	if n > len(w.ring) {
		n = len(w.ring)
	}
	w.ring = append(w.ring[:0], w.ring[n:]...)
	w.cursor = cur
	metricRingSize.Set(float64(len(w.ring)))
	w.mu.Unlock()
	w.persistCursor(cur)
}

// Snapshot returns the diagnostics view.
func (w *WAL) Snapshot() SnapshotInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SnapshotInfo{
		Dir:         w.cfg.Dir,
		CurrentFile: w.fileName,
		RingSize:    len(w.ring),
		FlushMS:     w.cfg.FlushInterval.Milliseconds(),
		BatchSize:   w.cfg.BatchSize,
		Cursor:      w.cursor,
		Sending:     w.sending.Load(),
		Attempt:     w.attempt,
		Dropped:     w.dropped,
	}
}

// CursorInfo returns the last persisted cursor.
func (w *WAL) CursorInfo() Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// ---- journal files ----

// fileNameFor builds the journal name for a date, with a rollover
// sequence for same-day size rotation.
func fileNameFor(day time.Time, seq int) string {
	base := "audit-" + day.Format("20060102")
	if seq > 0 {
		return fmt.Sprintf("%s.%03d.ndjson", base, seq)
	}
	return base + ".ndjson"
}

// parseFileName inverts fileNameFor; ok is false for foreign files.
func parseFileName(name string) (day string, seq int, ok bool) {
	if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".ndjson") {
		return "", 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".ndjson")
	if idx := strings.IndexByte(core, '.'); idx >= 0 {
		n, err := strconv.Atoi(core[idx+1:])
		if err != nil {
			return "", 0, false
		}
		core, seq = core[:idx], n
	}
	if len(core) != 8 {
		return "", 0, false
	}
	return core, seq, true
}

// rotateIfNeeded switches files on day change or when the next write
// would pass the size limit. Callers hold w.mu.
func (w *WAL) rotateIfNeeded(next int64) {
	today := w.now().Format("20060102")
	day, _, _ := parseFileName(w.fileName)
	sizeLimit := int64(w.cfg.FileMaxMB) << 20

	switch {
	case w.file == nil:
	case day != today:
		w.fileSeq = 0
	case sizeLimit > 0 && w.fileSize+next > sizeLimit && w.fileSize > 0:
		w.fileSeq++
	default:
		return
	}

	if w.file != nil {
		// fsync is best-effort at the rotation boundary.
		_ = w.file.Sync()
		_ = w.file.Close()
		w.file = nil
	}
	name := fileNameFor(w.now(), w.fileSeq)
	f, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		w.logger.Error().Err(err).Str(log.FieldWALFile, name).Msg("journal open failed")
		w.fileName, w.fileSize = name, 0
		return
	}
	info, _ := f.Stat()
	w.file = f
	w.fileName = name
	w.fileSize = 0
	if info != nil {
		w.fileSize = info.Size()
	}
	w.pruneExpired()
}

// openCurrent opens (or resumes) today's journal file. Same-day restarts
// resume the highest existing rollover.
func (w *WAL) openCurrent() error {
	today := w.now().Format("20060102")
	for _, name := range w.listFiles() {
		if day, seq, ok := parseFileName(name); ok && day == today && seq >= w.fileSeq {
			w.fileSeq = seq
		}
	}
	name := fileNameFor(w.now(), w.fileSeq)
	f, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("wal: open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: stat journal: %w", err)
	}
	w.file = f
	w.fileName = name
	w.fileSize = info.Size()
	return nil
}

// listFiles returns journal file names in (date, seq) order.
func (w *WAL) listFiles() []string {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := parseFileName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		di, si, _ := parseFileName(names[i])
		dj, sj, _ := parseFileName(names[j])
		if di != dj {
			return di < dj
		}
		return si < sj
	})
	return names
}

// pruneExpired removes journal files whose mtime is past retention.
// Callers hold w.mu or run before the WAL is shared.
func (w *WAL) pruneExpired() {
	if w.cfg.RetentionDays <= 0 {
		return
	}
	deadline := w.now().AddDate(0, 0, -w.cfg.RetentionDays)
	for _, name := range w.listFiles() {
		if name == w.fileName {
			continue
		}
		path := filepath.Join(w.cfg.Dir, name)
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(deadline) {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldWALFile, name).Msg("retention prune failed")
		} else {
			w.logger.Info().Str(log.FieldWALFile, name).Msg("pruned expired journal file")
		}
	}
}

// ---- cursor ----

func (w *WAL) cursorPath() string {
	return filepath.Join(w.cfg.Dir, cursorFileName)
}

func (w *WAL) loadCursor() error {
	raw, err := os.ReadFile(w.cursorPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: read cursor: %w", err)
	}
	var cur Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		// A corrupt cursor restarts replay from the oldest file; duplicates
		// are acceptable, losing events is not.
		w.logger.Warn().Err(err).Msg("cursor unreadable, replaying from start")
		return nil
	}
	w.cursor = cur
	return nil
}

func (w *WAL) persistCursor(cur Cursor) {
	raw, err := json.Marshal(cur)
	if err != nil {
		return
	}
	if err := renameio.WriteFile(w.cursorPath(), raw, 0o640); err != nil {
		w.logger.Error().Err(err).Msg("cursor persist failed")
	}
}

// ---- replay ----

// Replay delivers journaled events past the cursor, in batchSize windows.
// Retriable failures back off and retry the same window; non-retriable
// responses skip it. Returns when the journal is drained or ctx ends.
func (w *WAL) Replay(ctx context.Context) {
	w.mu.Lock()
	cur := w.cursor
	w.mu.Unlock()

	files := w.listFiles()
	start := 0
	if cur.File != "" {
		for i, name := range files {
			if name == cur.File {
				start = i
				break
			}
		}
	}

	attempt := 0
	for _, name := range files[start:] {
		offset := int64(0)
		if name == cur.File {
			offset = cur.Pos
		}
		for {
			batch, end, err := w.readWindow(name, offset)
			if err != nil {
				w.logger.Error().Err(err).Str(log.FieldWALFile, name).Msg("replay read failed")
				break
			}
			if len(batch) == 0 {
				break
			}

			res := w.cfg.Dispatch(ctx, batch)
			metricDispatch.WithLabelValues(res.String()).Inc()
			switch res {
			case ResultOK, ResultNonRetriable:
				if res == ResultNonRetriable {
					w.logger.Error().
						Int("batch", len(batch)).
						Str(log.FieldWALFile, name).
						Int64(log.FieldWALOffset, end).
						Msg("sink rejected replayed batch, skipping")
				}
				next := Cursor{File: name, Pos: end}
				w.mu.Lock()
				w.cursor = next
				w.mu.Unlock()
				w.persistCursor(next)
				offset = end
				attempt = 0
			case ResultRetriable:
				attempt++
				select {
				case <-ctx.Done():
					return
				case <-time.After(nextBackoff(attempt, w.cfg.MaxRetry)):
				}
			}
		}
	}
}

// readWindow decodes up to batchSize events from one file starting at
// offset, returning the offset after the last complete line.
func (w *WAL) readWindow(name string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(filepath.Join(w.cfg.Dir, name))
	if err != nil {
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}

	var batch []Event
	end := offset
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for len(batch) < w.cfg.BatchSize && sc.Scan() {
		line := sc.Bytes()
		end += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldWALFile, name).Msg("skipping corrupt journal line")
			continue
		}
		batch = append(batch, ev)
	}
	return batch, end, sc.Err()
}
