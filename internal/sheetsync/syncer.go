// Package sheetsync mirrors ledger entries from SQLite into a Google
// Sheet. SQLite is the source of truth; the sheet is an append-only copy
// keyed by entry UID in column A.
package sheetsync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HugeFrog24/sheetbot/internal/clock"
	"github.com/HugeFrog24/sheetbot/internal/metrics"
	"github.com/HugeFrog24/sheetbot/internal/money"
	"github.com/HugeFrog24/sheetbot/internal/sheets"
	"github.com/HugeFrog24/sheetbot/internal/storage"
)

// Store is the storage surface used by the syncer.
type Store interface {
	PendingEntries(ctx context.Context, botID uint, limit int) ([]storage.Entry, error)
	PendingRemovals(ctx context.Context, botID uint, limit int) ([]storage.Entry, error)
	MarkSynced(ctx context.Context, id uint, row int, at time.Time) error
	RecordSyncFailure(ctx context.Context, ids []uint, cause string) error
	MarkCleared(ctx context.Context, id uint, at time.Time) error
}

type Config struct {
	BotID             uint
	BotName           string
	Location          *time.Location
	BatchSize         int
	Interval          time.Duration
	RequestsPerMinute int
}

// Result counts the rows touched by one pass.
type Result struct {
	Appended   int
	Reconciled int
	Cleared    int
	// More is set when a batch was full and another pass should follow.
	More bool
}

func (r Result) empty() bool {
	return r.Appended == 0 && r.Reconciled == 0 && r.Cleared == 0
}

type Syncer struct {
	cfg        Config
	store      Store
	client     sheets.Client
	clock      clock.Clock
	limiter    *rate.Limiter
	log        *zap.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff

	trigger chan struct{}
	mu      sync.Mutex
}

type Option func(*Syncer)

// WithBackOff overrides the per-call retry schedule.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(s *Syncer) { s.newBackOff = f }
}

func New(cfg Config, store Store, client sheets.Client, c clock.Clock, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Syncer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}

	s := &Syncer{
		cfg:        cfg,
		store:      store,
		client:     client,
		clock:      c,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		log:        log,
		metrics:    m,
		newBackOff: defaultBackOff,
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, 5)
}

// Row renders e in the spreadsheet column layout.
func Row(e storage.Entry, loc *time.Location) []interface{} {
	return []interface{}{
		e.UID,
		e.RecordedAt.In(loc).Format(time.RFC3339),
		e.UserID,
		e.Username,
		money.Float(e.Amount),
		e.Currency,
		e.Category,
		e.Note,
	}
}

// Trigger requests a pass as soon as possible. Requests made while one is
// already queued are coalesced.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on start, on every interval tick and on Trigger until ctx is
// done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("Syncer started", zap.Duration("interval", s.cfg.Interval))
	for {
		s.drain(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("Syncer stopped")
			return
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

func (s *Syncer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := s.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("Sync pass failed", zap.Error(err))
			}
			return
		}
		if !res.empty() {
			s.log.Info("Sync pass completed",
				zap.Int("appended", res.Appended),
				zap.Int("reconciled", res.Reconciled),
				zap.Int("cleared", res.Cleared))
		}
		if !res.More {
			return
		}
	}
}

// call waits for the request budget and runs op under the retry policy.
// Errors for which retryable returns false end the retries at once.
func (s *Syncer) call(ctx context.Context, name string, op func() error, retryable func(error) bool) error {
	attempt := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("Sheets call failed, retrying",
			zap.String("call", name),
			zap.Error(err),
			zap.Duration("next_attempt_in", next))
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(s.newBackOff(), ctx), notify)
}

func (s *Syncer) count(result string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.SyncRows.WithLabelValues(s.cfg.BotName, result).Add(float64(n))
	}
}

func (s *Syncer) fail(err error) error {
	if s.metrics != nil {
		s.metrics.SyncErrors.WithLabelValues(s.cfg.BotName).Inc()
	}
	return err
}

// SyncOnce runs a single reconciliation pass. Passes never overlap.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result

	pending, err := s.store.PendingEntries(ctx, s.cfg.BotID, s.cfg.BatchSize)
	if err != nil {
		return res, s.fail(err)
	}
	removals, err := s.store.PendingRemovals(ctx, s.cfg.BotID, s.cfg.BatchSize)
	if err != nil {
		return res, s.fail(err)
	}
	if len(pending) == 0 && len(removals) == 0 {
		return res, nil
	}
	res.More = len(pending) == s.cfg.BatchSize || len(removals) == s.cfg.BatchSize

	var column []string
	err = s.call(ctx, "read", func() error {
		var err error
		column, err = s.client.ReadColumn(ctx)
		return err
	}, sheets.Retryable)
	if err != nil {
		s.recordFailure(ctx, pending, err)
		return res, s.fail(err)
	}

	rowOf := make(map[string]int, len(column))
	for i, uid := range column {
		if uid == "" {
			continue
		}
		if _, seen := rowOf[uid]; !seen {
			rowOf[uid] = i + 1
		}
	}

	now := s.clock.Now()

	// Clear before appending. An append may insert rows mid-sheet and
	// shift the rows indexed above.
	for _, e := range removals {
		// Only clear a row that still carries this entry's UID.
		if row, ok := rowOf[e.UID]; ok {
			err := s.call(ctx, "clear", func() error {
				return s.client.ClearRow(ctx, row)
			}, sheets.Retryable)
			if err != nil {
				s.count("cleared", res.Cleared)
				return res, s.fail(err)
			}
			res.Cleared++
		}
		if err := s.store.MarkCleared(ctx, e.ID, now); err != nil {
			s.count("cleared", res.Cleared)
			return res, s.fail(err)
		}
	}
	s.count("cleared", res.Cleared)

	// Entries already in the sheet were appended by a pass that died
	// before recording it.
	var toAppend []storage.Entry
	for _, e := range pending {
		row, ok := rowOf[e.UID]
		if !ok {
			toAppend = append(toAppend, e)
			continue
		}
		if err := s.store.MarkSynced(ctx, e.ID, row, now); err != nil {
			return res, s.fail(err)
		}
		res.Reconciled++
	}
	s.count("reconciled", res.Reconciled)

	if len(toAppend) > 0 {
		rows := make([][]interface{}, 0, len(toAppend)+1)
		withHeader := len(column) == 0
		if withHeader {
			rows = append(rows, sheets.Header)
		}
		for _, e := range toAppend {
			rows = append(rows, Row(e, s.cfg.Location))
		}

		// Append is not idempotent: only a throttled request is known not
		// to have been applied. Anything else is left to the next pass,
		// which reconciles by UID.
		var first int
		err := s.call(ctx, "append", func() error {
			var err error
			first, err = s.client.AppendRows(ctx, rows)
			return err
		}, sheets.Throttled)
		if err != nil {
			s.recordFailure(ctx, toAppend, err)
			return res, s.fail(err)
		}

		if withHeader {
			first++
		}
		for i, e := range toAppend {
			if err := s.store.MarkSynced(ctx, e.ID, first+i, now); err != nil {
				return res, s.fail(err)
			}
			res.Appended++
		}
		s.count("appended", res.Appended)
	}

	return res, nil
}

func (s *Syncer) recordFailure(ctx context.Context, entries []storage.Entry, cause error) {
	if len(entries) == 0 {
		return
	}
	ids := make([]uint, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.store.RecordSyncFailure(ctx, ids, cause.Error()); err != nil {
		s.log.Error("Failed to record sync failure", zap.Error(err))
	}
}
