package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
)

type TrackingStore interface {
	Save(ctx context.Context, rec *models.TrackingRecord) (models.Status, error)
	StoredStatus(ctx context.Context, orderID int64) (models.Status, error)
	StatusCounts(ctx context.Context) (map[models.Status]int64, error)
}

type OrderRepository interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	SetTrackingNumber(ctx context.Context, id int64, value string) error
	MarkStatus(ctx context.Context, id int64, status string) error
	SelectCandidates(ctx context.Context, c models.SelectionCriteria) ([]int64, error)
	ListLegacyPayloads(ctx context.Context, limit int) ([]models.Order, error)
}

type RateLimiter interface {
	Allow(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	Size() time.Duration
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Settings is the explicit run configuration. Zero values fall back to defaults.
type Settings struct {
	Statuses         []models.StatusFilter
	ExcludeDelivered bool
	MaxUpdates       int

	BatchSize   int
	Concurrency int
	Parallel    bool

	MaxPasses  int
	BackoffCap time.Duration

	TimeLimit        time.Duration
	MemoryLimitBytes uint64
	MemoryThreshold  float64

	RequestSpacing time.Duration

	AutoComplete    bool
	CompletedStatus string

	RefreshInterval   time.Duration
	UnfetchedInterval time.Duration

	Topic string
}

func DefaultSettings() Settings {
	return Settings{
		Statuses:          models.DefaultStatusFilters(),
		BatchSize:         50,
		Concurrency:       5,
		MaxPasses:         3,
		BackoffCap:        30 * time.Second,
		TimeLimit:         25 * time.Second,
		MemoryLimitBytes:  256 << 20,
		MemoryThreshold:   0.9,
		AutoComplete:      true,
		CompletedStatus:   "completed",
		RefreshInterval:   time.Hour,
		UnfetchedInterval: 15 * time.Minute,
		Topic:             "tracking.updated",
	}
}

type Reconciler struct {
	store    TrackingStore
	orders   OrderRepository
	carrier  carrier.Client
	limiter  RateLimiter
	producer Producer
	memory   MemoryGauge

	settings Settings
	planner  *Planner

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	runMu     sync.Mutex
	triggerCh chan models.SelectionMode

	startedAtUnixNano   int64
	lastRefreshUnixNano atomic.Int64
	lastUnfetchUnixNano atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalSelected       atomic.Int64
	totalUpdated        atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
	lastSummary         *models.RunSummary
}

func New(store TrackingStore, orders OrderRepository, c carrier.Client, limiter RateLimiter, producer Producer) *Reconciler {
	s := DefaultSettings()
	return &Reconciler{
		store:             store,
		orders:            orders,
		carrier:           c,
		limiter:           limiter,
		producer:          producer,
		settings:          s,
		planner:           NewPlanner(PlannerConfig{Cap: s.BackoffCap}),
		now:               func() time.Time { return time.Now().UTC() },
		sleep:             sleepCtx,
		newID:             newRunID,
		triggerCh:         make(chan models.SelectionMode, 2),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// WithSettings overrides every positive/non-empty field of s. Booleans are
// always taken from s.
func (r *Reconciler) WithSettings(s Settings) *Reconciler {
	cur := r.settings
	if len(s.Statuses) > 0 {
		cur.Statuses = s.Statuses
	}
	cur.ExcludeDelivered = s.ExcludeDelivered
	cur.Parallel = s.Parallel
	cur.AutoComplete = s.AutoComplete
	if s.MaxUpdates > 0 {
		cur.MaxUpdates = s.MaxUpdates
	}
	if s.BatchSize > 0 {
		cur.BatchSize = s.BatchSize
	}
	if s.Concurrency > 0 {
		cur.Concurrency = s.Concurrency
	}
	if s.MaxPasses > 0 {
		cur.MaxPasses = s.MaxPasses
	}
	if s.BackoffCap > 0 {
		cur.BackoffCap = s.BackoffCap
	}
	if s.TimeLimit > 0 {
		cur.TimeLimit = s.TimeLimit
	}
	if s.MemoryLimitBytes > 0 {
		cur.MemoryLimitBytes = s.MemoryLimitBytes
	}
	if s.MemoryThreshold > 0 {
		cur.MemoryThreshold = s.MemoryThreshold
	}
	if s.RequestSpacing > 0 {
		cur.RequestSpacing = s.RequestSpacing
	}
	if s.CompletedStatus != "" {
		cur.CompletedStatus = s.CompletedStatus
	}
	if s.RefreshInterval > 0 {
		cur.RefreshInterval = s.RefreshInterval
	}
	if s.UnfetchedInterval > 0 {
		cur.UnfetchedInterval = s.UnfetchedInterval
	}
	if s.Topic != "" {
		cur.Topic = s.Topic
	}
	r.settings = cur
	r.planner = NewPlanner(PlannerConfig{Cap: cur.BackoffCap})
	return r
}

// WithMaxUpdates sets the per-run cap as given; 0 lifts it.
func (r *Reconciler) WithMaxUpdates(n int) *Reconciler {
	if n < 0 {
		n = 0
	}
	r.settings.MaxUpdates = n
	return r
}

func (r *Reconciler) WithMemoryGauge(m MemoryGauge) *Reconciler {
	r.memory = m
	return r
}

// WithClock replaces time sources; tests use it to avoid real waiting.
func (r *Reconciler) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Reconciler {
	if now != nil {
		r.now = now
	}
	if sleep != nil {
		r.sleep = sleep
	}
	return r
}

func (r *Reconciler) Settings() Settings { return r.settings }

// Trigger asks Loop for an immediate run of the given mode (best-effort, non-blocking).
func (r *Reconciler) Trigger(mode models.SelectionMode) bool {
	if !mode.Valid() {
		return false
	}
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- mode:
		return true
	default:
		return false
	}
}

// Loop runs the refresh and unfetched sweeps on their intervals until ctx is done.
func (r *Reconciler) Loop(ctx context.Context) error {
	refresh := time.NewTicker(r.settings.RefreshInterval)
	defer refresh.Stop()
	unfetched := time.NewTicker(r.settings.UnfetchedInterval)
	defer unfetched.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			r.runLogged(ctx, models.ModeRefresh)
		case <-unfetched.C:
			r.runLogged(ctx, models.ModeUnfetched)
		case mode := <-r.triggerCh:
			r.runLogged(ctx, mode)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context, mode models.SelectionMode) {
	if _, err := r.Run(ctx, mode); err != nil {
		slog.Error("reconciliation run", "mode", string(mode), "error", err.Error())
	}
}

type Stats struct {
	StartedAt       time.Time          `json:"startedAt"`
	LastRefreshAt   *time.Time         `json:"lastRefreshAt,omitempty"`
	LastUnfetchedAt *time.Time         `json:"lastUnfetchedAt,omitempty"`
	LastTriggerAt   *time.Time         `json:"lastTriggerAt,omitempty"`
	TotalRuns       int64              `json:"totalRuns"`
	TotalSelected   int64              `json:"totalSelected"`
	TotalUpdated    int64              `json:"totalUpdated"`
	TotalErrors     int64              `json:"totalErrors"`
	InFlight        int64              `json:"inFlight"`
	LastError       string             `json:"lastError,omitempty"`
	LastRun         *models.RunSummary `json:"lastRun,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalRuns:     r.totalRuns.Load(),
		TotalSelected: r.totalSelected.Load(),
		TotalUpdated:  r.totalUpdated.Load(),
		TotalErrors:   r.totalErrors.Load(),
		InFlight:      r.inFlight.Load(),
	}
	st.LastRefreshAt = unixPtr(r.lastRefreshUnixNano.Load())
	st.LastUnfetchedAt = unixPtr(r.lastUnfetchUnixNano.Load())
	st.LastTriggerAt = unixPtr(r.lastTriggerUnixNano.Load())

	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	if r.lastSummary != nil {
		s := *r.lastSummary
		st.LastRun = &s
	}
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reconciler) setLastError(msg string) {
	r.lastErrorMu.Lock()
	r.lastError = msg
	r.lastErrorMu.Unlock()
}

func unixPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
