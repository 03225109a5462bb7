package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/classifier"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrInvalidMode = errors.New("invalid selection mode")

const (
	reasonTime     = "time budget exceeded"
	reasonMemory   = "memory budget exceeded"
	reasonCanceled = "canceled"
)

type workItem struct {
	orderID int64
	pass    int
}

type outcomeKind int

const (
	outcomeUpdated outcomeKind = iota
	outcomePermanent
	outcomeRetryable
	outcomeDeferred
)

type orderResult struct {
	kind    outcomeKind
	status  models.Status
	message string
}

// limitPolicy says what a caller does when the rate limiter denies a request.
type limitPolicy int

const (
	waitOnLimit limitPolicy = iota
	deferOnLimit
)

func newRunID() string { return uuid.NewString() }

func (r *Reconciler) criteria(mode models.SelectionMode) models.SelectionCriteria {
	return models.SelectionCriteria{
		Statuses:         r.settings.Statuses,
		ExcludeDelivered: r.settings.ExcludeDelivered,
		Mode:             mode,
		Limit:            r.settings.MaxUpdates,
		Now:              r.now(),
	}
}

// Run selects candidates once and drains them through the work queue.
// Retryable failures go to the tail of the queue for up to MaxPasses passes.
// Only the time or memory budget stops a run early; committed upserts stay.
func (r *Reconciler) Run(ctx context.Context, mode models.SelectionMode) (models.RunSummary, error) {
	if !mode.Valid() {
		return models.RunSummary{}, errors.Wrapf(ErrInvalidMode, "%q", string(mode))
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	started := r.now()
	sum := models.RunSummary{
		RunID:     r.newID(),
		Mode:      mode,
		StartedAt: started,
		Errors:    []string{},
	}
	r.markRun(mode)
	log := slog.With("run_id", sum.RunID, "mode", string(mode))
	log.Info("reconciliation started")

	ids, err := r.orders.SelectCandidates(ctx, r.criteria(mode))
	if err != nil {
		sum.Outcome = models.OutcomeAborted
		sum.AbortReason = "selection failed"
		sum.Errors = append(sum.Errors, err.Error())
		r.finish(log, &sum)
		return sum, errors.Wrap(err, "select candidates")
	}
	sum.Selected = len(ids)

	queue := make([]workItem, 0, len(ids))
	for _, id := range ids {
		queue = append(queue, workItem{orderID: id, pass: 1})
	}

	if reason := r.drain(ctx, &sum, queue, started); reason != "" {
		sum.Outcome = models.OutcomeAborted
		sum.AbortReason = reason
	} else if sum.PermanentlyFailed > 0 || sum.StillRetryable > 0 {
		sum.Outcome = models.OutcomePartialFailure
	} else {
		sum.Outcome = models.OutcomeSuccess
	}

	r.finish(log, &sum)
	return sum, nil
}

func (r *Reconciler) drain(ctx context.Context, sum *models.RunSummary, queue []workItem, started time.Time) string {
	pass := 1
	for head := 0; head < len(queue); {
		if ctx.Err() != nil {
			return reasonCanceled
		}
		if reason := r.overBudget(ctx, started); reason != "" {
			return reason
		}

		batch := nextBatch(queue[head:], r.settings.BatchSize)
		if batch[0].pass > pass {
			pass = batch[0].pass
			if err := r.sleep(ctx, r.planner.BackoffDelay(pass-1)); err != nil {
				return reasonCanceled
			}
			if reason := r.overBudget(ctx, started); reason != "" {
				return reason
			}
		}

		var results []orderResult
		var reason string
		if r.settings.Parallel {
			results, reason = r.runParallel(ctx, sum.RunID, batch, started)
		} else {
			results, reason = r.runSequential(ctx, sum.RunID, batch, started)
		}
		head += len(results)
		for i, res := range results {
			queue = r.record(sum, batch[i], res, queue)
		}
		if reason != "" {
			return reason
		}
	}
	return ""
}

// nextBatch takes up to size items that belong to the same pass.
func nextBatch(rest []workItem, size int) []workItem {
	if size <= 0 {
		size = 1
	}
	n := 0
	for n < len(rest) && n < size && rest[n].pass == rest[0].pass {
		n++
	}
	return rest[:n]
}

func (r *Reconciler) runSequential(ctx context.Context, runID string, batch []workItem, started time.Time) ([]orderResult, string) {
	out := make([]orderResult, 0, len(batch))
	for i, it := range batch {
		if i > 0 && r.settings.RequestSpacing > 0 {
			if err := r.sleep(ctx, r.settings.RequestSpacing); err != nil {
				return out, reasonCanceled
			}
		}
		if i > 0 {
			if reason := r.overBudget(ctx, started); reason != "" {
				return out, reason
			}
		}
		r.inFlight.Add(1)
		out = append(out, r.processOrder(ctx, runID, it.orderID, waitOnLimit))
		r.inFlight.Add(-1)
	}
	return out, ""
}

func (r *Reconciler) runParallel(ctx context.Context, runID string, batch []workItem, started time.Time) ([]orderResult, string) {
	out := make([]orderResult, len(batch))
	sem := make(chan struct{}, max(r.settings.Concurrency, 1))
	var wg sync.WaitGroup

	launched := 0
	reason := ""
	for i, it := range batch {
		if i > 0 {
			if reason = r.overBudget(ctx, started); reason != "" {
				break
			}
		}
		sem <- struct{}{}
		wg.Add(1)
		launched++
		r.inFlight.Add(1)
		go func(i int, orderID int64) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			out[i] = r.processOrder(ctx, runID, orderID, deferOnLimit)
		}(i, it.orderID)
	}
	wg.Wait()
	return out[:launched], reason
}

// record folds one result into the summary and returns the queue with any retry appended.
func (r *Reconciler) record(sum *models.RunSummary, it workItem, res orderResult, queue []workItem) []workItem {
	switch res.kind {
	case outcomeUpdated:
		sum.Updated++
	case outcomePermanent:
		sum.PermanentlyFailed++
		sum.Errors = append(sum.Errors, orderError(it.orderID, res.message))
	case outcomeRetryable, outcomeDeferred:
		if res.kind == outcomeDeferred {
			sum.Deferred++
		}
		if it.pass < r.settings.MaxPasses {
			return append(queue, workItem{orderID: it.orderID, pass: it.pass + 1})
		}
		sum.StillRetryable++
		sum.Errors = append(sum.Errors, orderError(it.orderID, fmt.Sprintf("%s (gave up after %d passes)", res.message, it.pass)))
	}
	return queue
}

func orderError(orderID int64, msg string) string {
	return fmt.Sprintf("order %d: %s", orderID, msg)
}

func (r *Reconciler) overBudget(ctx context.Context, started time.Time) string {
	if tl := r.settings.TimeLimit; tl > 0 && r.now().Sub(started) >= tl {
		return reasonTime
	}
	if r.memory == nil || r.settings.MemoryLimitBytes == 0 || r.settings.MemoryThreshold <= 0 {
		return ""
	}
	used, err := r.memory.Usage(ctx)
	if err != nil {
		slog.Debug("read memory usage", "error", err.Error())
		return ""
	}
	if float64(used) >= float64(r.settings.MemoryLimitBytes)*r.settings.MemoryThreshold {
		return reasonMemory
	}
	return ""
}

func (r *Reconciler) processOrder(ctx context.Context, runID string, orderID int64, policy limitPolicy) orderResult {
	order, err := r.orders.GetOrder(ctx, orderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		return orderResult{kind: outcomePermanent, message: err.Error()}
	}
	if err != nil {
		return orderResult{kind: outcomeRetryable, message: errors.Wrap(err, "load order").Error()}
	}
	return r.refresh(ctx, runID, order, policy)
}

// refresh fetches, classifies and stores the feed for one order.
func (r *Reconciler) refresh(ctx context.Context, runID string, order *models.Order, policy limitPolicy) orderResult {
	tn := strings.TrimSpace(order.TrackingNumber)
	if tn == "" {
		return orderResult{kind: outcomePermanent, message: models.ErrNoTrackingNumber.Error()}
	}
	if res, ok := r.acquire(ctx, policy); !ok {
		return res
	}

	feed, err := r.carrier.Fetch(ctx, tn)
	if err != nil {
		kind := outcomeRetryable
		if carrier.IsPermanent(err) || carrier.IsValidation(err) {
			kind = outcomePermanent
		}
		return orderResult{kind: kind, message: err.Error()}
	}
	if feed.TrackingNumber == "" {
		feed.TrackingNumber = tn
	}

	prev, err := r.store.StoredStatus(ctx, order.ID)
	if err != nil && !errors.Is(err, models.ErrTrackingNotFound) {
		slog.Warn("read stored status", "order_id", order.ID, "error", err.Error())
	}
	status := classifier.Merge(prev, classifier.Classify(feed.Events))

	rec := models.NewTrackingRecord(order.ID, feed, status)
	stored, err := r.store.Save(ctx, rec)
	if err != nil {
		return orderResult{kind: outcomeRetryable, message: errors.Wrap(err, "save tracking").Error()}
	}

	r.publish(ctx, runID, rec, prev, stored)
	r.autoComplete(ctx, order, stored)
	return orderResult{kind: outcomeUpdated, status: stored}
}

// acquire takes a rate-limit slot. A limiter that errors is treated as open.
func (r *Reconciler) acquire(ctx context.Context, policy limitPolicy) (orderResult, bool) {
	if r.limiter == nil {
		return orderResult{}, true
	}
	ok, err := r.limiter.Allow(ctx)
	if err != nil {
		slog.Warn("rate limiter unavailable", "error", err.Error())
		return orderResult{}, true
	}
	if ok {
		return orderResult{}, true
	}
	if policy == deferOnLimit {
		return orderResult{kind: outcomeDeferred, message: "rate limit reached, deferred"}, false
	}

	wait := r.limiter.Size()
	slog.Warn("rate limit reached, waiting out the window", "wait", wait.String())
	if err := r.sleep(ctx, wait); err != nil {
		return orderResult{kind: outcomeRetryable, message: errors.Wrap(err, "rate limit wait").Error()}, false
	}
	if err := r.limiter.Reset(ctx); err != nil {
		slog.Warn("rate limiter reset", "error", err.Error())
	}
	ok, err = r.limiter.Allow(ctx)
	if err == nil && !ok {
		return orderResult{kind: outcomeRetryable, message: "rate limit still exhausted"}, false
	}
	return orderResult{}, true
}

func (r *Reconciler) publish(ctx context.Context, runID string, rec *models.TrackingRecord, prev, stored models.Status) {
	if r.producer == nil {
		return
	}
	msg := messages.TrackingUpdated{
		OrderID:        rec.OrderID,
		TrackingNumber: rec.TrackingNumber,
		LatestStatus:   string(stored),
		PreviousStatus: string(prev),
		LastUpdated:    rec.LastUpdated,
		EventCount:     len(rec.Events),
		APIError:       rec.APIError,
		RunID:          runID,
	}
	if err := r.producer.PublishJSON(ctx, r.settings.Topic, strconv.FormatInt(rec.OrderID, 10), msg); err != nil {
		slog.Warn("publish tracking update", "order_id", rec.OrderID, "error", err.Error())
	}
}

func (r *Reconciler) autoComplete(ctx context.Context, order *models.Order, stored models.Status) {
	target := r.settings.CompletedStatus
	if !r.settings.AutoComplete || stored != models.StatusDelivered || target == "" || order.Status == target {
		return
	}
	if err := r.orders.MarkStatus(ctx, order.ID, target); err != nil {
		slog.Warn("auto-complete delivered order", "order_id", order.ID, "error", err.Error())
		return
	}
	slog.Info("order completed on delivery", "order_id", order.ID, "status", target)
}

func (r *Reconciler) markRun(mode models.SelectionMode) {
	now := r.now().UnixNano()
	if mode == models.ModeUnfetched {
		r.lastUnfetchUnixNano.Store(now)
	} else {
		r.lastRefreshUnixNano.Store(now)
	}
	r.totalRuns.Add(1)
}

func (r *Reconciler) finish(log *slog.Logger, sum *models.RunSummary) {
	sum.Duration = r.now().Sub(sum.StartedAt)

	r.totalSelected.Add(int64(sum.Selected))
	r.totalUpdated.Add(int64(sum.Updated))
	r.totalErrors.Add(int64(len(sum.Errors)))

	r.lastErrorMu.Lock()
	if len(sum.Errors) > 0 {
		r.lastError = sum.Errors[len(sum.Errors)-1]
	}
	s := *sum
	r.lastSummary = &s
	r.lastErrorMu.Unlock()

	attrs := []any{
		"outcome", string(sum.Outcome),
		"selected", sum.Selected,
		"updated", sum.Updated,
		"permanently_failed", sum.PermanentlyFailed,
		"still_retryable", sum.StillRetryable,
		"deferred", sum.Deferred,
		"duration", sum.Duration.String(),
	}
	if r.memory != nil {
		if used, err := r.memory.Usage(context.Background()); err == nil {
			attrs = append(attrs, "memory_bytes", used)
		}
	}
	if sum.AbortReason != "" {
		attrs = append(attrs, "abort_reason", sum.AbortReason)
		log.Warn("reconciliation stopped early", attrs...)
		return
	}
	log.Info("reconciliation finished", attrs...)
}
