package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeOrders struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	selected  []int64
	selectErr error
	getErr    map[int64]error
	marked    map[int64]string
	lastCrit  models.SelectionCriteria
}

func newFakeOrders(orders ...models.Order) *fakeOrders {
	f := &fakeOrders{
		orders: make(map[int64]*models.Order),
		getErr: make(map[int64]error),
		marked: make(map[int64]string),
	}
	for _, o := range orders {
		o := o
		f.orders[o.ID] = &o
		f.selected = append(f.selected, o.ID)
	}
	sort.Slice(f.selected, func(i, j int) bool { return f.selected[i] < f.selected[j] })
	return f
}

func (f *fakeOrders) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) SetTrackingNumber(ctx context.Context, id int64, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return models.ErrOrderNotFound
	}
	o.TrackingNumber = value
	return nil
}

func (f *fakeOrders) MarkStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return models.ErrOrderNotFound
	}
	o.Status = status
	f.marked[id] = status
	return nil
}

func (f *fakeOrders) SelectCandidates(ctx context.Context, c models.SelectionCriteria) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCrit = c
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return append([]int64{}, f.selected...), nil
}

func (f *fakeOrders) ListLegacyPayloads(ctx context.Context, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, id := range f.selected {
		if o := f.orders[id]; o.TrackingPayload != nil {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[int64]*models.TrackingRecord
	saveErr map[int64]error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[int64]*models.TrackingRecord), saveErr: make(map[int64]error)}
}

func (s *fakeStore) Save(ctx context.Context, rec *models.TrackingRecord) (models.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr[rec.OrderID]; err != nil {
		return "", err
	}
	s.saves++
	cp := *rec
	if old, ok := s.records[rec.OrderID]; ok && old.LatestStatus == models.StatusDelivered {
		cp.LatestStatus = models.StatusDelivered
	}
	s.records[rec.OrderID] = &cp
	return cp.LatestStatus, nil
}

func (s *fakeStore) StoredStatus(ctx context.Context, orderID int64) (models.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[orderID]
	if !ok {
		return "", models.ErrTrackingNotFound
	}
	return rec.LatestStatus, nil
}

func (s *fakeStore) StatusCounts(ctx context.Context) (map[models.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Status]int64)
	for _, rec := range s.records {
		out[rec.LatestStatus]++
	}
	return out, nil
}

func (s *fakeStore) get(orderID int64) *models.TrackingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[orderID]
}

type fetchResult struct {
	feed models.Feed
	err  error
}

// scriptedCarrier replays per-number answers; the last answer repeats.
type scriptedCarrier struct {
	mu      sync.Mutex
	script  map[string][]fetchResult
	calls   []string
	onFetch func(tn string)
}

func newScriptedCarrier() *scriptedCarrier {
	return &scriptedCarrier{script: make(map[string][]fetchResult)}
}

func (c *scriptedCarrier) on(tn string, results ...fetchResult) *scriptedCarrier {
	c.script[tn] = results
	return c
}

func (c *scriptedCarrier) Fetch(ctx context.Context, tn string) (models.Feed, error) {
	c.mu.Lock()
	c.calls = append(c.calls, tn)
	rs := c.script[tn]
	var res fetchResult
	switch {
	case len(rs) == 0:
		res = fetchResult{feed: enRouteFeed(tn)}
	case len(rs) == 1:
		res = rs[0]
	default:
		res = rs[0]
		c.script[tn] = rs[1:]
	}
	hook := c.onFetch
	c.mu.Unlock()

	if hook != nil {
		hook(tn)
	}
	return res.feed, res.err
}

func (c *scriptedCarrier) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func feedWith(tn string, codes ...string) models.Feed {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	events := make([]models.TrackingEvent, 0, len(codes))
	for i, code := range codes {
		events = append(events, models.TrackingEvent{
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
			Description:   "event " + code,
			CarrierStatus: code,
			StatusClass:   carrier.StatusClass(code, ""),
		})
	}
	return models.Feed{TrackingNumber: tn, Events: events, FetchedAt: base.Add(24 * time.Hour)}
}

func enRouteFeed(tn string) models.Feed {
	return feedWith(tn, models.CarrierStatusEnRoute)
}

func retryableErr(msg string) error {
	return carrier.Retryable("do request", errors.New(msg))
}

type fakeLimiter struct {
	mu      sync.Mutex
	denials int
	window  time.Duration
	resets  int
	allowed int
}

func (l *fakeLimiter) Allow(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denials > 0 {
		l.denials--
		return false, nil
	}
	l.allowed++
	return true, nil
}

func (l *fakeLimiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	l.resets++
	l.mu.Unlock()
	return nil
}

func (l *fakeLimiter) Size() time.Duration { return l.window }

type published struct {
	topic string
	key   string
	msg   any
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakeProducer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, key: key, msg: v})
	return nil
}
