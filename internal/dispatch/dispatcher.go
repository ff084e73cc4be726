package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wolfman30/payreminder/internal/clients"
	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/internal/observability/metrics"
	"github.com/wolfman30/payreminder/internal/templates"
	"github.com/wolfman30/payreminder/pkg/logging"
)

const unreachableReason = "gateway unreachable"

// OutboundRecorder is told about every reminder the gateway accepted.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, rec clients.Record, text string, res gateway.SendResult) error
}

// StartRequest describes one batch. Zero Delay, Concurrency or MaxRetries
// fall back to the dispatcher defaults; a negative MaxRetries disables retries.
type StartRequest struct {
	Clients     []clients.Record
	Template    templates.Template
	Delay       time.Duration
	Concurrency int
	MaxRetries  int
}

// Handle refers to a started batch.
type Handle struct {
	ID   string
	done <-chan struct{}
}

// Done is closed once the batch reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the batch finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config holds dispatcher defaults.
type Config struct {
	Delay          time.Duration
	Concurrency    int
	MaxRetries     int
	SendTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithStore persists batch snapshots for later lookup.
func WithStore(store BatchStore) Option {
	return func(d *Dispatcher) {
		if store != nil {
			d.store = store
		}
	}
}

// WithRecorder reports delivered reminders to the conversation layer.
func WithRecorder(rec OutboundRecorder) Option {
	return func(d *Dispatcher) {
		d.recorder = rec
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.DispatchMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher owns the single batch slot.
type Dispatcher struct {
	sender   gateway.Sender
	renderer *templates.Renderer
	store    BatchStore
	recorder OutboundRecorder
	metrics  *metrics.DispatchMetrics
	logger   *logging.Logger
	cfg      Config
	now      func() time.Time

	active atomic.Pointer[run]

	mu   sync.RWMutex
	last *run
}

// New constructs a Dispatcher.
func New(sender gateway.Sender, renderer *templates.Renderer, cfg Config, logger *logging.Logger, opts ...Option) *Dispatcher {
	if sender == nil {
		panic("dispatch: sender required")
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		sender:   sender,
		renderer: renderer,
		store:    NewMemoryStore(),
		logger:   logger.Component("dispatch"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type job struct {
	index  int
	record clients.Record
	text   string
}

type settings struct {
	delay       time.Duration
	concurrency int
	maxRetries  int
}

// Start renders every message up front and claims the batch slot. Processing
// continues in the background after Start returns and cannot be cancelled.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if err := req.Template.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if len(req.Clients) == 0 {
		return nil, &clients.ValidationError{Problems: []string{"no clients to dispatch"}}
	}

	now := d.now().UTC()
	jobs := make([]job, 0, len(req.Clients))
	var problems []string
	for i, rec := range req.Clients {
		text, err := d.renderer.RenderStrict(req.Template, d.renderer.ClientValues(rec, now))
		if err != nil {
			problems = append(problems, fmt.Sprintf("client %q: %v", rec.ID, err))
			continue
		}
		jobs = append(jobs, job{index: i, record: rec, text: text})
	}
	if len(problems) > 0 {
		return nil, &clients.ValidationError{Problems: problems}
	}

	s := d.resolve(req)
	r := newRun(uuid.NewString(), req.Template.Name, len(jobs), now)
	if !d.active.CompareAndSwap(nil, r) {
		conflict := &ConflictError{}
		if current := d.active.Load(); current != nil {
			conflict.ActiveBatchID = current.id
		}
		return nil, conflict
	}

	d.metrics.BatchStarted()
	d.persist(ctx, r.snapshot())
	d.logger.Info("batch started", "batch_id", r.id, "template", req.Template.Name,
		"total", len(jobs), "concurrency", s.concurrency, "max_retries", s.maxRetries, "delay", s.delay.String())

	go d.execute(context.WithoutCancel(ctx), r, jobs, s)
	return &Handle{ID: r.id, done: r.done}, nil
}

// Status returns a snapshot of the running batch, or the most recently
// finished one. The bool is false before the first batch.
func (d *Dispatcher) Status() (Batch, bool) {
	if r := d.active.Load(); r != nil {
		return r.snapshot(), true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return Batch{}, false
	}
	return d.last.snapshot(), true
}

// Lookup finds a batch by id in memory or in the history store.
func (d *Dispatcher) Lookup(ctx context.Context, id string) (Batch, error) {
	if r := d.active.Load(); r != nil && r.id == id {
		return r.snapshot(), nil
	}
	d.mu.RLock()
	last := d.last
	d.mu.RUnlock()
	if last != nil && last.id == id {
		return last.snapshot(), nil
	}
	b, err := d.store.Get(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (d *Dispatcher) resolve(req StartRequest) settings {
	s := settings{delay: req.Delay, concurrency: req.Concurrency, maxRetries: req.MaxRetries}
	if s.delay <= 0 {
		s.delay = d.cfg.Delay
	}
	if s.concurrency <= 0 {
		s.concurrency = d.cfg.Concurrency
	}
	switch {
	case s.maxRetries < 0:
		s.maxRetries = 0
	case s.maxRetries == 0:
		s.maxRetries = d.cfg.MaxRetries
		if s.maxRetries < 0 {
			s.maxRetries = 0
		}
	}
	return s
}

func (d *Dispatcher) execute(ctx context.Context, r *run, jobs []job, s settings) {
	queue := make(chan job)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, j := range jobs {
			select {
			case queue <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	workers := s.concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for w := 0; w < workers; w++ {
		limiter := newLimiter(s.delay)
		g.Go(func() error {
			for j := range queue {
				d.deliver(gctx, r, j, limiter, s.maxRetries)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error("batch workers stopped early", "batch_id", r.id, "error", err)
	}
	d.finish(ctx, r)
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func (d *Dispatcher) newBackOff(ctx context.Context, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = d.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

var errUnreachable = errors.New(unreachableReason)

func (d *Dispatcher) deliver(ctx context.Context, r *run, j job, limiter *rate.Limiter, maxRetries int) {
	if r.isFaulted() {
		d.record(r, j, DeliveryResult{Status: DeliveryFailed, Error: unreachableReason})
		return
	}

	attempts := 0
	var sent gateway.SendResult
	op := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if r.isFaulted() {
			return backoff.Permanent(errUnreachable)
		}
		attempts++
		start := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		res, err := d.sender.Send(sendCtx, j.record.Phone, j.text)
		cancel()
		if err == nil {
			d.metrics.ObserveSend("ok", time.Since(start).Seconds())
			sent = res
			return nil
		}
		d.metrics.ObserveSend(gateway.KindOf(err).String(), time.Since(start).Seconds())
		if errors.Is(err, gateway.ErrUnavailable) && r.markFaultedIfNoSuccess() {
			d.logger.Error("gateway unreachable before any delivery, failing batch", "batch_id", r.id)
			return backoff.Permanent(errUnreachable)
		}
		if gateway.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("send failed, retrying", "batch_id", r.id, "client_id", j.record.ID,
			"attempt", attempts, "retry_in", wait.String(), "error", err)
	}

	err := backoff.RetryNotify(op, d.newBackOff(ctx, maxRetries), notify)
	if err != nil {
		d.logger.Warn("delivery failed", "batch_id", r.id, "client_id", j.record.ID, "attempts", attempts, "error", err)
		d.record(r, j, DeliveryResult{Status: DeliveryFailed, Error: err.Error(), Attempts: attempts})
		return
	}

	d.record(r, j, DeliveryResult{Status: DeliverySent, MessageID: sent.MessageID, Attempts: attempts})
	if d.recorder != nil {
		if err := d.recorder.RecordOutbound(ctx, j.record, j.text, sent); err != nil {
			d.logger.Warn("failed to record outbound reminder", "batch_id", r.id, "client_id", j.record.ID, "error", err)
		}
	}
}

func (d *Dispatcher) record(r *run, j job, res DeliveryResult) {
	res.ClientID = j.record.ID
	res.Phone = j.record.Phone
	r.record(j.index, res)
	d.metrics.ObserveDelivery(res.Status, res.Attempts)
}

func (d *Dispatcher) finish(ctx context.Context, r *run) {
	final := r.complete(d.now().UTC())
	d.persist(ctx, final)

	d.mu.Lock()
	d.last = r
	d.mu.Unlock()
	d.active.CompareAndSwap(r, nil)
	d.metrics.BatchFinished(string(final.Status))
	close(r.done)

	d.logger.Info("batch finished", "batch_id", final.ID, "status", final.Status,
		"successful", final.Successful, "failed", final.Failed, "total", final.Total)
}

func (d *Dispatcher) persist(ctx context.Context, b Batch) {
	if err := d.store.Save(ctx, b); err != nil {
		d.logger.Error("failed to persist batch", "batch_id", b.ID, "status", b.Status, "error", err)
	}
}
