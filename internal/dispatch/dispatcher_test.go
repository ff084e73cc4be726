package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/payreminder/internal/clients"
	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/internal/templates"
	"github.com/wolfman30/payreminder/pkg/logging"
)

type scriptedSender struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
	block    chan struct{}
	sent     []string
	sentAt   []time.Time
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{failures: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptedSender) Send(ctx context.Context, phone, text string) (gateway.SendResult, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return gateway.SendResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[phone]++
	if queue := s.failures[phone]; len(queue) > 0 {
		err := queue[0]
		s.failures[phone] = queue[1:]
		return gateway.SendResult{}, err
	}
	s.sent = append(s.sent, phone)
	s.sentAt = append(s.sentAt, time.Now())
	return gateway.SendResult{MessageID: "msg-" + phone, Status: "success"}, nil
}

func (s *scriptedSender) callsFor(phone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phone]
}

type failingSender struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSender) Send(context.Context, string, string) (gateway.SendResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return gateway.SendResult{}, &gateway.Error{Kind: gateway.KindTransient, StatusCode: 503, Message: "down"}
}

// recoveringSender fails while down and otherwise answers after latency.
type recoveringSender struct {
	mu      sync.Mutex
	down    bool
	latency time.Duration
	calls   int
}

func (r *recoveringSender) setDown(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

func (r *recoveringSender) Send(ctx context.Context, phone, _ string) (gateway.SendResult, error) {
	r.mu.Lock()
	r.calls++
	down := r.down
	r.mu.Unlock()
	if down {
		return gateway.SendResult{}, &gateway.Error{Kind: gateway.KindTransient, StatusCode: 503, Message: "down"}
	}
	select {
	case <-time.After(r.latency):
	case <-ctx.Done():
		return gateway.SendResult{}, gateway.Transient(ctx.Err())
	}
	return gateway.SendResult{MessageID: "msg-" + phone, Status: "success"}, nil
}

type recordedOutbound struct {
	clientID string
	text     string
	msgID    string
}

type stubRecorder struct {
	mu   sync.Mutex
	seen []recordedOutbound
}

func (r *stubRecorder) RecordOutbound(_ context.Context, rec clients.Record, text string, res gateway.SendResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedOutbound{clientID: rec.ID, text: text, msgID: res.MessageID})
	return nil
}

func testClients(n int) []clients.Record {
	out := make([]clients.Record, n)
	for i := range out {
		out[i] = clients.Record{
			ID:          fmt.Sprintf("c%d", i+1),
			Name:        fmt.Sprintf("Cliente %d", i+1),
			Phone:       fmt.Sprintf("55119000000%02d", i+1),
			AmountCents: int64(10000 + i),
		}
	}
	return out
}

var reminder = templates.Template{Name: "lembrete", Body: "Olá {name}, sua fatura de {amount} está pendente."}

func testDispatcher(sender gateway.Sender, opts ...Option) *Dispatcher {
	cfg := Config{
		Delay:          time.Millisecond,
		Concurrency:    3,
		MaxRetries:     2,
		SendTimeout:    time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
	return New(sender, templates.NewRenderer(templates.WithCurrencySymbol("R$")), cfg, logging.New("error"), opts...)
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	sender := newScriptedSender()
	list := testClients(10)
	unavailable := &gateway.Error{Kind: gateway.KindTransient, StatusCode: 503, Message: "unavailable"}
	sender.failures[list[3].Phone] = []error{unavailable, unavailable}
	recorder := &stubRecorder{}

	d := testDispatcher(sender, WithRecorder(recorder))
	h, err := d.Start(context.Background(), StartRequest{
		Clients:     list,
		Template:    reminder,
		Delay:       time.Millisecond,
		Concurrency: 3,
		MaxRetries:  2,
	})
	require.NoError(t, err)
	waitDone(t, h)

	b, ok := d.Status()
	require.True(t, ok)
	assert.Equal(t, h.ID, b.ID)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, 10, b.Total)
	assert.Equal(t, 10, b.Processed)
	assert.Equal(t, 10, b.Successful)
	assert.Equal(t, 0, b.Failed)
	require.Len(t, b.Results, 10)
	assert.Equal(t, "c4", b.Results[3].ClientID)
	assert.Equal(t, 3, b.Results[3].Attempts)
	assert.Equal(t, 1, b.Results[0].Attempts)
	assert.Equal(t, 3, sender.callsFor(list[3].Phone))
	assert.NotNil(t, b.FinishedAt)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Len(t, recorder.seen, 10)
	for _, seen := range recorder.seen {
		assert.Contains(t, seen.text, "R$")
		assert.NotEmpty(t, seen.msgID)
	}
}

func TestDispatcherPermanentFailureNotRetried(t *testing.T) {
	sender := newScriptedSender()
	list := testClients(3)
	sender.failures[list[1].Phone] = []error{gateway.Permanent(errors.New("invalid recipient"))}

	d := testDispatcher(sender)
	h, err := d.Start(context.Background(), StartRequest{Clients: list, Template: reminder, MaxRetries: 3})
	require.NoError(t, err)
	waitDone(t, h)

	b, _ := d.Status()
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, 2, b.Successful)
	assert.Equal(t, 1, b.Failed)
	assert.Equal(t, DeliveryFailed, b.Results[1].Status)
	assert.Equal(t, 1, b.Results[1].Attempts)
	assert.Contains(t, b.Results[1].Error, "invalid recipient")
	assert.Equal(t, 1, sender.callsFor(list[1].Phone))
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	sender := newScriptedSender()
	list := testClients(2)
	transient := gateway.Transient(errors.New("timeout"))
	sender.failures[list[0].Phone] = []error{transient, transient, transient, transient}

	d := testDispatcher(sender)
	h, err := d.Start(context.Background(), StartRequest{Clients: list, Template: reminder, MaxRetries: 2})
	require.NoError(t, err)
	waitDone(t, h)

	b, _ := d.Status()
	assert.Equal(t, StatusCompleted, b.Status, "per-client failures do not fail the batch")
	assert.Equal(t, 1, b.Failed)
	assert.Equal(t, 3, b.Results[0].Attempts)
	assert.Equal(t, 3, sender.callsFor(list[0].Phone))
}

func TestDispatcherConcurrentStartConflict(t *testing.T) {
	sender := newScriptedSender()
	sender.block = make(chan struct{})
	d := testDispatcher(sender)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		handles   []*Handle
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := d.Start(context.Background(), StartRequest{Clients: testClients(2), Template: reminder})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var conflict *ConflictError
				if errors.As(err, &conflict) && errors.Is(err, ErrConflict) {
					conflicts++
				}
				return
			}
			handles = append(handles, h)
		}()
	}
	wg.Wait()
	require.Len(t, handles, 1)
	assert.Equal(t, callers-1, conflicts)

	b, ok := d.Status()
	require.True(t, ok)
	assert.Equal(t, StatusRunning, b.Status)

	_, err := d.Start(context.Background(), StartRequest{Clients: testClients(1), Template: reminder})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, handles[0].ID, conflict.ActiveBatchID)

	close(sender.block)
	waitDone(t, handles[0])

	h, err := d.Start(context.Background(), StartRequest{Clients: testClients(1), Template: reminder})
	require.NoError(t, err, "slot released after completion")
	waitDone(t, h)
}

func TestDispatcherSnapshotsNeverTear(t *testing.T) {
	sender := newScriptedSender()
	list := testClients(30)
	for i := 0; i < len(list); i += 4 {
		sender.failures[list[i].Phone] = []error{gateway.Permanent(errors.New("blocked"))}
	}
	d := testDispatcher(sender)
	h, err := d.Start(context.Background(), StartRequest{Clients: list, Template: reminder, Concurrency: 5})
	require.NoError(t, err)

	last := 0
	for done := false; !done; {
		select {
		case <-h.Done():
			done = true
		default:
		}
		b, ok := d.Status()
		require.True(t, ok)
		require.Equal(t, b.Processed, b.Successful+b.Failed)
		require.Len(t, b.Results, b.Processed)
		require.GreaterOrEqual(t, b.Processed, last)
		last = b.Processed
	}

	b, _ := d.Status()
	assert.Equal(t, 30, b.Processed)
	assert.Equal(t, 8, b.Failed)
	assert.Equal(t, 22, b.Successful)
	assert.Equal(t, float64(100), b.View().ProgressPercentage)
}

func TestDispatcherFailsBatchWhenGatewayUnreachable(t *testing.T) {
	down := &failingSender{}
	breaker := gateway.NewBreakerSender(down, gateway.BreakerConfig{Trips: 2, Cooldown: time.Minute, Logger: logging.New("error")})
	d := testDispatcher(breaker)

	h, err := d.Start(context.Background(), StartRequest{Clients: testClients(4), Template: reminder, Concurrency: 1, MaxRetries: 5})
	require.NoError(t, err)
	waitDone(t, h)

	b, _ := d.Status()
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, 4, b.Processed)
	assert.Equal(t, 4, b.Failed)
	assert.Equal(t, 0, b.Successful)
	for _, res := range b.Results {
		assert.Equal(t, unreachableReason, res.Error)
	}
	down.mu.Lock()
	assert.Equal(t, 2, down.calls)
	down.mu.Unlock()
}

func TestDispatcherCompletesAfterGatewayRecovers(t *testing.T) {
	inner := &recoveringSender{down: true, latency: 10 * time.Millisecond}
	breaker := gateway.NewBreakerSender(inner, gateway.BreakerConfig{Trips: 1, Cooldown: 20 * time.Millisecond, Logger: logging.New("error")})

	_, err := breaker.Send(context.Background(), "5511900000099", "ping")
	require.Error(t, err)
	require.True(t, breaker.Open())

	inner.setDown(false)
	time.Sleep(40 * time.Millisecond)

	d := testDispatcher(breaker)
	h, err := d.Start(context.Background(), StartRequest{Clients: testClients(6), Template: reminder, Concurrency: 3, MaxRetries: 10})
	require.NoError(t, err)
	waitDone(t, h)

	b, _ := d.Status()
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, 6, b.Successful)
	assert.Equal(t, 0, b.Failed)
}

func TestRunCompleteIgnoresFaultOnceDelivered(t *testing.T) {
	r := newRun("b1", "lembrete", 2, time.Now())
	r.record(0, DeliveryResult{Status: DeliverySent})
	r.mu.Lock()
	r.faulted = true
	r.mu.Unlock()
	r.record(1, DeliveryResult{Status: DeliveryFailed, Error: unreachableReason})

	b := r.complete(time.Now())
	assert.Equal(t, StatusCompleted, b.Status)

	empty := newRun("b2", "lembrete", 1, time.Now())
	require.True(t, empty.markFaultedIfNoSuccess())
	empty.record(0, DeliveryResult{Status: DeliveryFailed, Error: unreachableReason})
	assert.Equal(t, StatusFailed, empty.complete(time.Now()).Status)
}

func TestDispatcherSpacesSendsPerWorker(t *testing.T) {
	const delay = 50 * time.Millisecond
	sender := newScriptedSender()
	d := testDispatcher(sender)
	h, err := d.Start(context.Background(), StartRequest{Clients: testClients(4), Template: reminder, Concurrency: 1, Delay: delay})
	require.NoError(t, err)
	waitDone(t, h)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sentAt, 4)
	for i := 1; i < len(sender.sentAt); i++ {
		gap := sender.sentAt[i].Sub(sender.sentAt[i-1])
		// a few ms of slack for the clock read after the limiter releases
		assert.GreaterOrEqual(t, gap, delay-3*time.Millisecond, "gap %d", i)
	}
}

func TestDispatcherRejectsUnrenderableBatch(t *testing.T) {
	sender := newScriptedSender()
	d := testDispatcher(sender)
	tmpl := templates.Template{Name: "vencimento", Body: "Olá {name}, vence em {due_date}."}

	_, err := d.Start(context.Background(), StartRequest{Clients: testClients(2), Template: tmpl})
	var verr *clients.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
	assert.Contains(t, verr.Problems[0], "due_date")

	_, ok := d.Status()
	assert.False(t, ok, "no batch is created when rendering fails")

	_, err = d.Start(context.Background(), StartRequest{Template: reminder})
	require.ErrorAs(t, err, &verr)
}

func TestDispatcherLookup(t *testing.T) {
	store := NewMemoryStore()
	d := testDispatcher(newScriptedSender(), WithStore(store))
	h, err := d.Start(context.Background(), StartRequest{Clients: testClients(2), Template: reminder})
	require.NoError(t, err)
	waitDone(t, h)

	got, err := d.Lookup(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	persisted, err := store.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, persisted.Status)
	assert.Len(t, persisted.Results, 2)

	_, err = d.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchViewProgress(t *testing.T) {
	v := Batch{ID: "b1", Total: 3, Processed: 1, Successful: 1, Status: StatusRunning}.View()
	assert.Equal(t, 33.33, v.ProgressPercentage)
	assert.Equal(t, float64(0), Batch{}.View().ProgressPercentage)
}
