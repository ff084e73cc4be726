package conversation

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
	"github.com/wolfman30/payreminder/pkg/logging"
)

type stubClassifier struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, text string) (Classification, error)
	calls   []string
	history [][]Message
}

func (s *stubClassifier) Classify(ctx context.Context, text string, history []Message) (Classification, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.history = append(s.history, history)
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, text)
}

func (s *stubClassifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func fixed(intent string, confidence float64) *stubClassifier {
	return &stubClassifier{fn: func(context.Context, string) (Classification, error) {
		return Classification{Intent: intent, Confidence: confidence}, nil
	}}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) Send(_ context.Context, phone, text string) (gateway.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return gateway.SendResult{}, r.err
	}
	r.sent = append(r.sent, text)
	return gateway.SendResult{MessageID: fmt.Sprintf("out-%d", len(r.sent)), Status: "success"}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type stubNotifier struct {
	mu          sync.Mutex
	escalations []Escalation
}

func (n *stubNotifier) NotifyEscalation(_ context.Context, e Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, e)
	return nil
}

var testNow = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func newTestOrchestrator(c Classifier, s gateway.Sender, opts ...Option) *Orchestrator {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(c, s, Config{ClassifierTimeout: time.Second, ReplyTimeout: time.Second}, logging.New("error"), opts...)
}

func submitAndWait(t *testing.T, o *Orchestrator, msg InboundMessage) Conversation {
	t.Helper()
	require.NoError(t, o.Submit(context.Background(), msg))
	o.Wait()
	conv, err := o.Get(context.Background(), msg.Phone)
	require.NoError(t, err)
	return conv
}

func TestPaymentConfirmationMovesToConfirmed(t *testing.T) {
	sender := &recordingSender{}
	o := newTestOrchestrator(fixed(IntentPaymentConfirmation, 0.92), sender)

	conv := submitAndWait(t, o, InboundMessage{Phone: "5511999990001", Text: "já paguei", ProviderMessageID: "in-1"})

	assert.Equal(t, StateConfirmed, conv.State)
	assert.True(t, conv.Context.PaymentConfirmed)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, DirectionIn, conv.Messages[0].Direction)
	assert.Equal(t, IntentPaymentConfirmation, conv.Messages[0].Intent)
	require.NotNil(t, conv.Messages[0].Confidence)
	assert.InDelta(t, 0.92, *conv.Messages[0].Confidence, 1e-9)
	assert.Equal(t, DirectionOut, conv.Messages[1].Direction)
	assert.Equal(t, DeliverySent, conv.Messages[1].DeliveryStatus)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, testNow, conv.UpdatedAt)
}

func TestLowConfidenceEscalatesWithAcknowledgement(t *testing.T) {
	for _, intent := range []string{IntentPaymentConfirmation, IntentNegotiation, "saudacao", ""} {
		t.Run("intent="+intent, func(t *testing.T) {
			sender := &recordingSender{}
			notifier := &stubNotifier{}
			o := newTestOrchestrator(fixed(intent, 0.3), sender, WithEscalationNotifier(notifier))

			conv := submitAndWait(t, o, InboundMessage{Phone: "5511999990002", Text: "hmm talvez"})

			assert.Equal(t, StateEscalated, conv.State)
			assert.False(t, conv.Context.PaymentConfirmed)
			require.Len(t, conv.Messages, 2)
			assert.Equal(t, EscalationAck, conv.Messages[1].Text)
			assert.Contains(t, conv.Context.EscalationReason, "low confidence")
			require.Len(t, notifier.escalations, 1)
			assert.Equal(t, "5511999990002", notifier.escalations[0].Phone)
		})
	}
}

func TestClassifierFailureEscalates(t *testing.T) {
	failing := &stubClassifier{fn: func(context.Context, string) (Classification, error) {
		return Classification{}, errors.New("model unavailable")
	}}
	o := newTestOrchestrator(failing, &recordingSender{})
	conv := submitAndWait(t, o, InboundMessage{Phone: "5511999990003", Text: "oi"})
	assert.Equal(t, StateEscalated, conv.State)
	assert.Contains(t, conv.Context.EscalationReason, "model unavailable")
	assert.Empty(t, conv.Messages[0].Intent)
}

func TestClassifierTimeoutEscalates(t *testing.T) {
	slow := &stubClassifier{fn: func(ctx context.Context, _ string) (Classification, error) {
		<-ctx.Done()
		return Classification{}, ctx.Err()
	}}
	o := New(slow, &recordingSender{}, Config{ClassifierTimeout: 20 * time.Millisecond}, logging.New("error"))
	conv := submitAndWait(t, o, InboundMessage{Phone: "5511999990004", Text: "oi"})
	assert.Equal(t, StateEscalated, conv.State)
	assert.Equal(t, EscalationAck, conv.Messages[1].Text)
}

func TestNegotiationRecordsEntitiesAndRendersReply(t *testing.T) {
	classifier := &stubClassifier{fn: func(context.Context, string) (Classification, error) {
		return Classification{Intent: IntentNegotiation, Confidence: 0.81, Entities: map[string]string{
			EntityAmount: "150,00",
			EntityDate:   "20/03",
		}}, nil
	}}
	sender := &recordingSender{}
	o := newTestOrchestrator(classifier, sender)
	due := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	rec := clients.Record{ID: "c1", Name: "Ana", Phone: "5511999990005", AmountCents: 30000, DueDate: &due}
	require.NoError(t, o.RecordOutbound(context.Background(), rec, "Olá Ana, sua fatura venceu.", gateway.SendResult{MessageID: "rem-1"}))

	conv := submitAndWait(t, o, InboundMessage{Phone: rec.Phone, Text: "posso pagar 150 dia 20/03?"})

	assert.Equal(t, StateNegotiating, conv.State)
	require.NotNil(t, conv.Context.LastAmountMentionedCents)
	assert.Equal(t, int64(15000), *conv.Context.LastAmountMentionedCents)
	require.NotNil(t, conv.Context.PromisedDate)
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), *conv.Context.PromisedDate)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "Certo, Ana. Anotamos sua proposta de R$ 150,00 até 20/03/2026. Um atendente vai confirmar as condições.", conv.Messages[2].Text)
}

func TestNegotiationReadsThousandsGrouping(t *testing.T) {
	classifier := &stubClassifier{fn: func(context.Context, string) (Classification, error) {
		return Classification{Intent: IntentNegotiation, Confidence: 0.9, Entities: map[string]string{
			EntityAmount: "1.500",
			EntityDate:   "20/11",
		}}, nil
	}}
	o := newTestOrchestrator(classifier, &recordingSender{})
	due := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	rec := clients.Record{ID: "c2", Name: "Ana", Phone: "5511999990015", AmountCents: 300000, DueDate: &due}
	require.NoError(t, o.RecordOutbound(context.Background(), rec, "lembrete", gateway.SendResult{MessageID: "rem-2"}))

	conv := submitAndWait(t, o, InboundMessage{Phone: rec.Phone, Text: "posso pagar 1.500 no dia 20/11"})

	require.NotNil(t, conv.Context.LastAmountMentionedCents)
	assert.Equal(t, int64(150000), *conv.Context.LastAmountMentionedCents)
	require.Len(t, conv.Messages, 3)
	assert.Contains(t, conv.Messages[2].Text, "R$ 1.500,00")
}

func TestRecordOutboundSeedsContext(t *testing.T) {
	o := newTestOrchestrator(fixed("saudacao", 0.9), &recordingSender{})
	rec := clients.Record{ID: "c9", Name: "Bea", Phone: "5511999990006", AmountCents: 12345}
	require.NoError(t, o.RecordOutbound(context.Background(), rec, "lembrete", gateway.SendResult{MessageID: "rem-9"}))

	conv, err := o.Get(context.Background(), rec.Phone)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingIntent, conv.State)
	assert.Equal(t, "c9", conv.Context.ClientID)
	require.NotNil(t, conv.Context.AmountDueCents)
	assert.Equal(t, int64(12345), *conv.Context.AmountDueCents)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "rem-9", conv.Messages[0].ProviderMessageID)

	conv = submitAndWait(t, o, InboundMessage{Phone: rec.Phone, Text: "bom dia"})
	assert.Equal(t, StateAwaitingIntent, conv.State)
	assert.Equal(t, "Olá, Bea! Sobre a cobrança de R$ 123,45: você já realizou o pagamento ou prefere negociar uma nova data?", conv.Messages[2].Text)
}

func TestClosedConversationRecordsWithoutReply(t *testing.T) {
	classifier := fixed(IntentPaymentConfirmation, 0.95)
	sender := &recordingSender{}
	o := newTestOrchestrator(classifier, sender)
	phone := "5511999990007"
	submitAndWait(t, o, InboundMessage{Phone: phone, Text: "paguei"})

	closed, err := o.Close(context.Background(), phone, "quitado")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State)
	assert.Equal(t, "quitado", closed.Context.ClosedReason)

	conv := submitAndWait(t, o, InboundMessage{Phone: phone, Text: "obrigado"})
	assert.Equal(t, StateClosed, conv.State)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "obrigado", conv.Messages[2].Text)
	assert.Equal(t, 1, classifier.callCount())
	assert.Equal(t, 1, sender.count())

	again, err := o.Close(context.Background(), phone, "outro motivo")
	require.NoError(t, err)
	assert.Equal(t, "quitado", again.Context.ClosedReason)

	_, err = o.Close(context.Background(), "5511000000000", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayedProviderMessageIsNoop(t *testing.T) {
	sender := &recordingSender{}
	o := newTestOrchestrator(fixed(IntentPaymentConfirmation, 0.9), sender)
	msg := InboundMessage{Phone: "5511999990008", Text: "já paguei", ProviderMessageID: "dup-1"}
	first := submitAndWait(t, o, msg)
	second := submitAndWait(t, o, msg)
	assert.Equal(t, len(first.Messages), len(second.Messages))
	assert.Equal(t, 1, sender.count())
}

func TestPerPhoneOrderingAndIsolation(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight = map[string]int{}
		overlap  bool
	)
	classifier := &stubClassifier{}
	classifier.fn = func(ctx context.Context, text string) (Classification, error) {
		phone := text[:13]
		mu.Lock()
		inFlight[phone]++
		if inFlight[phone] > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight[phone]--
		mu.Unlock()
		return Classification{Intent: "saudacao", Confidence: 0.9}, nil
	}
	o := newTestOrchestrator(classifier, &recordingSender{})

	phones := []string{"5511999991001", "5511999991002", "5511999991003"}
	const perPhone = 15
	var wg sync.WaitGroup
	for _, phone := range phones {
		wg.Add(1)
		go func(phone string) {
			defer wg.Done()
			for i := 0; i < perPhone; i++ {
				assert.NoError(t, o.Submit(context.Background(), InboundMessage{Phone: phone, Text: fmt.Sprintf("%s#%02d", phone, i)}))
			}
		}(phone)
	}
	wg.Wait()
	o.Wait()

	assert.False(t, overlap, "messages for one phone must never be processed concurrently")
	for _, phone := range phones {
		conv, err := o.Get(context.Background(), phone)
		require.NoError(t, err)
		var inbound []string
		for _, m := range conv.Messages {
			if m.Direction == DirectionIn {
				inbound = append(inbound, m.Text)
			}
		}
		require.Len(t, inbound, perPhone)
		for i, text := range inbound {
			assert.Equal(t, fmt.Sprintf("%s#%02d", phone, i), text)
		}
	}
	assert.Equal(t, 0, o.lanes.active())
}

func TestReplySendFailureIsRecorded(t *testing.T) {
	sender := &recordingSender{err: gateway.Transient(errors.New("down"))}
	o := newTestOrchestrator(fixed(IntentPaymentConfirmation, 0.9), sender)
	conv := submitAndWait(t, o, InboundMessage{Phone: "5511999990009", Text: "paguei"})
	assert.Equal(t, StateConfirmed, conv.State)
	assert.Equal(t, DeliveryFailed, conv.Messages[1].DeliveryStatus)
}

func TestSubmitRequiresPhone(t *testing.T) {
	o := newTestOrchestrator(fixed("x", 1), &recordingSender{})
	assert.Error(t, o.Submit(context.Background(), InboundMessage{Text: "oi"}))
	_, err := o.Get(context.Background(), "5511999990010")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Save(context.Context, Conversation, []Message) error {
	return errors.New("db down")
}

func TestProcessWaitsForOutcome(t *testing.T) {
	sender := &recordingSender{}
	o := newTestOrchestrator(fixed(IntentPaymentConfirmation, 0.9), sender)

	require.NoError(t, o.Process(context.Background(), InboundMessage{Phone: "5511999990011", Text: "paguei", ProviderMessageID: "in-11"}))
	assert.Equal(t, 1, sender.count())
	conv, err := o.Get(context.Background(), "5511999990011")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, conv.State)

	failing := newTestOrchestrator(fixed(IntentPaymentConfirmation, 0.9), &recordingSender{},
		WithStore(failingStore{MemoryStore: NewMemoryStore()}))
	assert.Error(t, failing.Process(context.Background(), InboundMessage{Phone: "5511999990012", Text: "paguei"}))
	assert.Error(t, failing.Process(context.Background(), InboundMessage{Text: "paguei"}))
}
