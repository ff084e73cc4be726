package conversation

import (
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/payreminder/internal/templates"
)

// EscalationAck is the only reply sent when a conversation is escalated.
const EscalationAck = "Recebemos sua mensagem e vamos encaminhá-la para um atendente. Em breve entraremos em contato."

// ReplySet holds the reply template for each state plus a placeholder-free
// fallback used when the context lacks a value the template needs.
type ReplySet struct {
	Templates map[State]templates.Template
	Fallbacks map[State]string
}

// DefaultReplies are the pt-BR replies.
func DefaultReplies() ReplySet {
	return ReplySet{
		Templates: map[State]templates.Template{
			StateAwaitingIntent: {Name: "reply_awaiting_intent", Body: "Olá, {name}! Sobre a cobrança de {amount}: você já realizou o pagamento ou prefere negociar uma nova data?"},
			StateConfirmed:      {Name: "reply_confirmed", Body: "Obrigado, {name}! Registramos a confirmação do pagamento de {amount}. Assim que for compensado daremos baixa."},
			StateNegotiating:    {Name: "reply_negotiating", Body: "Certo, {name}. Anotamos sua proposta de {negotiated_amount} até {promised_date_br}. Um atendente vai confirmar as condições."},
		},
		Fallbacks: map[State]string{
			StateAwaitingIntent: "Olá! Você já realizou o pagamento ou prefere negociar uma nova data?",
			StateConfirmed:      "Obrigado! Registramos a confirmação do seu pagamento. Assim que for compensado daremos baixa.",
			StateNegotiating:    "Certo! Anotamos sua proposta de negociação. Um atendente vai confirmar as condições.",
		},
	}
}

func (r ReplySet) render(renderer *templates.Renderer, state State, c Context) string {
	if state == StateEscalated {
		return EscalationAck
	}
	if tmpl, ok := r.Templates[state]; ok {
		if text, err := renderer.RenderStrict(tmpl, contextValues(renderer, c)); err == nil {
			return text
		}
	}
	return r.Fallbacks[state]
}

func contextValues(renderer *templates.Renderer, c Context) templates.Values {
	v := templates.Values{"name": c.ClientName}
	if c.AmountDueCents != nil {
		v["amount"] = renderer.FormatAmount(*c.AmountDueCents)
	}
	if c.DueDate != nil {
		v["due_date"] = c.DueDate.Format("2006-01-02")
		v["due_date_br"] = c.DueDate.Format("02/01/2006")
	}
	if c.LastAmountMentionedCents != nil {
		v["negotiated_amount"] = renderer.FormatAmount(*c.LastAmountMentionedCents)
	}
	if c.PromisedDate != nil {
		v["promised_date"] = c.PromisedDate.Format("2006-01-02")
		v["promised_date_br"] = c.PromisedDate.Format("02/01/2006")
	}
	return v
}

// parseAmountCents reads amounts such as "150", "150.50", "150,50",
// "R$ 1.234,56" or "1,234.56".
func parseAmountCents(raw string) (int64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0, false
	}
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma > lastDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastDot > lastComma && lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	case lastDot >= 0 && lastComma < 0 && len(s)-lastDot-1 == 3:
		// "1.500" groups thousands in pt-BR
		s = strings.Replace(s, ".", "", 1)
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	return int64(value*100 + 0.5), true
}

// parseDate reads YYYY-MM-DD, DD/MM/YYYY or DD/MM. A day and month without a
// year resolve to the next such date on or after now.
func parseDate(raw string, now time.Time) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", "02/01/2006", "2/1/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range []string{"02/01", "2/1"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		candidate := time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if candidate.Before(today) {
			candidate = candidate.AddDate(1, 0, 0)
		}
		return candidate, true
	}
	return time.Time{}, false
}
