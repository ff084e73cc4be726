package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wolfman30/payreminder/internal/conversation"
	"github.com/wolfman30/payreminder/pkg/logging"
)

// EscalationNotifier emails operators when a conversation needs a human.
type EscalationNotifier struct {
	email      EmailSender
	recipients []string
	location   *time.Location
	logger     *logging.Logger
}

// NewEscalationNotifier sends to each address in the comma separated
// recipients list. A nil location formats times in UTC.
func NewEscalationNotifier(email EmailSender, recipients string, location *time.Location, logger *logging.Logger) *EscalationNotifier {
	if email == nil {
		panic("notify: email sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if location == nil {
		location = time.UTC
	}
	var to []string
	for _, r := range strings.Split(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	return &EscalationNotifier{
		email:      email,
		recipients: to,
		location:   location,
		logger:     logger.Component("notify"),
	}
}

// NotifyEscalation sends one email per recipient and reports every failure.
func (n *EscalationNotifier) NotifyEscalation(ctx context.Context, e conversation.Escalation) error {
	if len(n.recipients) == 0 {
		n.logger.Debug("notify: no escalation recipients configured", "phone", e.Phone)
		return nil
	}
	who := e.ClientName
	if who == "" {
		who = e.Phone
	}
	at := e.At.In(n.location).Format("02/01/2006 15:04")

	subject := fmt.Sprintf("Atendimento necessário - %s", who)
	body := fmt.Sprintf(`A conversa com %s precisa de atendimento humano.

Telefone: %s
Motivo: %s
Última mensagem: %s
Quando: %s`, who, e.Phone, e.Reason, e.LastMessage, at)

	htmlBody := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2 style="color: #d97706;">Atendimento necessário</h2>
<p>A conversa com <strong>%s</strong> precisa de atendimento humano.</p>
<table style="border-collapse: collapse; margin: 20px 0;">
  <tr><td style="padding: 8px;"><strong>Telefone:</strong></td><td style="padding: 8px;">%s</td></tr>
  <tr><td style="padding: 8px;"><strong>Motivo:</strong></td><td style="padding: 8px;">%s</td></tr>
  <tr><td style="padding: 8px;"><strong>Última mensagem:</strong></td><td style="padding: 8px;">%s</td></tr>
  <tr><td style="padding: 8px;"><strong>Quando:</strong></td><td style="padding: 8px;">%s</td></tr>
</table>
</div>`,
		html.EscapeString(who), html.EscapeString(e.Phone), html.EscapeString(e.Reason),
		html.EscapeString(e.LastMessage), at)

	var errs []error
	for _, recipient := range n.recipients {
		msg := EmailMessage{To: recipient, Subject: subject, Body: body, HTML: htmlBody}
		if err := n.email.Send(ctx, msg); err != nil {
			n.logger.Error("notify: failed to send escalation email", "error", err, "to", recipient, "phone", e.Phone)
			errs = append(errs, err)
			continue
		}
		n.logger.Info("notify: escalation email sent", "to", recipient, "phone", e.Phone)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d escalation email(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

var _ conversation.EscalationNotifier = (*EscalationNotifier)(nil)
