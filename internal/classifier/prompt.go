package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/payreminder/internal/conversation"
)

const systemPrompt = `Você classifica respostas de clientes a lembretes de cobrança enviados por chat.
Responda SOMENTE com um objeto JSON no formato:
{"intent": "<intent>", "confidence": <0.0-1.0>, "entities": {"amount": "<valor>", "date": "<data>"}}
Intents possíveis:
- "confirmacao_pagamento": o cliente afirma que já pagou ou enviou comprovante.
- "negociacao": o cliente propõe novo valor, parcelamento ou nova data.
- "duvida": o cliente pergunta sobre a cobrança.
- "saudacao": cumprimento sem conteúdo sobre a cobrança.
- "outro": qualquer outra coisa.
Inclua "entities" apenas quando o cliente mencionar valor ou data. Datas no formato AAAA-MM-DD ou DD/MM.`

// buildPrompt renders the recent history and the message to classify.
func buildPrompt(text string, history []conversation.Message) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Histórico recente:\n")
		for _, m := range history {
			who := "Cliente"
			if m.Direction == conversation.DirectionOut {
				who = "Empresa"
			}
			fmt.Fprintf(&b, "%s: %s\n", who, strings.TrimSpace(m.Text))
		}
		b.WriteString("\n")
	}
	b.WriteString("Mensagem a classificar:\n")
	b.WriteString(strings.TrimSpace(text))
	return b.String()
}

type verdict struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
}

// parseVerdict extracts the JSON object from a model reply.
func parseVerdict(raw string) (conversation.Classification, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return conversation.Classification{}, errors.New("classifier: model reply has no JSON object")
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return conversation.Classification{}, fmt.Errorf("classifier: decode model reply: %w", err)
	}
	v.Intent = strings.ToLower(strings.TrimSpace(v.Intent))
	if v.Intent == "" {
		return conversation.Classification{}, errors.New("classifier: model reply missing intent")
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	out := conversation.Classification{Intent: v.Intent, Confidence: v.Confidence}
	for key, value := range v.Entities {
		var s string
		switch val := value.(type) {
		case string:
			s = strings.TrimSpace(val)
		case float64:
			s = fmt.Sprintf("%.2f", val)
		}
		if s == "" {
			continue
		}
		if out.Entities == nil {
			out.Entities = map[string]string{}
		}
		out.Entities[strings.ToLower(key)] = s
	}
	return out, nil
}
