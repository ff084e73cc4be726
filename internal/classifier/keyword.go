// Package classifier provides intent classifiers for inbound payment
// conversations: a deterministic keyword matcher and LLM-backed adapters.
package classifier

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wolfman30/payreminder/internal/conversation"
)

// IntentUnknown is returned when no keyword matches.
const IntentUnknown = "desconhecido"

var (
	datePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}(?:/\d{4})?)\b`)
	amountPattern = regexp.MustCompile(`(?i)(?:r\$\s*)?(\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?|\d+(?:[.,]\d{1,2})?)`)
)

// KeywordClassifier labels messages by counting keyword hits per intent.
// Accents and case are ignored.
type KeywordClassifier struct {
	keywords map[string][]string
}

// NewKeywordClassifier uses the built-in pt-BR vocabulary.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{keywords: map[string][]string{
		conversation.IntentPaymentConfirmation: {
			"ja paguei", "paguei", "pago", "pagamento feito", "pagamento realizado", "comprovante",
			"transferi", "depositei", "quitei", "fiz o pix", "mandei o pix",
		},
		conversation.IntentNegotiation: {
			"parcelar", "parcela", "negociar", "negociacao", "desconto", "prazo", "posso pagar",
			"consigo pagar", "semana que vem", "mes que vem", "proposta", "acordo",
		},
		"saudacao": {"bom dia", "boa tarde", "boa noite", "ola", "oi"},
		"duvida":   {"qual valor", "quanto", "nao entendi", "que cobranca", "boleto", "segunda via"},
	}}
}

func (c *KeywordClassifier) Classify(_ context.Context, text string, _ []conversation.Message) (conversation.Classification, error) {
	normalized := fold(text)
	type score struct {
		intent string
		hits   int
	}
	var scores []score
	for intent, words := range c.keywords {
		hits := 0
		for _, w := range words {
			if containsWord(normalized, w) {
				hits++
			}
		}
		if hits > 0 {
			scores = append(scores, score{intent: intent, hits: hits})
		}
	}
	if len(scores) == 0 {
		return conversation.Classification{Intent: IntentUnknown, Confidence: 0.2}, nil
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].hits != scores[j].hits {
			return scores[i].hits > scores[j].hits
		}
		return priority(scores[i].intent) < priority(scores[j].intent)
	})

	best := scores[0]
	confidence := 0.6 + 0.15*float64(best.hits-1)
	if confidence > 0.95 {
		confidence = 0.95
	}
	if len(scores) > 1 && scores[1].hits == best.hits && priority(scores[1].intent) < 2 {
		// Competing business intents with equal weight.
		confidence = 0.4
	}
	out := conversation.Classification{Intent: best.intent, Confidence: confidence}
	if best.intent == conversation.IntentNegotiation {
		out.Entities = extractEntities(text)
	}
	return out, nil
}

func priority(intent string) int {
	switch intent {
	case conversation.IntentPaymentConfirmation:
		return 0
	case conversation.IntentNegotiation:
		return 1
	default:
		return 2
	}
}

// extractEntities pulls the first date and the first amount from text.
func extractEntities(text string) map[string]string {
	entities := map[string]string{}
	rest := text
	if loc := datePattern.FindStringIndex(rest); loc != nil {
		entities[conversation.EntityDate] = rest[loc[0]:loc[1]]
		rest = rest[:loc[0]] + " " + rest[loc[1]:]
	}
	if m := amountPattern.FindStringSubmatch(rest); m != nil {
		entities[conversation.EntityAmount] = m[1]
	}
	if len(entities) == 0 {
		return nil
	}
	return entities
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func containsWord(haystack, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		if boundary(haystack, start-1) && boundary(haystack, end) {
			return true
		}
		idx = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
