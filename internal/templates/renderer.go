package templates

import (
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/wolfman30/payreminder/internal/clients"
)

const (
	dateLayout   = "2006-01-02"
	dateLayoutBR = "02/01/2006"
	timeLayout   = "15:04"
)

// Renderer resolves placeholders. Rendering is pure: the same template and
// values always produce the same text.
type Renderer struct {
	printer        *message.Printer
	currencySymbol string
	location       *time.Location
}

// Option customizes a Renderer.
type Option func(*Renderer)

// WithLocale selects number formatting (decimal and grouping separators).
func WithLocale(tag string) Option {
	return func(r *Renderer) {
		parsed, err := language.Parse(strings.TrimSpace(tag))
		if err != nil {
			return
		}
		r.printer = message.NewPrinter(parsed)
	}
}

// WithCurrencySymbol prefixes rendered amounts, e.g. "R$".
func WithCurrencySymbol(symbol string) Option {
	return func(r *Renderer) {
		r.currencySymbol = strings.TrimSpace(symbol)
	}
}

// WithLocation sets the zone used for {current_date} and {current_time}.
func WithLocation(loc *time.Location) Option {
	return func(r *Renderer) {
		if loc != nil {
			r.location = loc
		}
	}
}

// NewRenderer builds a renderer; defaults to pt-BR formatting in UTC.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{
		printer:  message.NewPrinter(language.BrazilianPortuguese),
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RenderStrict fails with *RenderError when any placeholder lacks a value.
func (r *Renderer) RenderStrict(t Template, values Values) (string, error) {
	out, missing := r.render(t, values)
	if len(missing) > 0 {
		return "", &RenderError{Template: t.Name, Missing: missing}
	}
	return out, nil
}

// Render substitutes what it can and leaves unresolved placeholders verbatim.
func (r *Renderer) Render(t Template, values Values) string {
	out, _ := r.render(t, values)
	return out
}

func (r *Renderer) render(t Template, values Values) (string, []string) {
	var missing []string
	seen := map[string]struct{}{}
	out := placeholderPattern.ReplaceAllStringFunc(t.Body, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := values[name]; ok && v != "" {
			return v
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			missing = append(missing, name)
		}
		return token
	})
	return out, missing
}

// FormatAmount renders cents with two decimals using the locale separators.
func (r *Renderer) FormatAmount(cents int64) string {
	formatted := r.printer.Sprint(number.Decimal(float64(cents)/100, number.Scale(2)))
	if r.currencySymbol == "" {
		return formatted
	}
	return r.currencySymbol + " " + formatted
}

// ClientValues builds the standard placeholder set for a recipient.
func (r *Renderer) ClientValues(rec clients.Record, now time.Time) Values {
	now = now.In(r.location)
	v := Values{
		"name":            rec.Name,
		"phone":           rec.Phone,
		"amount":          r.FormatAmount(rec.AmountCents),
		"description":     rec.Description,
		"current_date":    now.Format(dateLayout),
		"current_date_br": now.Format(dateLayoutBR),
		"current_time":    now.Format(timeLayout),
	}
	if rec.DueDate != nil {
		v["due_date"] = rec.DueDate.Format(dateLayout)
		v["due_date_br"] = rec.DueDate.Format(dateLayoutBR)
	}
	return v
}

// FormatDate renders a date in the canonical YYYY-MM-DD form.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}
