// Package clients parses and validates recipient lists for payment reminders.
package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for due dates.
const DateLayout = "2006-01-02"

// Record is a validated recipient.
type Record struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	AmountCents int64      `json:"amount_cents"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Amount returns the amount in currency units.
func (r Record) Amount() float64 {
	return float64(r.AmountCents) / 100
}

// MarshalUpload renders the record back into the upload wire shape.
func (r Record) MarshalUpload() ([]byte, error) {
	out := struct {
		ID          string  `json:"id"`
		Name        string  `json:"name"`
		Phone       string  `json:"phone"`
		Amount      float64 `json:"amount"`
		DueDate     string  `json:"due_date,omitempty"`
		Description string  `json:"description,omitempty"`
	}{
		ID:          r.ID,
		Name:        r.Name,
		Phone:       r.Phone,
		Amount:      r.Amount(),
		Description: r.Description,
	}
	if r.DueDate != nil {
		out.DueDate = r.DueDate.Format(DateLayout)
	}
	return json.Marshal(out)
}

// DecodeUpload decodes a JSON array of client objects, keeping numbers exact.
func DecodeUpload(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("clients: empty upload")
	}
	if trimmed[0] != '[' {
		return nil, fmt.Errorf("clients: upload must be a JSON array")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("clients: decode upload: %w", err)
	}
	return raw, nil
}

// NormalizePhone strips formatting characters and returns the digits of an
// E.164-like number. A single leading '+' is allowed.
func NormalizePhone(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	value = strings.TrimPrefix(value, "+")
	var digits strings.Builder
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	d := digits.String()
	if len(d) < 10 || len(d) > 15 {
		return "", false
	}
	return d, true
}
