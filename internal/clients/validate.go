package clients

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValidationResult summarizes a candidate recipient list.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Accepted []Record `json:"accepted"`
	Stats    Stats    `json:"stats"`
}

// Stats describes the accepted records.
type Stats struct {
	Count         int `json:"count"`
	EstimatedSize int `json:"estimated_size"`
}

// ValidationError carries every problem found in an upload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "clients: validation failed"
	}
	return "clients: validation failed: " + strings.Join(e.Problems, "; ")
}

// Err returns a *ValidationError when the result is not valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Problems: append([]string(nil), r.Errors...)}
}

// Validate checks raw decoded records. It never mutates its input and is
// deterministic: validating the same input twice yields the same result.
func Validate(raw []map[string]any) ValidationResult {
	res := ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
		Accepted: []Record{},
	}
	if len(raw) == 0 {
		res.Errors = append(res.Errors, "no client records provided")
		return res
	}

	seenIDs := make(map[string]int, len(raw))
	seenPhones := make(map[string]string, len(raw))
	for i, item := range raw {
		pos := i + 1
		rec, problems := parseRecord(item)
		if len(problems) > 0 {
			for _, p := range problems {
				res.Errors = append(res.Errors, fmt.Sprintf("record %d%s: %s", pos, idLabel(rec.ID), p))
			}
			continue
		}
		if first, dup := seenIDs[rec.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("record %d%s: duplicate id (first seen at record %d)", pos, idLabel(rec.ID), first))
			continue
		}
		seenIDs[rec.ID] = pos
		if otherID, dup := seenPhones[rec.Phone]; dup {
			res.Warnings = append(res.Warnings, fmt.Sprintf("record %d%s: phone %s also used by id %q", pos, idLabel(rec.ID), rec.Phone, otherID))
		} else {
			seenPhones[rec.Phone] = rec.ID
		}
		res.Accepted = append(res.Accepted, rec)
	}

	res.Stats.Count = len(res.Accepted)
	res.Stats.EstimatedSize = estimateSize(res.Accepted)
	res.Valid = len(res.Errors) == 0
	return res
}

func idLabel(id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf(" (id %q)", id)
}

func parseRecord(item map[string]any) (Record, []string) {
	var rec Record
	var problems []string

	id, ok := stringField(item, "id", true)
	switch {
	case !ok:
		problems = append(problems, "id must be a string")
	case id == "":
		problems = append(problems, "missing id")
	}
	rec.ID = id

	name, ok := stringField(item, "name", false)
	switch {
	case !ok:
		problems = append(problems, "name must be a string")
	case name == "":
		problems = append(problems, "missing name")
	}
	rec.Name = name

	rawPhone, ok := stringField(item, "phone", true)
	switch {
	case !ok:
		problems = append(problems, "phone must be a string")
	case rawPhone == "":
		problems = append(problems, "missing phone")
	default:
		phone, valid := NormalizePhone(rawPhone)
		if !valid {
			problems = append(problems, fmt.Sprintf("invalid phone %q", rawPhone))
		}
		rec.Phone = phone
	}

	if v, present := item["amount"]; !present || v == nil {
		problems = append(problems, "missing amount")
	} else {
		cents, err := amountCents(v)
		switch {
		case err != nil:
			problems = append(problems, err.Error())
		case cents <= 0:
			problems = append(problems, "amount must be greater than zero")
		default:
			rec.AmountCents = cents
		}
	}

	if v, present := item["due_date"]; present && v != nil {
		s, isString := v.(string)
		if !isString {
			problems = append(problems, "due_date must be a YYYY-MM-DD string")
		} else if strings.TrimSpace(s) != "" {
			due, err := time.Parse(DateLayout, strings.TrimSpace(s))
			if err != nil {
				problems = append(problems, fmt.Sprintf("invalid due_date %q", s))
			} else {
				rec.DueDate = &due
			}
		}
	}

	if desc, ok := stringField(item, "description", false); ok {
		rec.Description = desc
	} else {
		problems = append(problems, "description must be a string")
	}
	return rec, problems
}

// stringField returns the trimmed field value. Numeric ids and phones are
// accepted when allowNumber is set since spreadsheets often export them so.
func stringField(item map[string]any, key string, allowNumber bool) (string, bool) {
	v, present := item[key]
	if !present || v == nil {
		return "", true
	}
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed), true
	case json.Number:
		if allowNumber {
			return typed.String(), true
		}
	case float64:
		if allowNumber && typed == math.Trunc(typed) {
			return strconv.FormatFloat(typed, 'f', -1, 64), true
		}
	}
	return "", false
}

func amountCents(v any) (int64, error) {
	var f float64
	switch typed := v.(type) {
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", typed.String())
		}
		f = parsed
	case float64:
		f = typed
	case int:
		f = float64(typed)
	case int64:
		f = float64(typed)
	default:
		return 0, fmt.Errorf("amount must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid amount")
	}
	if f <= 0 {
		return 0, nil
	}
	if f > maxAmount {
		return 0, fmt.Errorf("amount exceeds the maximum of %.0f", float64(maxAmount))
	}
	cents := int64(math.Round(f * 100))
	if cents == 0 {
		return 0, fmt.Errorf("amount %v is below one cent", f)
	}
	return cents, nil
}

// maxAmount keeps amount*100 well inside int64 and float64 integer precision.
const maxAmount = 1_000_000_000

func estimateSize(records []Record) int {
	size := 0
	for _, rec := range records {
		data, err := rec.MarshalUpload()
		if err != nil {
			continue
		}
		size += len(data)
	}
	return size
}
