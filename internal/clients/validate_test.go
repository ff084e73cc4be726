package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) []map[string]any {
	t.Helper()
	raw, err := DecodeUpload([]byte(body))
	require.NoError(t, err)
	return raw
}

func TestValidateRejectsInvalidPhone(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"5511999990001","amount":100.0},{"id":"2","name":"Bea","phone":"abc","amount":50.0}]`)

	res := Validate(raw)

	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], `id "2"`)
	assert.Contains(t, res.Errors[0], "invalid phone")
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "1", res.Accepted[0].ID)
	assert.Equal(t, int64(10000), res.Accepted[0].AmountCents)
	assert.Equal(t, 1, res.Stats.Count)
	assert.Greater(t, res.Stats.EstimatedSize, 0)
	assert.Error(t, res.Err())
}

func TestValidateRequiredFields(t *testing.T) {
	raw := decode(t, `[{"name":"Ana","phone":"5511999990001","amount":10},{"id":"2","phone":"5511999990002","amount":10},{"id":"3","name":"Caio","amount":10},{"id":"4","name":"Duda","phone":"5511999990004"}]`)

	res := Validate(raw)

	assert.False(t, res.Valid)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Errors, 4)
	assert.Contains(t, res.Errors[0], "missing id")
	assert.Contains(t, res.Errors[1], "missing name")
	assert.Contains(t, res.Errors[2], "missing phone")
	assert.Contains(t, res.Errors[3], "missing amount")
}

func TestValidateAmountMustBePositive(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"5511999990001","amount":0},{"id":"2","name":"Bea","phone":"5511999990002","amount":-3.5},{"id":"3","name":"Caio","phone":"5511999990003","amount":"10"}]`)

	res := Validate(raw)

	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "greater than zero")
	assert.Contains(t, res.Errors[1], "greater than zero")
	assert.Contains(t, res.Errors[2], "must be a number")
}

func TestValidateAmountBounds(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"5511999990001","amount":1e300},{"id":"2","name":"Bea","phone":"5511999990002","amount":0.004},{"id":"3","name":"Caio","phone":"5511999990003","amount":1000000000},{"id":"4","name":"Duda","phone":"5511999990004","amount":0.01}]`)

	res := Validate(raw)

	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "exceeds the maximum")
	assert.Contains(t, res.Errors[1], "below one cent")
	require.Len(t, res.Accepted, 2)
	assert.Equal(t, int64(100_000_000_000), res.Accepted[0].AmountCents)
	assert.Equal(t, int64(1), res.Accepted[1].AmountCents)
}

func TestValidateDuplicateIDFirstWins(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"5511999990001","amount":10},{"id":"1","name":"Ana 2","phone":"5511999990002","amount":20}]`)

	res := Validate(raw)

	assert.False(t, res.Valid)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "Ana", res.Accepted[0].Name)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "duplicate id")
}

func TestValidateDuplicatePhoneIsWarning(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"+55 (11) 99999-0001","amount":10},{"id":"2","name":"Bea","phone":"5511999990001","amount":20}]`)

	res := Validate(raw)

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "5511999990001")
	assert.Len(t, res.Accepted, 2)
	assert.NoError(t, res.Err())
}

func TestValidateOptionalFields(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"5511999990001","amount":1234.5,"due_date":"2026-11-05","description":"Mensalidade"},{"id":"2","name":"Bea","phone":"5511999990002","amount":1,"due_date":"05/11/2026"}]`)

	res := Validate(raw)

	require.Len(t, res.Accepted, 1)
	rec := res.Accepted[0]
	require.NotNil(t, rec.DueDate)
	assert.Equal(t, "2026-11-05", rec.DueDate.Format(DateLayout))
	assert.Equal(t, "Mensalidade", rec.Description)
	assert.Equal(t, int64(123450), rec.AmountCents)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "invalid due_date")
}

func TestValidateIsIdempotent(t *testing.T) {
	raw := decode(t, `[{"id":"1","name":"Ana","phone":"5511999990001","amount":100},{"id":"2","name":"Bea","phone":"5511999990001","amount":50,"due_date":"2026-12-01"}]`)

	first := Validate(raw)
	second := Validate(raw)
	assert.Equal(t, first, second)

	// Re-validating the accepted list yields the same accepted records.
	var again []map[string]any
	for _, rec := range first.Accepted {
		data, err := rec.MarshalUpload()
		require.NoError(t, err)
		again = append(again, decode(t, "["+string(data)+"]")...)
	}
	third := Validate(again)
	assert.Equal(t, first.Accepted, third.Accepted)
	assert.Equal(t, first.Stats, third.Stats)
}

func TestValidateEmpty(t *testing.T) {
	res := Validate(nil)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 1)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"5511999990001", "5511999990001", true},
		{"+55 11 99999-0001", "5511999990001", true},
		{"(11) 9999-0001", "1199990001", true},
		{"123456789", "", false},
		{"1234567890123456", "", false},
		{"++5511999990001", "", false},
		{"55119999x0001", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		assert.Equal(t, tt.valid, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDecodeUploadRejectsNonArray(t *testing.T) {
	_, err := DecodeUpload([]byte(`{"id":"1"}`))
	assert.Error(t, err)
	_, err = DecodeUpload([]byte(`  `))
	assert.Error(t, err)
}
