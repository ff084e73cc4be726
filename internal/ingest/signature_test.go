package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"event":"message-received"}`)
	v := NewVerifier("s3cret")
	require.NoError(t, v.Verify(body, Sign("s3cret", body)))
	require.NoError(t, v.Verify(body, strings.ToUpper(Sign("s3cret", body)[:7])+Sign("s3cret", body)[7:]))
}

func TestVerifierRejects(t *testing.T) {
	body := []byte(`{"event":"message-received"}`)
	cases := map[string]struct {
		secret string
		header string
	}{
		"missing header":   {secret: "s3cret", header: ""},
		"wrong scheme":     {secret: "s3cret", header: "md5=abc"},
		"not hex":          {secret: "s3cret", header: "sha256=zz"},
		"wrong secret":     {secret: "s3cret", header: Sign("other", body)},
		"secret unset":     {secret: "", header: Sign("", body)},
		"tampered payload": {secret: "s3cret", header: Sign("s3cret", []byte(`{"event":"qr-ready"}`))},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewVerifier(tc.secret).Verify(body, tc.header)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSignature))
			var sigErr *SignatureError
			assert.True(t, errors.As(err, &sigErr))
		})
	}
}
