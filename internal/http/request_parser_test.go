package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"cardledger/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Name   string     `json:"name"`
	Amount core.Money `json:"amount"`
}

func decodeBody(body string) (sampleRequest, error) {
	var dst sampleRequest
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	err := decodeJSON(httptest.NewRecorder(), r, &dst)
	return dst, err
}

func TestDecodeJSON(t *testing.T) {
	got, err := decodeBody(`{"name":"Ana","amount":"12.50"}`)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)
	assert.Equal(t, int64(1250), got.Amount.Cents)

	got, err = decodeBody(`{"amount":7}`)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Amount.Cents)
}

func TestDecodeJSON_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		validation bool
		message    string
	}{
		{name: "empty", body: "", message: "request body is empty"},
		{name: "malformed", body: `{"name":`, message: "malformed JSON"},
		{name: "unknown field", body: `{"nickname":"A"}`, message: "unknown field"},
		{name: "two objects", body: `{"name":"A"}{"name":"B"}`, message: "single JSON object"},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`, message: "too large"},
		{name: "bad amount", body: `{"amount":"1.234"}`, validation: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeBody(tt.body)
			require.Error(t, err)
			if tt.validation {
				assert.ErrorIs(t, err, core.ErrValidation)
				return
			}
			var bad *badRequestError
			require.True(t, errors.As(err, &bad), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestPathID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/movements/42", nil)
	r.SetPathValue("id", "42")
	id, err := pathID(r, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "abc", "0", "-3"} {
		r.SetPathValue("id", raw)
		_, err := pathID(r, "id")
		assert.Error(t, err, raw)
	}
}

func TestParseMovementFilter(t *testing.T) {
	q := url.Values{
		"person": {"3"},
		"card":   {"7"},
		"kind":   {"purchase,fee", "PAYMENT"},
		"from":   {"2024-05-01"},
		"to":     {"2024-05-31"},
		"q":      {"  super\x00 "},
		"limit":  {"25"},
	}
	f, err := ParseMovementFilter(q)
	require.NoError(t, err)

	assert.Equal(t, int64(3), f.PersonID)
	assert.Equal(t, int64(7), f.CardID)
	assert.Equal(t, []core.Kind{core.KindPurchase, core.KindFee, core.KindPayment}, f.Kinds)
	assert.Equal(t, "2024-05-01", f.From.String())
	assert.Equal(t, "2024-05-31", f.To.String())
	assert.Equal(t, "super", f.Text)
	assert.Equal(t, 25, f.Limit)
}

func TestParseMovementFilter_Empty(t *testing.T) {
	f, err := ParseMovementFilter(url.Values{})
	require.NoError(t, err)
	assert.Zero(t, f.PersonID)
	assert.Empty(t, f.Kinds)
	assert.True(t, f.From.IsZero())
}

func TestParseMovementFilter_Errors(t *testing.T) {
	tests := []struct {
		query      string
		validation bool
	}{
		{query: "person=abc"},
		{query: "card=-1"},
		{query: "limit=ten"},
		{query: "kind=REFUND", validation: true},
		{query: "from=05/01/2024", validation: true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			_, err = ParseMovementFilter(q)
			require.Error(t, err)
			assert.Equal(t, tt.validation, errors.Is(err, core.ErrValidation))
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "café con leche", sanitizeInput("  café\x07 con leche\x1b "))
	assert.Equal(t, "line1\nline2", sanitizeInput("line1\nline2"))
	assert.Nil(t, sanitizePtr(nil))
	assert.Equal(t, "x", *sanitizePtr(ptr(" x ")))
}

func ptr[T any](v T) *T { return &v }
