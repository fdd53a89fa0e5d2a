package paysyncsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAddPaymentSendsCredentials(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ledger_id":"payroll","payment_id":3,"recipient_id":1,"amount":"250","scheduled_time":10,"is_monthly":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "payroll")
	c.APIKey = "psk_test"
	p, err := c.AddPayment(context.Background(), "erd1bob", "250", 10, true)
	require.NoError(t, err)

	assert.Equal(t, "/v0/ledgers/payroll/payments", gotPath)
	assert.Equal(t, "psk_test", gotKey)
	assert.Equal(t, "erd1bob", gotBody["recipient"])
	assert.Equal(t, true, gotBody["is_monthly"])
	assert.Equal(t, uint64(3), p.PaymentID)
	assert.Equal(t, "250", p.Amount)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_funds","message":"not enough funds","details":{"payment_id":2}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "payroll")
	c.BearerToken = "tok"
	_, err := c.ProcessPayments(context.Background(), []uint64{1, 2})
	require.Error(t, err)
	assert.True(t, IsCode(err, "insufficient_funds"))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, float64(2), apiErr.Details["payment_id"])
}

func TestClientMembershipEscapesIdentity(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"ledger_id":"payroll","role":"processor","identity":"ops/bot","changed":true}`))
	}))
	defer srv.Close()

	m, err := New(srv.URL, "payroll").RemoveProcessor(context.Background(), "ops/bot")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/v0/ledgers/payroll/processors/ops%2Fbot", gotPath)
	assert.True(t, m.Changed)
}

func TestClientNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "payroll").Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "boom")
}
