package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
)

func TestHTTPVerifier_Verify(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"succeeded"}`))
	}))
	defer server.Close()

	v := NewHTTPVerifier(server.URL, "key-1", time.Second)
	res, err := v.Verify(context.Background(), Request{OrderID: "order-1", Reference: "pi_1", Amount: 2050, Currency: "USD"})

	require.NoError(t, err)
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, "pi_1", res.Reference)
	assert.Equal(t, int64(2050), got.Amount)
}

func TestHTTPVerifier_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) }},
		{"missing status", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"reference":"x"}`)) }},
		{"timeout", func(w http.ResponseWriter, r *http.Request) { time.Sleep(200 * time.Millisecond) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			v := NewHTTPVerifier(server.URL, "", 50*time.Millisecond)
			_, err := v.Verify(context.Background(), Request{Reference: "pi_1"})
			assert.ErrorIs(t, err, errs.ErrExternalService)
		})
	}
}

func TestVerifier_RequiresReference(t *testing.T) {
	_, err := NewHTTPVerifier("http://127.0.0.1:1", "", time.Second).Verify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMissingReference)

	_, err = StaticVerifier{}.Verify(context.Background(), Request{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestStaticVerifier(t *testing.T) {
	res, err := StaticVerifier{}.Verify(context.Background(), Request{Reference: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)

	res, err = StaticVerifier{Status: "declined"}.Verify(context.Background(), Request{Reference: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, "declined", res.Status)
}
