package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStripe serves canned API responses and records request headers.
type fakeStripe struct {
	mu       sync.Mutex
	keys     []string
	forms    []string
	status   int
	body     string
	requests int
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.requests++
	f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
	f.forms = append(f.forms, r.Form.Encode())
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newFakeStripe(t *testing.T, status int, body string) (*fakeStripe, *Stripe) {
	t.Helper()
	f := &fakeStripe{status: status, body: body}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, NewStripe(StripeConfig{SecretKey: "sk_test_123", Timeout: 2 * time.Second, BaseURL: srv.URL})
}

func TestStripe_CreateTransferSendsKeyAndMinorUnits(t *testing.T) {
	f, s := newFakeStripe(t, http.StatusOK,
		`{"id":"tr_123","object":"transfer","amount":9500,"currency":"usd","destination":"acct_seller"}`)

	tr, err := s.CreateTransfer(context.Background(), TransferRequest{
		Amount: d("95.00"), Currency: "USD", Destination: "acct_seller", IdempotencyKey: "rift:v2:release:tx_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_123", tr.ID)
	assert.True(t, tr.Amount.Equal(d("95")))
	assert.Equal(t, "acct_seller", tr.Destination)

	require.Equal(t, 1, f.requests)
	assert.Equal(t, "rift:v2:release:tx_1", f.keys[0])
	assert.Contains(t, f.forms[0], "amount=9500")
	assert.Contains(t, f.forms[0], "currency=usd")
}

func TestStripe_InsufficientBalanceClassified(t *testing.T) {
	_, s := newFakeStripe(t, http.StatusBadRequest,
		`{"error":{"type":"invalid_request_error","code":"balance_insufficient","message":"Insufficient funds in Stripe account."}}`)

	_, err := s.CreateTransfer(context.Background(), TransferRequest{
		Amount: d("95"), Currency: "usd", Destination: "acct", IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientBalance, apperrors.KindOf(err))
}

func TestStripe_ServerErrorIsUnknownOutcome(t *testing.T) {
	f, s := newFakeStripe(t, http.StatusInternalServerError,
		`{"error":{"type":"api_error","message":"Something went wrong."}}`)

	_, err := s.CreateRefund(context.Background(), RefundRequest{
		PaymentIntentID: "pi_1", Amount: d("103"), Currency: "usd", IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.True(t, IsUnknownOutcome(err))
	assert.Equal(t, 1, f.requests, "SDK retries are disabled")
}

func TestStripe_IdempotencyErrorNotRetryable(t *testing.T) {
	_, s := newFakeStripe(t, http.StatusBadRequest,
		`{"error":{"type":"idempotency_error","message":"Keys for idempotent requests can only be used with the same parameters."}}`)

	_, err := s.CreatePaymentIntent(context.Background(), PaymentIntentRequest{
		Amount: d("103"), Currency: "usd", Reference: "tx_1", IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
	assert.False(t, IsUnknownOutcome(err))
}

func TestStripe_RetrieveBalanceSumsPerCurrency(t *testing.T) {
	_, s := newFakeStripe(t, http.StatusOK, `{"object":"balance","livemode":false,
		"available":[{"amount":10000,"currency":"usd"},{"amount":250,"currency":"usd"},{"amount":5000,"currency":"jpy"}],
		"pending":[{"amount":700,"currency":"usd"}]}`)

	b, err := s.RetrieveBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, b.AvailableFor("usd").Equal(d("102.50")))
	assert.True(t, b.AvailableFor("jpy").Equal(d("5000")))
	assert.True(t, b.Pending["usd"].Equal(d("7")))
}

func TestStripe_TransportFailureIsUnknownOutcome(t *testing.T) {
	s := NewStripe(StripeConfig{SecretKey: "sk_test", Timeout: 200 * time.Millisecond, BaseURL: "http://127.0.0.1:1"})
	_, err := s.RetrieveBalance(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnknownOutcome(err))
	assert.False(t, strings.Contains(err.Error(), "sk_test"))
}
