package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndReasonThroughWrapping(t *testing.T) {
	base := Validation(ReasonFrozenByDispute, "transaction %s frozen by open dispute", "tx_1")
	wrapped := fmt.Errorf("release: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, ReasonFrozenByDispute, ReasonOf(wrapped))
	assert.True(t, Is(wrapped, KindValidation))
	assert.Contains(t, wrapped.Error(), "dispute")
}

func TestUnclassifiedError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, "", ReasonOf(err))
	assert.False(t, Is(err, KindGatewayTransient))
}

func TestGatewayTransientUnwraps(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := GatewayTransient("create transfer", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ReasonUnknownOutcome, err.Reason)
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation(ReasonFrozenByDispute, "frozen"), http.StatusConflict},
		{Validation(ReasonInvalidAmount, "bad amount"), http.StatusBadRequest},
		{Validation(ReasonInvalidRequest, "buyer is seller"), http.StatusBadRequest},
		{Validation(ReasonFreezeUnverified, "store down"), http.StatusServiceUnavailable},
		{NotFound("transaction %s", "tx"), http.StatusNotFound},
		{InsufficientBalance("low"), http.StatusPaymentRequired},
		{GatewayTransient("x", errors.New("t")), http.StatusServiceUnavailable},
		{GatewaySignature(errors.New("sig")), http.StatusBadRequest},
		{Invariant(ReasonMilestoneSum, "sum"), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", LockConflict("busy")), http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), c.err.Error())
	}
}

func TestBodyCarriesReason(t *testing.T) {
	body := Body(Validation(ReasonPolicyBlocked, "refund blocked"))
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, ReasonPolicyBlocked, body["reason"])

	body = Body(errors.New("pq: connection refused"))
	assert.Equal(t, "internal_error", body["error"])
	assert.NotContains(t, body["message"], "pq")
}
