package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpay/internal/config"
	"fitpay/internal/types"
)

func stcTestConfig(baseURL string) config.STCPayConfig {
	return config.STCPayConfig{
		Enabled:    true,
		BaseURL:    baseURL,
		MerchantID: "M100",
		BranchID:   "001",
		APIKey:     "api-key",
		APISecret:  "api-secret",
	}
}

func newSTCPayForTest(t *testing.T, baseURL string) *STCPayAdapter {
	t.Helper()
	a := NewSTCPayAdapter(stcTestConfig(baseURL), false, testLogger())
	a.client.sleepFn = func(context.Context, time.Duration) error { return nil }
	return a
}

func TestNormalizeSaudiMobile(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0551234567", "966551234567"},
		{"551234567", "966551234567"},
		{"966551234567", "966551234567"},
		{"+966 55 123 4567", "966551234567"},
		{"05-5123-4567", "966551234567"},
	}
	for _, tt := range tests {
		got, err := NormalizeSaudiMobile(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestNormalizeSaudiMobileRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "12345", "0441234567", "96655123", "+14155551234"} {
		_, err := NormalizeSaudiMobile(in)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr, "input %q", in)
		assert.Equal(t, types.ErrCodeValidationInvalidMobile, appErr.Code, "input %q", in)
	}
}

func TestSTCPayInitiateIssuesOTP(t *testing.T) {
	inv := testInvoice()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/directPayment/authorize", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Timestamp"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, SignBody("api-secret", body), r.Header.Get("X-Signature"),
			"request must be signed over the exact body")

		var req stcAuthorizeRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "966551234567", req.MobileNumber)
		assert.Equal(t, "500.00", req.Amount)

		json.NewEncoder(w).Encode(stcAuthorizeResponse{
			Status:        "SUCCESS",
			TransactionID: "stc-tx-1",
			OTPReference:  "otp-ref-1",
			OTPExpirySec:  300,
		})
	}))
	defer srv.Close()

	a := newSTCPayForTest(t, srv.URL)
	red, err := a.Initiate(context.Background(), inv, nil, InitiateOptions{MobileNumber: "0551234567"})
	require.NoError(t, err)
	assert.Equal(t, types.MethodWallet, red.Provider)
	assert.Equal(t, "stc-tx-1", red.ProviderRef)
	assert.Equal(t, "otp-ref-1", red.OTPReference)
	assert.Equal(t, 300, red.OTPExpirySec)
}

func TestSTCPayConfirmSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/directPayment/confirm", r.URL.Path)
		var req stcConfirmRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "otp-ref-1", req.OTPReference)
		assert.Equal(t, "123456", req.OTPValue)

		json.NewEncoder(w).Encode(stcConfirmResponse{
			Status:           "SUCCESS",
			PaymentReference: "stc-pay-9",
		})
	}))
	defer srv.Close()

	inv := testInvoice()
	inv.Wallet.OTPReference = "otp-ref-1"

	a := newSTCPayForTest(t, srv.URL)
	ref, err := a.Confirm(context.Background(), inv, "123456")
	require.NoError(t, err)
	assert.Equal(t, "stc-pay-9", ref)
}

func TestSTCPayConfirmWrongOTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stcConfirmResponse{Status: "FAILED", Message: "invalid otp"})
	}))
	defer srv.Close()

	inv := testInvoice()
	inv.Wallet.OTPReference = "otp-ref-1"

	a := newSTCPayForTest(t, srv.URL)
	_, err := a.Confirm(context.Background(), inv, "000000")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePaymentDeclined, appErr.Code)
}

func TestSTCPayConfirmWithoutPendingPayment(t *testing.T) {
	a := newSTCPayForTest(t, "http://unused")
	_, err := a.Confirm(context.Background(), testInvoice(), "123456")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictInvoiceState, appErr.Code)
}

func TestSTCPayParseCallback(t *testing.T) {
	body, _ := json.Marshal(stcCallback{
		TransactionID:    "stc-tx-1",
		PaymentReference: "stc-pay-9",
		Status:           "COMPLETED",
		Amount:           "500.00",
		Currency:         "SAR",
	})
	sig := SignBody("api-secret", body)

	a := newSTCPayForTest(t, "http://unused")
	ev, err := a.ParseCallback(body, CallbackHeader{Signature: sig})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, ev.Status)
	assert.Equal(t, "stc-pay-9", ev.ProviderTxRef)
	assert.Equal(t, "stc-tx-1", ev.CorrelationRef)
	assert.Equal(t, int64(50000), ev.Amount)
}

func TestSTCPayParseCallbackStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   CallbackStatus
	}{
		{"COMPLETED", StatusApproved},
		{"FAILED", StatusDeclined},
		{"CANCELLED", StatusCancelled},
		{"EXPIRED", StatusExpired},
		{"garbage", StatusError},
	}
	a := newSTCPayForTest(t, "http://unused")
	for _, tt := range tests {
		body, _ := json.Marshal(stcCallback{TransactionID: "tx", Status: tt.status})
		ev, err := a.ParseCallback(body, CallbackHeader{Signature: SignBody("api-secret", body)})
		require.NoError(t, err, "status %s", tt.status)
		assert.Equal(t, tt.want, ev.Status, "status %s", tt.status)
	}
}

func TestSTCPayParseCallbackRejectsBadSignature(t *testing.T) {
	body, _ := json.Marshal(stcCallback{TransactionID: "stc-tx-1", Status: "COMPLETED"})

	a := newSTCPayForTest(t, "http://unused")
	_, err := a.ParseCallback(body, CallbackHeader{Signature: "deadbeef"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeSignatureInvalid, appErr.Code)
}
