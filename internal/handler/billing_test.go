package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/service"
)

func TestBillingHandler_CreateCheckout(t *testing.T) {
	var gotUser, gotPlan string
	checkout := &fakeCheckout{createFn: func(ctx context.Context, userID, planID string) (service.CheckoutResult, error) {
		gotUser, gotPlan = userID, planID
		switch planID {
		case domain.PlanStandard:
			return service.CheckoutResult{TransactionID: "20250101-u1-abcd", RedirectURL: "https://checkout.stripe.com/c/pay/cs_1"}, nil
		case "":
			return service.CheckoutResult{}, domain.Invalid("checkout.create", "planId is required")
		default:
			return service.CheckoutResult{}, domain.Conflict("checkout.create", "subscription already active")
		}
	}}
	mux := http.NewServeMux()
	NewBillingHandler(checkout, &fakeTransactions{}, testLogger()).RegisterRoutes(mux, passthrough, passthrough)

	post := func(body string) *httptest.ResponseRecorder {
		req := asUser(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), "u1")
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	t.Run("returns redirect and transaction id", func(t *testing.T) {
		rec := post(`{"planId":"standard"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", body["redirectUrl"])
		assert.Equal(t, "20250101-u1-abcd", body["transactionId"])
		assert.Equal(t, "u1", gotUser)
		assert.Equal(t, domain.PlanStandard, gotPlan)
	})

	t.Run("service errors map to statuses", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, post(`{"planId":"unlimited"}`).Code)
		assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	})

	t.Run("bad bodies", func(t *testing.T) {
		for _, body := range []string{``, `not json`, `{"planId":` + strings.Repeat(`"x`, 5000) + `"}`} {
			rec := post(body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
			assert.Equal(t, domain.EINVALID, decodeErrorBody(t, rec).Error.Code)
		}
	})
}

func TestBillingHandler_TransactionStatus(t *testing.T) {
	transactions := &fakeTransactions{statusFn: func(ctx context.Context, userID, txID string) (service.TransactionStatus, error) {
		if txID != "tx-1" {
			return service.TransactionStatus{}, domain.NotFound("transaction.status", "transaction", txID)
		}
		return service.TransactionStatus{TransactionID: txID, PlanID: domain.PlanStandard, Status: "paid", RecordStatus: domain.PaymentStatusSuccess}, nil
	}}
	mux := http.NewServeMux()
	NewBillingHandler(&fakeCheckout{}, transactions, testLogger()).RegisterRoutes(mux, passthrough, passthrough)

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, target, nil), "u1"))
		return rec
	}

	rec := get("/transaction?transaction_id=tx-1&user_id=u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.TransactionStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "paid", status.Status)
	assert.Equal(t, domain.PaymentStatusSuccess, status.RecordStatus)

	assert.Equal(t, http.StatusOK, get("/transaction?transaction_id=tx-1").Code, "user_id defaults to the caller")
	assert.Equal(t, http.StatusForbidden, get("/transaction?transaction_id=tx-1&user_id=u2").Code)
	assert.Equal(t, http.StatusNotFound, get("/transaction?transaction_id=tx-9").Code)
}
