package handler

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DukeRupert/meanas/internal/domain"
)

func TestWebhookHandler_HandleStripeWebhook(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "processed or ignored", err: nil, want: http.StatusOK},
		{name: "bad signature", err: domain.Invalid("webhook.handle", "invalid webhook signature"), want: http.StatusBadRequest},
		{name: "store failure", err: domain.Internal(errors.New("tx aborted"), "webhook.apply_completion", "failed to record payment"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			webhooks := &fakeWebhooks{err: tt.err}
			mux := http.NewServeMux()
			NewWebhookHandler(webhooks, testLogger()).RegisterRoutes(mux)

			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{"type":"checkout.session.completed"}`)))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "t=1,v1=abc", webhooks.signature)
			assert.JSONEq(t, `{"type":"checkout.session.completed"}`, string(webhooks.payload))
		})
	}
}

func TestWebhookHandler_BodyIsBounded(t *testing.T) {
	webhooks := &fakeWebhooks{}
	h := NewWebhookHandler(webhooks, testLogger())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(make([]byte, maxWebhookBody*2))))

	assert.Len(t, webhooks.payload, maxWebhookBody)
}
