package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/identity"
	"github.com/DukeRupert/meanas/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// asUser attaches a verified identity, as AuthMiddleware.RequireUser would.
func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.SetIdentity(r.Context(), identity.Identity{UserID: userID}))
}

func passthrough(next http.Handler) http.Handler { return next }

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) JSONError {
	t.Helper()
	var body JSONError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), rec.Body.String())
	return body
}

// =============================================================================
// Fakes
// =============================================================================

type fakeCheckout struct {
	createFn func(ctx context.Context, userID, planID string) (service.CheckoutResult, error)
}

func (f *fakeCheckout) Create(ctx context.Context, userID, planID string) (service.CheckoutResult, error) {
	return f.createFn(ctx, userID, planID)
}

type fakeTransactions struct {
	statusFn func(ctx context.Context, userID, txID string) (service.TransactionStatus, error)
}

func (f *fakeTransactions) Status(ctx context.Context, userID, txID string) (service.TransactionStatus, error) {
	return f.statusFn(ctx, userID, txID)
}

type fakeWebhooks struct {
	err       error
	payload   []byte
	signature string
}

func (f *fakeWebhooks) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	f.payload = payload
	f.signature = signature
	return f.err
}

func (f *fakeWebhooks) ApplyCompletion(ctx context.Context, c domain.CheckoutCompletion) error {
	return f.err
}

type fakeAnalysis struct {
	analyzeFn func(ctx context.Context, ent domain.Entitlement, req domain.AnalysisRequest) (domain.AnalysisResult, error)
	deleteFn  func(ctx context.Context, userID string, id uuid.UUID) error
	projects  []domain.Project
}

func (f *fakeAnalysis) Analyze(ctx context.Context, ent domain.Entitlement, req domain.AnalysisRequest) (domain.AnalysisResult, error) {
	return f.analyzeFn(ctx, ent, req)
}

func (f *fakeAnalysis) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	return f.projects, nil
}

func (f *fakeAnalysis) DeleteProject(ctx context.Context, userID string, id uuid.UUID) error {
	return f.deleteFn(ctx, userID, id)
}

type pingerFunc func(ctx context.Context) error

func (p pingerFunc) Ping(ctx context.Context) error { return p(ctx) }
