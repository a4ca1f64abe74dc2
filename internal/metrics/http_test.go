package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteLabel(t *testing.T) {
	t.Run("uses matched pattern", func(t *testing.T) {
		var got string
		mux := http.NewServeMux()
		mux.HandleFunc("POST /analysis/{kind}", func(w http.ResponseWriter, r *http.Request) {
			got = routeLabel(r)
		})

		mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/analysis/preprocess", nil))
		assert.Equal(t, "/analysis/{kind}", got)
	})

	t.Run("falls back to normalized path", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/projects/6f1c2a9e-3b7d-4c2e-9a51-0d8e4f7b1c22", nil)
		assert.Equal(t, "/projects/{id}", routeLabel(r))
	})
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
