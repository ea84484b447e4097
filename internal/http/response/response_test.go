package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/inferbridge-backend/internal/platform/apierr"
)

func serve(t *testing.T, fn gin.HandlerFunc) (*httptest.ResponseRecorder, ErrorEnvelope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", fn)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestRespondAPIErrorUsesWrappedStatus(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", apierr.NotFound("job_not_found", errors.New("job abc not found")))
	rec, env := serve(t, func(c *gin.Context) { RespondAPIError(c, wrapped) })
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got=%d want=%d", rec.Code, http.StatusNotFound)
	}
	if env.Error.Code != "job_not_found" || env.Error.Message != "job abc not found" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRespondAPIErrorHidesInternalErrors(t *testing.T) {
	rec, env := serve(t, func(c *gin.Context) { RespondAPIError(c, errors.New("pq: connection refused")) })
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got=%d", rec.Code)
	}
	if env.Error.Code != "internal_error" || env.Error.Message == "pq: connection refused" {
		t.Fatalf("internal detail leaked: %+v", env)
	}
}
