package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/data/repos/testutil"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/http/handlers"
	"github.com/yungbote/inferbridge-backend/internal/http/middleware"
	"github.com/yungbote/inferbridge-backend/internal/http/response"
	"github.com/yungbote/inferbridge-backend/internal/jobs/lifecycle"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue/memqueue"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type apiFixture struct {
	t      *testing.T
	db     *gorm.DB
	queue  *memqueue.Queue
	auth   services.AuthService
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)

	auth, err := services.NewAuthService(log, services.AuthConfig{SecretKey: "router-test"})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	hub := realtime.NewHub(log, nil)
	jobRepo := repos.NewInferenceJobRepo(db, log)
	ledger := services.NewLedgerService(db, log, repos.NewAccountRepo(db, log), repos.NewLedgerEntryRepo(db, log), tokens.DefaultPricing(), nil)
	machine := lifecycle.NewMachine(db, log, jobRepo, hub, nil)
	q := memqueue.New(queue.Options{Lease: time.Minute, PollInterval: 5 * time.Millisecond})
	inference := services.NewInferenceService(db, log, jobRepo, repos.NewDatasetRepo(db, log), ledger, machine, q, nil)

	router := NewRouter(RouterConfig{
		Log:              log,
		AuthMiddleware:   middleware.NewAuthMiddleware(log, auth),
		SubmitLimiter:    middleware.NewRateLimiter(0, 1, nil),
		HealthHandler:    handlers.NewHealthHandler(nil),
		InferenceHandler: handlers.NewInferenceHandler(inference),
		TokenHandler:     handlers.NewTokenHandler(ledger),
		RealtimeHandler:  handlers.NewRealtimeHandler(log, hub, auth, inference, realtime.DefaultWSOptions()),
	})
	return &apiFixture{t: t, db: db, queue: q, auth: auth, router: router}
}

func (f *apiFixture) token(email, role string) string {
	f.t.Helper()
	tok, err := f.auth.IssueToken(email, role, time.Hour)
	if err != nil {
		f.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *apiFixture) do(method, target, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[response.ErrorEnvelope](t, rec).Error.Code
}

func TestHealthcheck(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/healthcheck", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got=%d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSubmitInference(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token("a@example.com", services.RoleUser)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))

	valid := map[string]string{"datasetName": "cams", "modelId": "YOLO8", "modelVersion": "YOLO8s_FSR"}

	if rec := f.do(http.MethodPost, "/api/inference", "", valid); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: got=%d", rec.Code)
	}

	rec := f.do(http.MethodPost, "/api/inference", tok, valid)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if body := decode[map[string]string](t, rec); body["jobId"] == "" {
		t.Fatalf("missing jobId: %v", body)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queued tasks: got=%d want=1", f.queue.Len())
	}

	invalid := []map[string]string{
		{"datasetName": "ab", "modelId": "YOLO8", "modelVersion": "YOLO8s_FSR"},
		{"datasetName": "cams", "modelId": "GPT", "modelVersion": "YOLO8s_FSR"},
		{"datasetName": "cams", "modelId": "YOLO8", "modelVersion": "YOLO8x_FSR"},
		{"datasetName": strings.Repeat("x", 41), "modelId": "YOLO8", "modelVersion": "YOLO8s_FSR"},
	}
	for _, body := range invalid {
		rec := f.do(http.MethodPost, "/api/inference", tok, body)
		if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "validation_error" {
			t.Fatalf("%v: got=%d body=%s", body, rec.Code, rec.Body.String())
		}
	}

	missing := map[string]string{"datasetName": "nope", "modelId": "YOLO8", "modelVersion": "YOLO8m_FSR"}
	rec = f.do(http.MethodPost, "/api/inference", tok, missing)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "dataset_not_found" {
		t.Fatalf("unknown dataset: got=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestInferenceStateAndResult(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token("a@example.com", services.RoleUser)
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	pending := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	done := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusRunning)
	result := `{"inference_information":{"dataset_id":"1"},"inference_results":[]}`
	if err := f.db.Model(&jobs.InferenceJob{}).Where("id = ?", done.ID).Updates(map[string]interface{}{
		"status": jobs.StatusCompleted,
		"result": datatypes.JSON(result),
	}).Error; err != nil {
		t.Fatalf("complete job: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/inference/state?jobId="+pending.ID, tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending state: got=%d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["status"] != string(jobs.StatusPending) || body["result"] != nil {
		t.Fatalf("pending state body %v", body)
	}

	type resultBody struct {
		Status     string          `json:"status"`
		Result     json.RawMessage `json:"result"`
		ContentURI string          `json:"contentURI"`
	}
	rec = f.do(http.MethodGet, "/api/inference/state?jobId="+done.ID, tok, nil)
	state := decode[resultBody](t, rec)
	if state.Status != string(jobs.StatusCompleted) || state.ContentURI != jobs.ContentURI(ds.ID, done.ID) || len(state.Result) == 0 {
		t.Fatalf("completed state body %+v", state)
	}

	rec = f.do(http.MethodGet, "/api/inference/result?jobId="+done.ID, tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result: got=%d", rec.Code)
	}
	if res := decode[resultBody](t, rec); res.ContentURI != jobs.ContentURI(ds.ID, done.ID) {
		t.Fatalf("result body %+v", res)
	}

	rec = f.do(http.MethodGet, "/api/inference/result?jobId="+pending.ID, tok, nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "job_not_completed" {
		t.Fatalf("pending result: got=%d body=%s", rec.Code, rec.Body.String())
	}

	other := f.token("b@example.com", services.RoleUser)
	rec = f.do(http.MethodGet, "/api/inference/state?jobId="+done.ID, other, nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "job_not_found" {
		t.Fatalf("foreign job: got=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/inference/state", tok, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing jobId: got=%d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/api/inference/jobs", tok, nil)
	list := decode[struct {
		Jobs []realtime.JobSummary `json:"jobs"`
	}](t, rec)
	if len(list.Jobs) != 2 {
		t.Fatalf("jobs: got=%d want=2", len(list.Jobs))
	}
	for _, j := range list.Jobs {
		if j.DatasetID != ds.ID || j.JobID == "" || j.State == "" {
			t.Fatalf("unexpected summary %+v", j)
		}
	}
}

func TestTokenEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	user := f.token("a@example.com", services.RoleUser)
	admin := f.token("root@example.com", services.RoleAdmin)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))

	rec := f.do(http.MethodGet, "/api/token/balance", user, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: got=%d", rec.Code)
	}
	if bal := decode[struct {
		Balance tokens.Amount `json:"balance"`
	}](t, rec); bal.Balance != tokens.FromFloat(2.0) {
		t.Fatalf("balance: got=%s", bal.Balance)
	}

	topUp := map[string]any{"topUpUserEmail": "a@example.com", "topUpAmount": 10}
	if rec := f.do(http.MethodPatch, "/api/token/balance", user, topUp); rec.Code != http.StatusForbidden {
		t.Fatalf("user top-up: got=%d", rec.Code)
	}

	rec = f.do(http.MethodPatch, "/api/token/balance", admin, topUp)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin top-up: got=%d body=%s", rec.Code, rec.Body.String())
	}
	acct := decode[struct {
		Email   string        `json:"email"`
		Balance tokens.Amount `json:"balance"`
	}](t, rec)
	if acct.Email != "a@example.com" || acct.Balance != tokens.FromFloat(12.0) {
		t.Fatalf("top-up result %+v", acct)
	}

	for _, amount := range []float64{0, 20001} {
		body := map[string]any{"topUpUserEmail": "a@example.com", "topUpAmount": amount}
		rec := f.do(http.MethodPatch, "/api/token/balance", admin, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("amount %v: got=%d", amount, rec.Code)
		}
	}

	rec = f.do(http.MethodPatch, "/api/token/balance", admin, map[string]any{"topUpUserEmail": "ghost@example.com", "topUpAmount": 5})
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "account_not_found" {
		t.Fatalf("unknown account: got=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/token/pricing", user, nil)
	if p := decode[tokens.Pricing](t, rec); p != tokens.DefaultPricing() {
		t.Fatalf("pricing: got=%+v", p)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestWebSocketGreetsWithJobList(t *testing.T) {
	f := newAPIFixture(t)
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ws := dialWS(t, srv, f.token("a@example.com", services.RoleUser))

	var welcome struct {
		Message string `json:"message"`
	}
	if err := ws.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if !strings.HasPrefix(welcome.Message, "Hello, a@example.com!") {
		t.Fatalf("unexpected welcome %q", welcome.Message)
	}

	var list struct {
		Message string                `json:"message"`
		Jobs    []realtime.JobSummary `json:"jobs"`
	}
	if err := ws.ReadJSON(&list); err != nil {
		t.Fatalf("read job list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].JobID != job.ID || list.Jobs[0].State != string(jobs.StatusPending) {
		t.Fatalf("unexpected job list %+v", list)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ws := dialWS(t, srv, "not-a-token")
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}
