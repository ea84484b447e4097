package inference

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/data/repos/testutil"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/inference/client"
	"github.com/yungbote/inferbridge-backend/internal/jobs/lifecycle"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []realtime.MessageType
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, t realtime.MessageType, _ realtime.Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, t)
	return nil
}

func (r *recordingNotifier) count(t realtime.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s == t {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	calls  int32
	invoke func(ctx context.Context, req client.Request) (*jobs.Result, error)
}

func (g *fakeGateway) Invoke(ctx context.Context, req client.Request) (*jobs.Result, error) {
	atomic.AddInt32(&g.calls, 1)
	return g.invoke(ctx, req)
}

func okResult(datasetID int64) *jobs.Result {
	zero, conf, dsID := 0, 0.8, datasetID
	f := 1.0
	return &jobs.Result{
		InferenceInformation: jobs.InferenceInformation{
			CO2EmissionsKg: &f, ConsumedEnergyKWh: &f, DatasetID: &dsID, InferenceTimeS: &f,
		},
		InferenceResults: []jobs.ResultEntry{{
			Filename: "a.jpg",
			Type:     "image",
			Objects: []jobs.Object{{
				Box:        jobs.Box{X1: &f, Y1: &f, X2: &f, Y2: &f},
				Class:      &zero,
				Confidence: &conf,
				Name:       "person",
			}},
		}},
	}
}

type fixture struct {
	db       *gorm.DB
	jobs     repos.InferenceJobRepo
	ledger   services.LedgerService
	notifier *recordingNotifier
	gateway  *fakeGateway
	handler  *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobRepo := repos.NewInferenceJobRepo(db, log)
	ledger := services.NewLedgerService(db, log, repos.NewAccountRepo(db, log), repos.NewLedgerEntryRepo(db, log), tokens.DefaultPricing(), nil)
	n := &recordingNotifier{}
	machine := lifecycle.NewMachine(db, log, jobRepo, n, nil)
	gw := &fakeGateway{invoke: func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		return okResult(req.DatasetID), nil
	}}
	h := NewHandler(log, jobRepo, repos.NewDatasetRepo(db, log), ledger, machine, gw, nil)
	return &fixture{db: db, jobs: jobRepo, ledger: ledger, notifier: n, gateway: gw, handler: h}
}

func taskFor(t *testing.T, job *jobs.InferenceJob, attempts int) *queue.Task {
	t.Helper()
	raw, err := queue.EncodeJob(queue.JobPayload{JobID: job.ID, OwnerEmail: job.OwnerEmail})
	if err != nil {
		t.Fatalf("EncodeJob: %v", err)
	}
	return &queue.Task{ID: job.ID, Payload: raw, Attempts: attempts}
}

func (f *fixture) reload(t *testing.T, id string) *jobs.InferenceJob {
	t.Helper()
	job, err := f.jobs.GetByID(dbctx.New(context.Background()), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return job
}

func TestHandleSuccessDebitsAndCompletes(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)

	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := f.reload(t, job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("expected Completed, got %s", got.Status)
	}
	var res jobs.Result
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("stored result: %v", err)
	}
	if len(res.InferenceResults) != 1 || *res.InferenceInformation.DatasetID != ds.ID {
		t.Fatalf("unexpected stored result: %s", string(got.Result))
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(0.5) {
		t.Fatalf("expected balance 0.5, got %s", bal)
	}
	if f.notifier.count(realtime.JobActive) != 1 || f.notifier.count(realtime.JobCompleted) != 1 {
		t.Fatalf("unexpected notifications: %+v", f.notifier.sent)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
}

func TestHandleKeepsEmptyObjectsList(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	f.gateway.invoke = func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		res := okResult(req.DatasetID)
		res.InferenceResults[0].Objects = []jobs.Object{}
		return res, nil
	}

	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := f.reload(t, job.ID)
	var stored struct {
		InferenceResults []map[string]json.RawMessage `json:"inference_results"`
	}
	if err := json.Unmarshal(got.Result, &stored); err != nil {
		t.Fatalf("stored result: %v", err)
	}
	if len(stored.InferenceResults) != 1 {
		t.Fatalf("unexpected stored result: %s", string(got.Result))
	}
	objects, ok := stored.InferenceResults[0]["objects"]
	if !ok || string(objects) != "[]" {
		t.Fatalf("expected objects: [] in stored entry, got %s", string(got.Result))
	}
	if _, ok := stored.InferenceResults[0]["frames"]; ok {
		t.Fatalf("image entry must not gain frames: %s", string(got.Result))
	}
}

func TestHandleStoresGatewayBodyVerbatim(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	body := `{"inference_information":{"CO2_emissions_kg":1,"consumed_energy_kWh":1,"dataset_id":1,"inference_time_s":1,"gpu":"t4"},"inference_results":[{"filename":"a.jpg","type":"image","objects":[]}]}`
	f.gateway.invoke = func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		res := okResult(req.DatasetID)
		res.Raw = json.RawMessage(body)
		return res, nil
	}

	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := f.reload(t, job.ID)
	var want, have interface{}
	if err := json.Unmarshal([]byte(body), &want); err != nil {
		t.Fatalf("body: %v", err)
	}
	if err := json.Unmarshal(got.Result, &have); err != nil {
		t.Fatalf("stored result: %v", err)
	}
	if !reflect.DeepEqual(want, have) {
		t.Fatalf("stored result differs from gateway body:\nwant %s\ngot  %s", body, string(got.Result))
	}
}

func TestHandleConcurrentJobsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	balance := tokens.FromInt(10)
	cost := tokens.FromFloat(1.5)
	testutil.SeedAccount(t, f.db, "a@example.com", balance)
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", cost)

	const n = 12
	seeded := make([]*jobs.InferenceJob, n)
	for i := range seeded {
		seeded[i] = testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	}

	tasks := make([]*queue.Task, n)
	for i, job := range seeded {
		tasks[i] = taskFor(t, job, 1)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, task := range tasks {
		wg.Add(1)
		go func(task *queue.Task) {
			defer wg.Done()
			errs <- f.handler.Handle(context.Background(), task)
		}(task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	entries := repos.NewLedgerEntryRepo(f.db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())
	completed, aborted := 0, 0
	for _, job := range seeded {
		got := f.reload(t, job.ID)
		debit, err := entries.Get(dbc, job.ID, tokens.EntryDebit)
		if err != nil {
			t.Fatalf("debit entry: %v", err)
		}
		switch got.Status {
		case jobs.StatusCompleted:
			completed++
			if debit == nil || debit.Amount != cost {
				t.Fatalf("completed job %s without a %s debit: %+v", job.ID, cost, debit)
			}
		case jobs.StatusAborted:
			aborted++
			if debit != nil {
				t.Fatalf("aborted job %s was charged: %+v", job.ID, debit)
			}
		default:
			t.Fatalf("job %s ended %s", job.ID, got.Status)
		}
	}

	want := int(balance / cost)
	if completed != want || aborted != n-want {
		t.Fatalf("completed=%d aborted=%d, want %d and %d", completed, aborted, want, n-want)
	}
	bal := testutil.Balance(t, f.db, "a@example.com")
	if bal != balance-tokens.Amount(want)*cost || bal < 0 {
		t.Fatalf("final balance: got %s", bal)
	}
	if calls := atomic.LoadInt32(&f.gateway.calls); int(calls) != want {
		t.Fatalf("gateway calls: want %d, got %d", want, calls)
	}
}

func TestHandleInsolventAbortsWithoutGateway(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(1.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)

	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != jobs.StatusAborted || len(got.Result) != 0 {
		t.Fatalf("expected Aborted without result, got %s", got.Status)
	}
	if calls := atomic.LoadInt32(&f.gateway.calls); calls != 0 {
		t.Fatalf("gateway must not be called, got %d calls", calls)
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(1.0) {
		t.Fatalf("expected balance 1.0, got %s", bal)
	}
	if f.notifier.count(realtime.JobAborted) != 1 || f.notifier.count(realtime.JobActive) != 0 {
		t.Fatalf("unexpected notifications: %+v", f.notifier.sent)
	}
}

func TestHandleTimeoutRefundsAndFails(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	f.gateway.invoke = func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		return nil, client.ErrTimeout
	}

	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := f.reload(t, job.ID)
	if got.Status != jobs.StatusFailed || len(got.Result) != 0 {
		t.Fatalf("expected Failed without result, got %s", got.Status)
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(2.0) {
		t.Fatalf("expected balance restored to 2.0, got %s", bal)
	}
	if f.notifier.count(realtime.JobFailed) != 1 {
		t.Fatalf("expected one JobFailed, got %+v", f.notifier.sent)
	}

	// A redelivery of the same task after the Failed commit does nothing.
	if err := f.handler.Handle(context.Background(), taskFor(t, job, 2)); err != nil {
		t.Fatalf("redelivered Handle: %v", err)
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(2.0) {
		t.Fatalf("redelivery must not refund twice, balance %s", bal)
	}
	if f.notifier.count(realtime.JobFailed) != 1 {
		t.Fatalf("redelivery must not notify again, got %+v", f.notifier.sent)
	}
}

func TestHandleRedeliveryAfterDebitDoesNotChargeTwice(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(5.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)

	// First delivery debits, then the gateway dies with an unexpected error.
	crash := errors.New("connection reset by worker host")
	f.gateway.invoke = func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		return nil, crash
	}
	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); !errors.Is(err, crash) {
		t.Fatalf("expected unexpected error to surface for retry, got %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != jobs.StatusRunning {
		t.Fatalf("expected job to stay Running, got %s", got.Status)
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(3.5) {
		t.Fatalf("expected one debit, balance %s", bal)
	}

	f.gateway.invoke = func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		return okResult(req.DatasetID), nil
	}
	if err := f.handler.Handle(context.Background(), taskFor(t, job, 2)); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != jobs.StatusCompleted {
		t.Fatalf("expected Completed, got %s", got.Status)
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(3.5) {
		t.Fatalf("redelivery must not debit twice, balance %s", bal)
	}
}

func TestGiveUpRefundsRunningJob(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	f.gateway.invoke = func(ctx context.Context, req client.Request) (*jobs.Result, error) {
		return nil, errors.New("unexpected")
	}
	_ = f.handler.Handle(context.Background(), taskFor(t, job, 5))

	for i := 0; i < 2; i++ {
		if err := f.handler.GiveUp(context.Background(), taskFor(t, job, 5), errors.New("unexpected")); err != nil {
			t.Fatalf("GiveUp: %v", err)
		}
	}
	got := f.reload(t, job.ID)
	if got.Status != jobs.StatusFailed || got.Error == "" {
		t.Fatalf("expected Failed with reason, got %s %q", got.Status, got.Error)
	}
	if bal := testutil.Balance(t, f.db, "a@example.com"); bal != tokens.FromFloat(2.0) {
		t.Fatalf("expected exactly one refund, balance %s", bal)
	}
}

func TestGiveUpAbortsPendingJob(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)

	if err := f.handler.GiveUp(context.Background(), taskFor(t, job, 5), errors.New("db down")); err != nil {
		t.Fatalf("GiveUp: %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != jobs.StatusAborted {
		t.Fatalf("expected Aborted, got %s", got.Status)
	}
	if f.notifier.count(realtime.JobAborted) != 1 {
		t.Fatalf("expected JobAborted, got %+v", f.notifier.sent)
	}
}

func TestHandleMissingDataset(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)
	if err := f.db.Model(ds).Update("is_deleted", true).Error; err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if err := f.handler.Handle(context.Background(), taskFor(t, job, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != jobs.StatusAborted {
		t.Fatalf("expected Aborted for a never-run job, got %s", got.Status)
	}
	if calls := atomic.LoadInt32(&f.gateway.calls); calls != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestHandleCallerCancelLeavesJobForRedelivery(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAccount(t, f.db, "a@example.com", tokens.FromFloat(2.0))
	ds := testutil.SeedDataset(t, f.db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, f.db, "a@example.com", ds, jobs.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.invoke = func(c context.Context, req client.Request) (*jobs.Result, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	}
	if err := f.handler.Handle(ctx, taskFor(t, job, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != jobs.StatusRunning {
		t.Fatalf("expected job left Running, got %s", got.Status)
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(lifecycle.ErrConsistencyViolation) {
		t.Fatalf("consistency violation must be fatal")
	}
	if IsFatal(errors.New("x")) || IsFatal(lifecycle.ErrAlreadyTerminal) {
		t.Fatalf("other errors are not fatal")
	}
}
