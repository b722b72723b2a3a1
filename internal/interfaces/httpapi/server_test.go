package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHash    = "0xab00000000000000000000000000000000000000000000000000000000000001"
	testAddress = "0x1111111111111111111111111111111111111111"
)

type fakeClassifier struct {
	record  domain.TransactionRecord
	created bool
	err     error
}

func (f *fakeClassifier) Classify(context.Context, string) (domain.TransactionRecord, bool, error) {
	return f.record, f.created, f.err
}

type fakeLedger struct {
	records []domain.TransactionRecord
	err     error
}

func (f *fakeLedger) QueryByParticipant(context.Context, string) ([]domain.TransactionRecord, error) {
	return f.records, f.err
}

func (f *fakeLedger) Ping(context.Context) error { return f.err }

type fakeReconciler struct {
	submitted []domain.PendingSubmission
	submitErr error
	entries   []domain.DisplayEntry
	cancel    application.CancelResult
	cancelErr error
}

func (f *fakeReconciler) Submit(sub domain.PendingSubmission) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, sub)
	return nil
}

func (f *fakeReconciler) View(context.Context, string) ([]domain.DisplayEntry, error) {
	return f.entries, nil
}

func (f *fakeReconciler) Cancel(context.Context, string) (application.CancelResult, error) {
	return f.cancel, f.cancelErr
}

type fakeRPC struct{ err error }

func (f fakeRPC) LatestBlockNumber(context.Context) (uint64, error) { return 1, f.err }

type fixture struct {
	classifier *fakeClassifier
	ledger     *fakeLedger
	reconciler *fakeReconciler
	rpc        fakeRPC
}

func newFixture() *fixture {
	return &fixture{
		classifier: &fakeClassifier{},
		ledger:     &fakeLedger{},
		reconciler: &fakeReconciler{},
	}
}

func (f *fixture) handler(t *testing.T) http.Handler {
	t.Helper()
	server, err := NewServer(Deps{
		Classifier:     f.classifier,
		Ledger:         f.ledger,
		Reconciler:     f.reconciler,
		RPC:            f.rpc,
		AllowedOrigins: []string{"http://localhost:3000"},
		BuildInfo:      BuildInfo{Version: "test"},
	})
	require.NoError(t, err)
	return server.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleRecord() domain.TransactionRecord {
	return domain.TransactionRecord{
		Hash:        testHash,
		From:        testAddress,
		To:          "0x2222222222222222222222222222222222222222",
		Amount:      "1.5",
		Asset:       domain.AssetNative,
		BlockNumber: 10,
		Status:      domain.StatusSuccess,
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Deps{})
	require.Error(t, err)
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		name    string
		created bool
		err     error
		want    int
	}{
		{"created", true, nil, http.StatusCreated},
		{"existing", false, nil, http.StatusOK},
		{"not yet mined", false, application.ErrNotYetMined, http.StatusNotFound},
		{"node unavailable", false, fmt.Errorf("%w: timeout", application.ErrNodeUnavailable), http.StatusServiceUnavailable},
		{"consistency", false, fmt.Errorf("%w: hash", application.ErrStoreConsistency), http.StatusInternalServerError},
		{"unexpected", false, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.classifier.record = sampleRecord()
			f.classifier.created = tc.created
			f.classifier.err = tc.err

			rec := do(t, f.handler(t), http.MethodPost, "/transactions/"+testHash, "")
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestClassifyNotYetMinedBody(t *testing.T) {
	f := newFixture()
	f.classifier.err = application.ErrNotYetMined

	rec := do(t, f.handler(t), http.MethodPost, "/transactions/"+testHash, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"transaction not yet mined"}`, rec.Body.String())
}

func TestClassifyRejectsMalformedHash(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(t), http.MethodPost, "/transactions/0x1234", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassifyRequiresPost(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(t), http.MethodGet, "/transactions/"+testHash, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLedgerReturnsRecords(t *testing.T) {
	f := newFixture()
	f.ledger.records = []domain.TransactionRecord{sampleRecord()}

	rec := do(t, f.handler(t), http.MethodGet, "/ledger/"+testAddress, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []domain.TransactionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, testHash, records[0].Hash)
}

func TestLedgerEmptyIsArray(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(t), http.MethodGet, "/ledger/"+testAddress, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, f.handler(t), http.MethodGet, "/ledger/not-an-address", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture()
	f.reconciler.entries = []domain.DisplayEntry{{Hash: testHash, Status: domain.StatusPending}}

	rec := do(t, f.handler(t), http.MethodGet, "/history/"+testAddress, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"Pending"`)
}

func TestTrackSubmission(t *testing.T) {
	f := newFixture()
	body := `{"hash":"` + strings.ToUpper(testHash[2:]) + `","from":"` + testAddress + `","nonce":7,"fee_rate":"1000000000"}`

	rec := do(t, f.handler(t), http.MethodPost, "/pending", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "hash without 0x prefix")

	body = `{"hash":"` + testHash + `","from":"` + testAddress + `","to":"0x2222222222222222222222222222222222222222","amount":"1.0","asset":"Native","nonce":7,"fee_rate":"1000000000"}`
	rec = do(t, f.handler(t), http.MethodPost, "/pending", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.reconciler.submitted, 1)
	assert.Equal(t, uint64(7), f.reconciler.submitted[0].Nonce)
}

func TestTrackInvalidSubmission(t *testing.T) {
	f := newFixture()
	f.reconciler.submitErr = fmt.Errorf("%w: bad fee", application.ErrInvalidSubmission)
	body := `{"hash":"` + testHash + `","from":"` + testAddress + `","nonce":1}`

	rec := do(t, f.handler(t), http.MethodPost, "/pending", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler(t), http.MethodPost, "/pending", `{"hash":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelOutcomes(t *testing.T) {
	replacement := "0xcc00000000000000000000000000000000000000000000000000000000000002"

	f := newFixture()
	f.reconciler.cancel = application.CancelResult{Replacement: domain.PendingSubmission{Hash: replacement}}
	rec := do(t, f.handler(t), http.MethodPost, "/pending/"+testHash+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"hash":"`+replacement+`"}`, rec.Body.String())

	winner := sampleRecord()
	f = newFixture()
	f.reconciler.cancel = application.CancelResult{Winner: &winner}
	f.reconciler.cancelErr = fmt.Errorf("%w: nonce too low", application.ErrNonceRace)
	rec = do(t, f.handler(t), http.MethodPost, "/pending/"+testHash+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	var conflict cancelConflict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	require.NotNil(t, conflict.Record)
	assert.Equal(t, testHash, conflict.Record.Hash)

	f = newFixture()
	f.reconciler.cancelErr = fmt.Errorf("%w: already known", application.ErrAlreadySubmitted)
	rec = do(t, f.handler(t), http.MethodPost, "/pending/"+testHash+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"transaction already submitted"}`, rec.Body.String())

	f = newFixture()
	f.reconciler.cancelErr = fmt.Errorf("%w: %s", application.ErrNotTracked, testHash)
	rec = do(t, f.handler(t), http.MethodPost, "/pending/"+testHash+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture()
	h := f.handler(t)

	req := httptest.NewRequest(http.MethodOptions, "/transactions/"+testHash, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/ledger/"+testAddress, nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/ledger/"+testAddress, nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReadiness(t *testing.T) {
	f := newFixture()
	rec := do(t, f.handler(t), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.rpc = fakeRPC{err: application.ErrNodeUnavailable}
	rec = do(t, f.handler(t), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAndVersion(t *testing.T) {
	f := newFixture()
	f.classifier.created = true
	h := f.handler(t)

	do(t, h, http.MethodPost, "/transactions/"+testHash, "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `txledger_http_request_duration_seconds_count{method="POST",route="/transactions/{hash}",status="201"} 1`)

	rec = do(t, h, http.MethodGet, "/version", "")
	assert.JSONEq(t, `{"version":"test","commit":"","build_time":""}`, rec.Body.String())
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics(nil)
	m.OnClassified(application.OutcomeCreated)
	m.OnCancellation(application.CancelNonceRace)
	m.OnPendingCount(3)
	m.OnNodeCall("eth_gasPrice", errors.New("down"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `txledger_classifications_total{outcome="created"} 1`)
	assert.Contains(t, body, `txledger_cancellations_total{outcome="nonce_race"} 1`)
	assert.Contains(t, body, `txledger_pending_submissions 3`)
	assert.Contains(t, body, `txledger_node_calls_total{method="eth_gasPrice",status="error"} 1`)
}
