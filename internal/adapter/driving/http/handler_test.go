package httphandler_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/ericfisherdev/archguard/internal/adapter/driving/http"
	"github.com/ericfisherdev/archguard/internal/application"
	"github.com/ericfisherdev/archguard/internal/domain/model"
)

// --- Mock implementations ---

type mockGateway struct {
	mu      sync.Mutex
	nextID  int64
	creates int
	updates int
}

func (m *mockGateway) CreateCheckRun(_ context.Context, _ model.CheckExecutionArgs) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.nextID++
	return m.nextID, nil
}

func (m *mockGateway) UpdateCheckRun(_ context.Context, _ model.CheckExecutionArgs, _ model.CheckRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return nil
}

func (m *mockGateway) FindCheckRun(_ context.Context, _, _, _, _ string, _ int64) (int64, bool, error) {
	return 0, false, nil
}

func (m *mockGateway) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

type mockRunStore struct {
	mu   sync.Mutex
	runs map[string]model.TrackedRun
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: make(map[string]model.TrackedRun)}
}

func (m *mockRunStore) Get(_ context.Context, key model.OrchestrationKey) (*model.TrackedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[key.String()]
	if !ok {
		return nil, nil
	}
	cp := run
	return &cp, nil
}

func (m *mockRunStore) Insert(_ context.Context, run model.TrackedRun) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.Key.String()]; exists {
		return false, nil
	}
	run.Version = 1
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.Key.String()] = run
	return true, nil
}

func (m *mockRunStore) CompareAndSet(_ context.Context, run model.TrackedRun, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.runs[run.Key.String()]
	if !exists || cur.Version != expectedVersion {
		return false, nil
	}
	run.Version = expectedVersion + 1
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.Key.String()] = run
	return true, nil
}

func (m *mockRunStore) seed(run model.TrackedRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.Version == 0 {
		run.Version = 1
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.Key.String()] = run
}

// --- Test helpers ---

func setupMux(gw *mockGateway, store *mockRunStore, secret string) http.Handler {
	orch := application.NewOrchestrator(gw, store, nil, "ArchGuard", 1)
	h := httphandler.NewHandler(orch, store, "ArchGuard", secret, slog.Default())
	return httphandler.NewServeMux(h, slog.Default())
}

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushPayload(after string, deleted bool) string {
	deletedStr := "false"
	if deleted {
		deletedStr = "true"
	}
	return `{
		"ref": "refs/heads/main",
		"after": "` + after + `",
		"deleted": ` + deletedStr + `,
		"repository": {"name": "widgets", "full_name": "octocat/widgets", "owner": {"login": "octocat"}},
		"installation": {"id": 1234},
		"sender": {"login": "octocat"}
	}`
}

func postWebhook(mux http.Handler, eventType, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "d1a2b3c4")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	err := json.NewDecoder(rec.Body).Decode(v)
	require.NoError(t, err)
}

func testRunKey() model.OrchestrationKey {
	return model.NewOrchestrationKey("octocat", "widgets", headSHA, "ArchGuard")
}

// --- Tests ---

func TestHandleWebhook_PushCreatesRun(t *testing.T) {
	gw := &mockGateway{}
	store := newMockRunStore()
	mux := setupMux(gw, store, "")

	rec := postWebhook(mux, "push", pushPayload(headSHA, false), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack map[string]string
	decodeJSON(t, rec, &ack)
	assert.Equal(t, "accepted", ack["status"])

	// Orchestration runs in the background after the ack.
	require.Eventually(t, func() bool {
		run, err := store.Get(context.Background(), testRunKey())
		return err == nil && run != nil && run.CheckRunID != 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, gw.createCount())
}

func TestHandleWebhook_SignatureRequired(t *testing.T) {
	gw := &mockGateway{}
	store := newMockRunStore()
	mux := setupMux(gw, store, "s3cret")
	body := pushPayload(headSHA, false)

	rec := postWebhook(mux, "push", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(mux, "push", body, map[string]string{
		"X-Hub-Signature-256": signBody(body, "wrong"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(mux, "push", body, map[string]string{
		"X-Hub-Signature-256": signBody(body, "s3cret"),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleWebhook_MalformedPayloadAcknowledged(t *testing.T) {
	gw := &mockGateway{}
	store := newMockRunStore()
	mux := setupMux(gw, store, "")

	rec := postWebhook(mux, "push", `{"ref": `, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack map[string]string
	decodeJSON(t, rec, &ack)
	assert.Equal(t, "ignored", ack["status"])
	assert.Zero(t, gw.createCount())
}

func TestHandleWebhook_UnsupportedEventAcknowledged(t *testing.T) {
	gw := &mockGateway{}
	store := newMockRunStore()
	mux := setupMux(gw, store, "")

	rec := postWebhook(mux, "workflow_run", `{}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack map[string]string
	decodeJSON(t, rec, &ack)
	assert.Equal(t, "ignored", ack["status"])
}

func TestHandleWebhook_BranchDeletionIgnored(t *testing.T) {
	gw := &mockGateway{}
	store := newMockRunStore()
	mux := setupMux(gw, store, "")

	rec := postWebhook(mux, "push", pushPayload("0000000000000000000000000000000000000000", true), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack map[string]string
	decodeJSON(t, rec, &ack)
	assert.Equal(t, "ignored", ack["status"])
	assert.Zero(t, gw.createCount())
}

func TestPostResult(t *testing.T) {
	gw := &mockGateway{}
	store := newMockRunStore()
	store.seed(model.TrackedRun{
		Key:            testRunKey(),
		CheckRunID:     7,
		InstallationID: 1234,
		State:          model.RunStateInProgress,
	})
	mux := setupMux(gw, store, "")

	body := `{"owner": "octocat", "repo": "widgets", "sha": "` + headSHA + `",
		"conclusion": "success", "title": "Architecture check passed", "summary": "No violations"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/results", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	run, err := store.Get(context.Background(), testRunKey())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Completed())
	assert.Equal(t, model.ConclusionSuccess, run.Conclusion)
}

func TestPostResult_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing repo", `{"owner": "octocat", "sha": "` + headSHA + `", "conclusion": "success"}`, http.StatusBadRequest},
		{"invalid conclusion", `{"owner": "octocat", "repo": "widgets", "sha": "` + headSHA + `", "conclusion": "meh"}`, http.StatusBadRequest},
		{"unknown run", `{"owner": "octocat", "repo": "widgets", "sha": "` + headSHA + `", "conclusion": "success"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := setupMux(&mockGateway{}, newMockRunStore(), "")
			req := httptest.NewRequest(http.MethodPost, "/api/v1/results", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestGetRun(t *testing.T) {
	store := newMockRunStore()
	store.seed(model.TrackedRun{
		Key:            testRunKey(),
		CheckRunID:     42,
		InstallationID: 1234,
		State:          model.RunStateCompleted,
		Conclusion:     model.ConclusionFailure,
	})
	mux := setupMux(&mockGateway{}, store, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/octocat/widgets/"+headSHA, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httphandler.RunResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "octocat", resp.Owner)
	assert.Equal(t, int64(42), resp.CheckRunID)
	assert.Equal(t, "completed", resp.State)
	assert.Equal(t, "failure", resp.Conclusion)
}

func TestGetRun_CaseInsensitiveSHA(t *testing.T) {
	store := newMockRunStore()
	store.seed(model.TrackedRun{
		Key:        testRunKey(),
		CheckRunID: 42,
		State:      model.RunStateQueued,
	})
	mux := setupMux(&mockGateway{}, store, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/octocat/widgets/"+strings.ToUpper(headSHA), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	mux := setupMux(&mockGateway{}, newMockRunStore(), "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/octocat/widgets/"+headSHA, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	mux := setupMux(&mockGateway{}, newMockRunStore(), "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httphandler.HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
}
