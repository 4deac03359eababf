package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/go-run-queue/blob"
	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/db/dbtest"
	"github.com/jupark12/go-run-queue/dispatch"
	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
	"github.com/jupark12/go-run-queue/queue"
	"github.com/jupark12/go-run-queue/ratelimit"
	"github.com/jupark12/go-run-queue/room"
)

const testToken = "test-server-token"

type presignOnly struct{}

func (presignOnly) Head(context.Context, string) (blob.ObjectInfo, error) {
	return blob.ObjectInfo{}, blob.ErrObjectNotFound
}

func (presignOnly) Get(context.Context, string) ([]byte, error) {
	return nil, blob.ErrObjectNotFound
}

func (presignOnly) Put(context.Context, string, []byte, string) error {
	return errors.New("read only")
}

func (presignOnly) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://blobs.local/" + key, nil
}

type okHealth struct{}

func (okHealth) HealthCheck(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	return Config{
		AllowedOrigins:    []string{"https://app.example.com"},
		ServerToken:       testToken,
		MinVisibility:     10 * time.Second,
		MaxVisibility:     time.Hour,
		DefaultVisibility: time.Minute,
		MaxBatch:          100,
	}
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *httptest.Server {
	t.Helper()
	database := dbtest.Open(t)
	logger := dbtest.Logger()
	metrics := observability.NewRegistry()

	jobs := queue.NewJobStore(database, logger, queue.WithMetrics(metrics))
	runs := queue.NewRunStore(database, logger, queue.WithMetrics(metrics))
	rooms := room.NewRegistry(room.NewSQLStateStore(database), logger, room.WithMetrics(metrics))
	d := dispatch.New(jobs, runs, rooms, logger, dispatch.WithBlobStore(presignOnly{}, 15*time.Minute))

	srv, err := NewServer(testConfig(), d, limiter, okHealth{}, logger, metrics)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		rooms.Close()
	})
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectProblem(t *testing.T, resp *http.Response, status int, code string) common.Problem {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	p := decode[common.Problem](t, resp)
	if p.Code != code || p.Status != status || p.Title == "" {
		t.Fatalf("unexpected problem %+v", p)
	}
	return p
}

func TestIndexAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["service"] != serviceName || body["status"] != "ok" {
		t.Fatalf("unexpected index %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}

	resp = doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodGet, "/nope", "", nil)
	expectProblem(t, resp, http.StatusNotFound, common.CodeNotFound)
}

func TestJobRoutesRequireServerToken(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/jobs/enqueue", "/jobs/lease", "/jobs/ack"} {
		resp := doJSON(t, ts, http.MethodPost, path, "", map[string]any{})
		expectProblem(t, resp, http.StatusUnauthorized, common.CodeAuth)

		resp = doJSON(t, ts, http.MethodPost, path, "wrong", map[string]any{})
		expectProblem(t, resp, http.StatusUnauthorized, common.CodeAuth)
	}
	resp := doJSON(t, ts, http.MethodGet, "/jobs/stats", "", nil)
	expectProblem(t, resp, http.StatusUnauthorized, common.CodeAuth)
}

func TestValidationProblems(t *testing.T) {
	ts := newTestServer(t, nil)
	cases := []struct {
		name string
		path string
		body any
	}{
		{"enqueue missing fields", "/jobs/enqueue", map[string]any{"runId": "run_1"}},
		{"lease max too large", "/jobs/lease", map[string]any{"max": 500}},
		{"lease visibility too short", "/jobs/lease", map[string]any{"visibilitySeconds": 1}},
		{"lease visibility too long", "/jobs/lease", map[string]any{"visibilitySeconds": 7200}},
		{"ack empty ids", "/jobs/ack", map[string]any{"ids": []string{}}},
		{"ack bad status", "/jobs/ack", map[string]any{"ids": []string{"a"}, "status": "pending"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, ts, http.MethodPost, tc.path, testToken, tc.body)
			p := expectProblem(t, resp, http.StatusBadRequest, common.CodeValidation)
			if p.Detail == nil {
				t.Fatal("expected field details")
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/jobs/enqueue", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	expectProblem(t, resp, http.StatusBadRequest, common.CodeValidation)
}

func TestEnqueueLeaseAckFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodPost, "/jobs/enqueue", testToken, map[string]string{
		"runId": "run_1", "tenantId": "tenant-a", "objectKey": "tenants/tenant-a/run_1/doc.pdf",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	enq := decode[enqueueResponse](t, resp)
	if enq.JobID == "" || enq.Status != "pending" || !enq.Success {
		t.Fatalf("unexpected enqueue response %+v", enq)
	}

	resp = doJSON(t, ts, http.MethodPost, "/jobs/lease", testToken, map[string]int{"max": 5, "visibilitySeconds": 30})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lease status = %d", resp.StatusCode)
	}
	leased := decode[struct{ Jobs []models.Job }](t, resp)
	if len(leased.Jobs) != 1 || leased.Jobs[0].ID != enq.JobID || leased.Jobs[0].Status != models.StatusLeased {
		t.Fatalf("unexpected lease %+v", leased)
	}
	if leased.Jobs[0].Attempts != 1 || leased.Jobs[0].VisibilityDeadline == nil {
		t.Fatalf("leased job should carry attempts = 1 and a deadline, got %+v", leased.Jobs[0])
	}

	resp = doJSON(t, ts, http.MethodPost, "/jobs/lease", testToken, nil)
	empty := decode[map[string][]models.Job](t, resp)
	if jobs, ok := empty["jobs"]; !ok || len(jobs) != 0 {
		t.Fatalf("second lease should return an empty list, got %v", empty)
	}

	resp = doJSON(t, ts, http.MethodPost, "/jobs/ack", testToken, map[string]any{"ids": []string{enq.JobID, "missing"}, "status": "done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}
	acked := decode[struct{ Results []models.AckResult }](t, resp)
	if len(acked.Results) != 2 || acked.Results[0].Status != "done" || acked.Results[1].Status != models.AckNotFound {
		t.Fatalf("unexpected ack %+v", acked)
	}

	resp = doJSON(t, ts, http.MethodGet, "/jobs/stats", testToken, nil)
	stats := decode[struct {
		Stats     map[string]int64
		Timestamp string
	}](t, resp)
	if stats.Stats["done"] != 1 || stats.Stats["pending"] != 0 || stats.Timestamp == "" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp = doJSON(t, ts, http.MethodGet, "/runs/run_1/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	status := decode[dispatch.RunStatus](t, resp)
	if status.Status != models.RunProcessed || status.Realtime.Phase != models.PhaseProcessed || status.Realtime.Percent != 100 {
		t.Fatalf("unexpected run status %+v", status)
	}
}

func TestRunRoutesNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := doJSON(t, ts, http.MethodGet, "/runs/run_missing/status", "", nil)
	expectProblem(t, resp, http.StatusNotFound, common.CodeNotFound)

	resp = doJSON(t, ts, http.MethodPost, "/runs/run_missing/enqueue", "", nil)
	expectProblem(t, resp, http.StatusNotFound, common.CodeNotFound)

	resp = doJSON(t, ts, http.MethodGet, "/runs/run_missing/ws", "", nil)
	expectProblem(t, resp, http.StatusNotFound, common.CodeNotFound)
}

func TestCreateUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := doJSON(t, ts, http.MethodPost, "/uploads", "", map[string]string{
		"contentType": "pdf", "filename": "march statement.pdf", "tenantId": "tenant-a",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	ticket := decode[dispatch.UploadTicket](t, resp)
	if !strings.HasPrefix(ticket.RunID, "run_") || !strings.HasSuffix(ticket.ObjectKey, "/march_statement.pdf") || ticket.PutURL == "" {
		t.Fatalf("unexpected ticket %+v", ticket)
	}

	resp = doJSON(t, ts, http.MethodPost, "/uploads", "", map[string]string{
		"contentType": "docx", "filename": "a.docx", "tenantId": "tenant-a",
	})
	expectProblem(t, resp, http.StatusBadRequest, common.CodeValidation)

	// Nothing was uploaded, so enqueueing the run is rejected.
	resp = doJSON(t, ts, http.MethodPost, "/runs/"+ticket.RunID+"/enqueue", "", nil)
	expectProblem(t, resp, http.StatusBadRequest, common.CodeValidation)
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	limiter := ratelimit.New(map[string]ratelimit.Limit{
		ratelimit.RouteRunStatus: {MaxTokens: 1, RefillRate: 0.5},
	})
	ts := newTestServer(t, limiter)

	resp := doJSON(t, ts, http.MethodGet, "/runs/run_x/status", "", nil)
	expectProblem(t, resp, http.StatusNotFound, common.CodeNotFound)

	resp = doJSON(t, ts, http.MethodGet, "/runs/run_x/status", "", nil)
	p := expectProblem(t, resp, http.StatusTooManyRequests, common.CodeRateLimit)
	if resp.Header.Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	detail, ok := p.Detail.(map[string]any)
	if !ok || detail["retryAfter"] != float64(2) {
		t.Fatalf("unexpected detail %#v", p.Detail)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/jobs/lease", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/jobs/lease", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

func TestWebSocketStreamsRunUpdates(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodPost, "/jobs/enqueue", testToken, map[string]string{
		"runId": "run_ws", "tenantId": "tenant-a", "objectKey": "k",
	})
	enq := decode[enqueueResponse](t, resp)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runs/run_ws/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEnvelope(t, conn)
	if first.Type != models.EnvelopeProgress || first.Data.Phase != models.PhaseQueued {
		t.Fatalf("first frame should be the current state, got %+v", first)
	}

	doJSON(t, ts, http.MethodPost, "/jobs/ack", testToken, map[string]any{"ids": []string{enq.JobID}, "status": "failed"})

	env := readEnvelope(t, conn)
	if env.Type != models.EnvelopeError || env.Data.Phase != models.PhaseFailed || env.Data.Percent != 100 {
		t.Fatalf("unexpected terminal frame %+v", env)
	}
	if env.Timestamp == 0 {
		t.Fatal("frame timestamp missing")
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, nil)
	doJSON(t, ts, http.MethodPost, "/jobs/enqueue", testToken, map[string]string{
		"runId": "run_ws", "tenantId": "tenant-a", "objectKey": "k",
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runs/run_ws/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}
