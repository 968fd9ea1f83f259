package web

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/engine"
	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/KoketsoMabuela92/background-job-runner/internal/registry"
	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuthorize(t *testing.T) {
	s := &Server{token: "token", limiter: newHostThrottle(10, time.Minute, 10), logger: quietLogger()}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer token")
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected authorized with correct token")
	}

	s = &Server{logger: quietLogger()}
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected authorized when token not configured")
	}
}

func TestAuthorizeRateLimit(t *testing.T) {
	s := &Server{token: "token", limiter: newHostThrottle(1, time.Minute, 10), logger: quietLogger()}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Result().StatusCode)
	}
}

func TestAuthorizeAllowlist(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := &Server{limiter: newHostThrottle(10, time.Minute, 10), allow: allowlist, logger: quietLogger()}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected denied for non-allowlisted host")
	}
	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected allowed for allowlisted host")
	}
}

func signToken(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignedToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		secret string
		claims map[string]interface{}
		want   bool
	}{
		{"valid", "s3", map[string]interface{}{"aud": "jobrunner", "exp": now.Unix() + 60}, true},
		{"audience list", "s3", map[string]interface{}{"aud": []string{"other", "jobrunner"}}, true},
		{"expired", "s3", map[string]interface{}{"aud": "jobrunner", "exp": now.Unix() - 1}, false},
		{"not yet valid", "s3", map[string]interface{}{"aud": "jobrunner", "nbf": now.Unix() + 60}, false},
		{"wrong audience", "s3", map[string]interface{}{"aud": "someone-else"}, false},
		{"wrong secret", "other", map[string]interface{}{"aud": "jobrunner"}, false},
	}
	for _, tt := range tests {
		token := signToken(t, tt.secret, tt.claims)
		if got := verifySignedToken(token, "s3", now); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
	if verifySignedToken("not.a.jwt", "s3", now) {
		t.Fatal("expected garbage token rejected")
	}
}

type apiFixture struct {
	server *Server
	engine *engine.Engine
	store  *queue.MemoryStore
	broker *events.Broker
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	store := queue.NewMemoryStore()
	broker := events.NewBroker(32)
	reg := registry.New(map[string][]string{"Mail": {"send"}}, registry.Table{
		"Mail": {"send": registry.HandlerFunc(func(context.Context, json.RawMessage) registry.Result {
			return registry.Failure("smtp down")
		})},
	})
	eng := engine.New(store, reg, quietLogger(), engine.Options{Publisher: broker, Retry: &engine.RetryPolicy{MaxAttempts: 0, Delay: time.Minute}})
	opts.Events = broker
	opts.Logger = quietLogger()
	return &apiFixture{server: NewServer(eng, store, opts), engine: eng, store: store, broker: broker}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestCreateAndGetJob(t *testing.T) {
	f := newAPIFixture(t, Options{})
	w := f.do(t, http.MethodPost, "/api/jobs", `{"job_type":"Mail","entry_point":"send","payload":{"to":"a@example.com"},"priority":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != models.StatusPending || created.Priority != 2 {
		t.Fatalf("unexpected job %+v", created)
	}

	w = f.do(t, http.MethodGet, "/api/jobs/"+created.ID.String(), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"to":"a@example.com"`) {
		t.Fatalf("expected job with payload, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateJobErrors(t *testing.T) {
	f := newAPIFixture(t, Options{})
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"job_type":`, http.StatusBadRequest},
		{"missing entry point", `{"job_type":"Mail"}`, http.StatusBadRequest},
		{"not allowed", `{"job_type":"Shell","entry_point":"exec"}`, http.StatusForbidden},
		{"bad priority", `{"job_type":"Mail","entry_point":"send","priority":9}`, http.StatusUnprocessableEntity},
		{"array payload", `{"job_type":"Mail","entry_point":"send","payload":[1,2]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if w := f.do(t, http.MethodPost, "/api/jobs", tt.body); w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d: %s", tt.name, tt.want, w.Code, w.Body.String())
		}
	}
}

func TestJobActions(t *testing.T) {
	f := newAPIFixture(t, Options{})
	ctx := context.Background()

	job, err := f.engine.Create(ctx, engine.CreateParams{JobType: "Mail", EntryPoint: "send"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w := f.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/retry", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a pending job, got %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cancelled":true`) {
		t.Fatalf("expected cancelled, got %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cancelled":false`) {
		t.Fatalf("expected no-op cancel, got %d: %s", w.Code, w.Body.String())
	}

	failing, _ := f.engine.Create(ctx, engine.CreateParams{JobType: "Mail", EntryPoint: "send"})
	if _, err := f.engine.Run(ctx, failing.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	w = f.do(t, http.MethodPost, "/api/jobs/"+failing.ID.String()+"/retry", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"pending"`) {
		t.Fatalf("expected retried job, got %d: %s", w.Code, w.Body.String())
	}

	if w := f.do(t, http.MethodGet, "/api/jobs/not-a-uuid", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/jobs/0190b1a2-0000-7000-8000-000000000000", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListAndStats(t *testing.T) {
	f := newAPIFixture(t, Options{})
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Create(context.Background(), engine.CreateParams{JobType: "Mail", EntryPoint: "send"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	w := f.do(t, http.MethodGet, "/api/jobs?status=pending&limit=2", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":2`) {
		t.Fatalf("expected two jobs, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/api/jobs?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/stats", "")
	var stats struct {
		Counts map[string]int64 `json:"counts"`
		Total  int64            `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 3 || stats.Counts["pending"] != 3 || stats.Counts["failed"] != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newAPIFixture(t, Options{Token: "t0k"})
	if w := f.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer t0k")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected healthy, got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer t0k")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", w.Code)
	}

	_ = f.store.Close()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer t0k")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after store closed, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[error]int{
		models.ErrNotAllowed:        http.StatusForbidden,
		models.ErrValidation:        http.StatusUnprocessableEntity,
		models.ErrNotFound:          http.StatusNotFound,
		models.ErrInvalidTransition: http.StatusConflict,
		models.ErrSignalDelivery:    http.StatusBadGateway,
		errors.New("boom"):          http.StatusInternalServerError,
	}
	for err, want := range tests {
		if got := statusFor(err); got != want {
			t.Errorf("%v: expected %d, got %d", err, want, got)
		}
	}
}

func TestEventStream(t *testing.T) {
	f := newAPIFixture(t, Options{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	job, err := f.engine.Create(context.Background(), engine.CreateParams{JobType: "Mail", EntryPoint: "send"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?job_id="+job.ID.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}

	go func() {
		_, _ = f.engine.Cancel(context.Background(), job.ID)
	}()

	scanner := bufio.NewScanner(resp.Body)
	var seen []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			seen = append(seen, strings.TrimPrefix(line, "event: "))
		}
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[0] != events.TypeJobCreated || seen[1] != events.TypeJobCancelled {
		t.Fatalf("expected created then cancelled events, got %v", seen)
	}
}

func TestEventStreamRejectsBadFilter(t *testing.T) {
	f := newAPIFixture(t, Options{})
	if w := f.do(t, http.MethodGet, "/events?status=exploded", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
