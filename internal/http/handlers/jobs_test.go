package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storytime/internal/admission"
	"storytime/internal/domain"
	"storytime/internal/http/handlers"
	"storytime/internal/http/httpapi"
	"storytime/internal/ledger"
	"storytime/internal/middleware"
	"storytime/internal/notify"
	"storytime/internal/orchestrate"
	"storytime/internal/registry"
	"storytime/internal/stage"
)

type echoClient struct {
	forStage domain.Stage
	out      stage.Output
}

func (e *echoClient) Stage() domain.Stage { return e.forStage }
func (e *echoClient) Invoke(ctx context.Context, _ stage.Request) (stage.Output, error) {
	return e.out, ctx.Err()
}

// jobView mirrors the job JSON the API returns.
type jobView struct {
	ID    string          `json:"id"`
	Stage string          `json:"stage"`
	Input domain.JobInput `json:"input"`
}

type webhookView struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	JobID string `json:"job_id"`
}

type testServer struct {
	srv     *httptest.Server
	reg     registry.Registry
	credits *ledger.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(context.Background(), "owner-1", 10))

	controller := admission.NewController(admission.NewMemoryCounters(), credits, zerolog.Nop())
	reg := registry.NewMemory()
	subs := notify.NewMemorySubscriptions()
	hub := notify.NewHub(zerolog.Nop())

	clients := []stage.Client{
		&echoClient{forStage: domain.StageAnalyzingImage, out: stage.Output{Analysis: "a fox"}},
		&echoClient{forStage: domain.StageGeneratingStory, out: stage.Output{StoryTitle: "Fox", StoryText: "Once..."}},
		&echoClient{forStage: domain.StageSynthesizingSpeech, out: stage.Output{SpeechRef: "audio/n.mp3", NarrationSeconds: 10}},
		&echoClient{forStage: domain.StageMixingMusic, out: stage.Output{MixedRef: "audio/m.mp3"}},
	}
	machine := orchestrate.NewMachine(reg, clients,
		stage.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, time.Second, nil, zerolog.Nop())
	orch := orchestrate.NewOrchestrator(orchestrate.Options{}, controller, credits, reg, machine, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(cancel)

	app := handlers.NewApp(orch, reg, credits, subs, hub, zerolog.Nop(), "test-secret")
	srv := httptest.NewServer(httpapi.NewRouter(app, zerolog.Nop(), httpapi.Options{}))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, reg: reg, credits: credits}
}

func (ts *testServer) token(t *testing.T, ownerID string, tier domain.Tier) string {
	t.Helper()
	token, err := middleware.SignJWT("test-secret", middleware.TokenClaims{
		Sub:  ownerID,
		Tier: string(tier),
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func validCreateBody() map[string]any {
	return map[string]any{
		"image_ref": "images/fox.png",
		"voice":     "nova",
		"theme":     "bedtime",
		"length":    "short",
	}
}

func TestJobsCreateAccepted(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierPremium)

	resp := ts.do(t, http.MethodPost, "/v1/jobs", token, validCreateBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job := decode[jobView](t, resp)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "queued", job.Stage)
	assert.Equal(t, "en", job.Input.Language, "language defaults")

	// The pipeline finishes in the background.
	require.Eventually(t, func() bool {
		j, err := ts.reg.Get(context.Background(), job.ID)
		return err == nil && j.Stage == domain.StageCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestJobsCreateRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/v1/jobs", "", validCreateBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobsCreateValidation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierPremium)

	resp := ts.do(t, http.MethodPost, "/v1/jobs", token, map[string]any{"voice": "nova"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "image_ref is required")

	bad := validCreateBody()
	bad["music_style"] = "dubstep"
	resp = ts.do(t, http.MethodPost, "/v1/jobs", token, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsCreateInsufficientCredits(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-broke", domain.TierPremium)

	resp := ts.do(t, http.MethodPost, "/v1/jobs", token, validCreateBody())
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestJobsCreateFeatureGate(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.credits.Grant(context.Background(), "owner-free", 5))
	token := ts.token(t, "owner-free", domain.TierFree)

	body := validCreateBody()
	body["length"] = "long"
	resp := ts.do(t, http.MethodPost, "/v1/jobs", token, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJobsGetScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	owner := ts.token(t, "owner-1", domain.TierPremium)

	created := decode[jobView](t, ts.do(t, http.MethodPost, "/v1/jobs", owner, validCreateBody()))

	resp := ts.do(t, http.MethodGet, "/v1/jobs/"+created.ID, owner, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ts.credits.Grant(context.Background(), "owner-2", 5))
	other := ts.token(t, "owner-2", domain.TierPremium)
	resp = ts.do(t, http.MethodGet, "/v1/jobs/"+created.ID, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsListPaginates(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierFamily)

	for i := 0; i < 3; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/jobs", token, validCreateBody())
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	type listResponse struct {
		Jobs          []jobView `json:"jobs"`
		NextPageToken string    `json:"next_page_token"`
	}

	first := decode[listResponse](t, ts.do(t, http.MethodGet, "/v1/jobs/?limit=2", token, nil))
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextPageToken)

	rest := decode[listResponse](t, ts.do(t, http.MethodGet, "/v1/jobs/?limit=2&page_token="+first.NextPageToken, token, nil))
	assert.Len(t, rest.Jobs, 1)
	assert.Empty(t, rest.NextPageToken)
}

func TestJobsCancelFinishedConflicts(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierPremium)

	created := decode[jobView](t, ts.do(t, http.MethodPost, "/v1/jobs", token, validCreateBody()))
	require.Eventually(t, func() bool {
		j, err := ts.reg.Get(context.Background(), created.ID)
		return err == nil && j.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	resp := ts.do(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMe(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierPremium)

	resp := ts.do(t, http.MethodGet, "/v1/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	me := decode[map[string]any](t, resp)
	assert.Equal(t, "owner-1", me["id"])
	assert.Equal(t, "premium", me["tier"])
	assert.Equal(t, float64(10), me["credits"])
}

func TestWebhooksCRUD(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierPremium)

	resp := ts.do(t, http.MethodPost, "/v1/webhooks", token, map[string]any{
		"url":    "https://example.com/hooks/story",
		"secret": "a-very-long-webhook-secret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[webhookView](t, resp)
	assert.NotEmpty(t, created.ID)

	type listResponse struct {
		Webhooks []webhookView `json:"webhooks"`
	}
	list := decode[listResponse](t, ts.do(t, http.MethodGet, "/v1/webhooks/", token, nil))
	require.Len(t, list.Webhooks, 1)

	resp = ts.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	list = decode[listResponse](t, ts.do(t, http.MethodGet, "/v1/webhooks/", token, nil))
	assert.Empty(t, list.Webhooks)
}

func TestWebhookValidation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "owner-1", domain.TierPremium)

	resp := ts.do(t, http.MethodPost, "/v1/webhooks", token, map[string]any{
		"url":    "not-a-url",
		"secret": "a-very-long-webhook-secret",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/webhooks", token, map[string]any{
		"url":    "https://example.com/hooks",
		"secret": "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/v1/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
