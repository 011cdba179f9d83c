package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebapi/kebapi/internal/auth"
	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/internal/metrics"
	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/internal/service"
	"github.com/kebapi/kebapi/internal/store"
	"github.com/kebapi/kebapi/pkg/types"
)

const booksReply = `{"resourceName":"book","resourceNamePlural":"books","description":"Books",
"fields":[{"name":"title","type":"string","required":true}],
"sampleData":[{"title":"A"},{"title":"B"},{"title":"C"}]}`

type fakeCompleter struct {
	reply atomic.Value
	calls int32
}

func (f *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.reply.Load().(string), nil
}

type testEnv struct {
	srv      *Server
	store    *store.SQLiteStore
	ai       *fakeCompleter
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.Path = filepath.Join(t.TempDir(), "kebapi.db")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.SetDefaults()

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := metrics.New()
	reg := registry.New(st, registry.WithMetrics(rec), registry.WithSanitize(cfg.Sanitize))
	ai := &fakeCompleter{}
	ai.reply.Store(booksReply)
	svc := service.New(service.Deps{Store: st, Registry: reg, Completer: ai, Quota: cfg.Quota, Metrics: rec})
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, "")

	srv, err := New(Deps{Config: cfg, Service: svc, Registry: reg, Store: st, Verifier: verifier, Metrics: rec})
	require.NoError(t, err)
	return &testEnv{srv: srv, store: st, ai: ai, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Identity{UserID: user, Email: user + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, float64(0), body["endpoints"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestCreateRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/create-endpoint", "", map[string]any{"prompt": "a catalogue of books"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authentication required. Please sign in.", decode(t, rec)["error"].(map[string]any)["message"])

	rec = env.do(t, http.MethodPost, "/api/create-endpoint", "garbage", map[string]any{"prompt": "a catalogue of books"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid or expired token", decode(t, rec)["error"].(map[string]any)["message"])

	assert.Zero(t, atomic.LoadInt32(&env.ai.calls))
	eps, err := env.store.ListEndpoints(ctx, store.EndpointFilter{})
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestCreateAndServeGeneratedRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")

	rec := env.do(t, http.MethodPost, "/api/create-endpoint", token, map[string]any{"prompt": "a catalogue of books", "project": "shop"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	ep := body["endpoint"].(map[string]any)
	assert.Equal(t, "/api/shop/books", ep["full_path"])
	assert.Equal(t, "http://localhost:3000/api/shop/books", ep["url"])
	assert.Equal(t, float64(3), body["items"])

	rec = env.do(t, http.MethodGet, "/api/shop/books", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.Equal(t, float64(3), list["total"])

	rec = env.do(t, http.MethodPost, "/api/shop/books", token, map[string]any{"title": "D"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/shop/books", "", nil)
	assert.Equal(t, float64(4), decode(t, rec)["total"])

	rec = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, float64(1), decode(t, rec)["endpoints"])
}

func TestCreateValidationAndQuota(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")

	rec := env.do(t, http.MethodPost, "/api/create-endpoint", token, map[string]any{"prompt": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Prompt must be at least 10 characters", decode(t, rec)["error"].(map[string]any)["message"])

	req := httptest.NewRequest(http.MethodPost, "/api/create-endpoint", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	raw := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	for i := 0; i < 10; i++ {
		rec = env.do(t, http.MethodPost, "/api/create-endpoint", token, map[string]any{"prompt": "a catalogue of books"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	calls := atomic.LoadInt32(&env.ai.calls)
	rec = env.do(t, http.MethodPost, "/api/create-endpoint", token, map[string]any{"prompt": "a catalogue of books"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "resource_exhausted", decode(t, rec)["error"].(map[string]any)["code"])
	assert.Equal(t, calls, atomic.LoadInt32(&env.ai.calls))
}

func TestCreateMalformedAIOutput(t *testing.T) {
	env := newTestEnv(t)
	env.ai.reply.Store("I am not JSON")

	rec := env.do(t, http.MethodPost, "/api/create-endpoint", env.token(t, "u1"), map[string]any{"prompt": "a catalogue of books"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "upstream_generation", decode(t, rec)["error"].(map[string]any)["code"])

	eps, err := env.store.ListEndpoints(context.Background(), store.EndpointFilter{})
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestCreateFromDataset(t *testing.T) {
	env := newTestEnv(t)
	env.ai.reply.Store(`{"resourceName":"city","resourceNamePlural":"cities","description":"Cities"}`)

	rec := env.do(t, http.MethodPost, "/api/create-from-dataset", env.token(t, "u1"), map[string]any{
		"name":    "cities",
		"records": []map[string]any{{"name": "Paris"}, {"name": "Lyon"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.NotNil(t, body["dataset"])

	rec = env.do(t, http.MethodGet, "/api/cities", "", nil)
	assert.Equal(t, float64(2), decode(t, rec)["total"])

	dsID := body["dataset"].(map[string]any)["id"].(string)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/datasets/"+dsID, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/datasets/"+dsID, env.token(t, "u2"), nil).Code)
	rec = env.do(t, http.MethodGet, "/api/datasets/"+dsID, env.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, float64(2), got["total"])
	assert.Equal(t, "Paris", got["data"].([]any)[0].(map[string]any)["name"])
}

func TestCreateReservedPathIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.ai.reply.Store(`{"resourceName":"endpoint","resourceNamePlural":"endpoints","fields":[{"name":"title","type":"string"}],"sampleData":[{"title":"A"}]}`)
	token := env.token(t, "u1")

	rec := env.do(t, http.MethodPost, "/api/create-endpoint", token, map[string]any{"prompt": "a list of endpoints"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decode(t, rec)["error"].(map[string]any)["code"])

	eps, err := env.store.ListEndpoints(context.Background(), store.EndpointFilter{})
	require.NoError(t, err)
	assert.Empty(t, eps)
	rec = env.do(t, http.MethodPost, "/api/endpoints", "", map[string]any{"title": "B"})
	assert.NotEqual(t, http.StatusCreated, rec.Code)
}

func TestControlRoutesAreReserved(t *testing.T) {
	env := newTestEnv(t)
	err := chi.Walk(env.srv.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route == "/api/*" || !strings.HasPrefix(route, "/api") {
			return nil
		}
		ep := &types.Endpoint{
			ID:               "static " + route,
			Path:             strings.TrimPrefix(route, "/api"),
			Method:           method,
			ResponseSnapshot: json.RawMessage(`{}`),
		}
		if base, ok := strings.CutSuffix(route, "/{id}"); ok {
			ep = &types.Endpoint{
				ID:          "dynamic " + route,
				Path:        strings.TrimPrefix(base, "/api"),
				Method:      http.MethodGet,
				FieldSchema: &types.FieldSchema{Fields: []types.Field{{Name: "x", Type: "string"}}},
			}
		}
		assert.ErrorIs(t, env.srv.registry.Check(ep), registry.ErrReserved, "%s %s", method, route)
		return nil
	})
	require.NoError(t, err)
}

func TestListDeleteAndMarketplace(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")
	bob := env.token(t, "bob")

	rec := env.do(t, http.MethodPost, "/api/create-endpoint", alice, map[string]any{"prompt": "a catalogue of books"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["endpoint"].(map[string]any)["id"].(string)

	rec = env.do(t, http.MethodGet, "/api/endpoints", alice, nil)
	assert.Equal(t, float64(1), decode(t, rec)["total"])
	rec = env.do(t, http.MethodGet, "/api/endpoints", bob, nil)
	assert.Equal(t, float64(0), decode(t, rec)["total"])

	rec = env.do(t, http.MethodGet, "/api/marketplace?method=get&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, float64(3), data[0].(map[string]any)["items"])

	rec = env.do(t, http.MethodGet, "/api/marketplace?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/endpoints/"+id, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/endpoints/"+id, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["items_deleted"])
	assert.Equal(t, float64(5), body["routes_removed"])
	assert.Equal(t, float64(0), body["datasets_deleted"])

	rec = env.do(t, http.MethodGet, "/api/books", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReloadEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u1")
	rec := env.do(t, http.MethodPost, "/api/create-endpoint", token, map[string]any{"prompt": "a catalogue of books"})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/reload-endpoints", "", nil).Code)

	rec = env.do(t, http.MethodPost, "/api/reload-endpoints", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["loaded"])
	assert.Equal(t, float64(5), body["routes"])
}

func TestOpenAPIIndexAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/create-endpoint", env.token(t, "u1"), map[string]any{"prompt": "a catalogue of books"})
	require.Equal(t, http.StatusCreated, rec.Code)
	env.do(t, http.MethodGet, "/api/books", "", nil)

	rec = env.do(t, http.MethodGet, "/api/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/books/{id}")

	rec = env.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://localhost:3000/api/books/:id")

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kebapi_generated_requests_total{method="GET",route="/api/books",status="200"} 1`)
}

func TestNotFoundAndCORS(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	rec = env.do(t, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodOptions, "/api/create-endpoint", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
