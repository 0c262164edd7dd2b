package devices

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/authz"
	appctx "github.com/resul067142/yenirr/internal/context"
	"github.com/resul067142/yenirr/internal/repository"
)

// asUser stands in for the auth middleware
func asUser(u *repository.User) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := appctx.WithUser(r.Context(), u.ID.String(), u.Username, u.Role)
			c = authz.WithCapabilities(c, authz.For(u.Role))
			next.ServeHTTP(w, r.WithContext(c))
		})
	}
}

func newTestRouter(env *testEnv, as *repository.User) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		RegisterRoutes(r, NewHandler(env.svc, nil), asUser(as))
	})
	return r
}

func serve(h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) api.APIResponse {
	t.Helper()
	var resp api.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestRoutes_CreateAndConflict(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, env.alice)

	rec := serve(h, http.MethodPost, "/api/v1/devices", validRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(h, http.MethodPost, "/api/v1/devices", validRequest())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeDeviceEmailExists, decode(t, rec).Error.Code)

	req := validRequest()
	req.IMEI = "abc"
	rec = serve(h, http.MethodPost, "/api/v1/devices", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec).Error.Details, "imei")
}

func TestRoutes_ForeignDevice(t *testing.T) {
	env := newTestEnv()
	bobs := env.phone(env.bob, "+905320000003")
	h := newTestRouter(env, env.alice)

	rec := serve(h, http.MethodGet, "/api/v1/devices/"+bobs.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, api.CodeForbidden, decode(t, rec).Error.Code)

	rec = serve(h, http.MethodPost, "/api/v1/devices/"+bobs.ID.String()+"/toggle", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, http.MethodGet, "/api/v1/devices/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.CodeDeviceNotFound, decode(t, rec).Error.Code)
}

func TestRoutes_ListFilters(t *testing.T) {
	env := newTestEnv()
	env.phone(env.alice, "+905320000001")
	h := newTestRouter(env, env.alice)

	for _, q := range []string{"device_type=drone", "is_active=maybe", "date_from=15.03.2024", "date_to=2024-13-01"} {
		rec := serve(h, http.MethodGet, "/api/v1/devices?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := serve(h, http.MethodGet, "/api/v1/devices?device_type=phone&is_active=true&date_from=2024-03-15&date_to=2024-03-15", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]interface{})
	assert.Len(t, data["devices"], 1)
}

func TestRoutes_Export(t *testing.T) {
	env := newTestEnv()
	env.phone(env.alice, "+905320000001")

	rec := serve(newTestRouter(env, env.alice), http.MethodGet, "/api/v1/devices/export/csv", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(newTestRouter(env, env.admin), http.MethodGet, "/api/v1/devices/export/csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="devices_20240315_103000.csv"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\uFEFFCihaz Adı;"))

	rec = serve(newTestRouter(env, env.admin), http.MethodGet, "/api/v1/devices/export/pdf", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_Statistics(t *testing.T) {
	env := newTestEnv()
	env.phone(env.alice, "+905320000001")

	rec := serve(newTestRouter(env, env.alice), http.MethodGet, "/api/v1/devices/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec).Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])
	assert.Len(t, data["last_7_days"], 7)
}
