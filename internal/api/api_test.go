package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/noradhub/internal/api"
	"github.com/Tyrowin/noradhub/internal/hub"
	"github.com/Tyrowin/noradhub/internal/metrics"
	"github.com/Tyrowin/noradhub/internal/norad"
)

const (
	dashboardPassword = "password123"
	sessionSecret     = "0123456789abcdef0123456789abcdef"
)

type fakeHub struct {
	mu         sync.Mutex
	telescopes []hub.Descriptor
	ids        []int
	updateErr  error
	lastRaw    []byte
}

func (f *fakeHub) Telescopes() []hub.Descriptor { return f.telescopes }
func (f *fakeHub) TelescopeCount() int          { return len(f.telescopes) }

func (f *fakeHub) NoradIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids
}

func (f *fakeHub) UpdateNoradIDs(_ context.Context, raw []byte) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRaw = raw
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	ids, err := norad.ParseIDs(raw)
	if err != nil {
		return nil, err
	}
	f.ids = ids
	return ids, nil
}

func (f *fakeHub) raw() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRaw
}

func newTestAPI(t *testing.T, h api.Hub, opts api.Options) *httptest.Server {
	t.Helper()
	a, err := api.New(h, opts, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(a.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, client *http.Client, method, target, contentType, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestAPI_GetTelescopes(t *testing.T) {
	t.Run("none connected", func(t *testing.T) {
		ts := newTestAPI(t, &fakeHub{}, api.Options{})
		resp, body := do(t, nil, http.MethodGet, ts.URL+"/telescopes", "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.JSONEq(t, `[]`, body)
	})

	t.Run("descriptor fields", func(t *testing.T) {
		id := uuid.MustParse("7f1d1f43-4c1a-4bb8-9c41-2b0c3f2d9a10")
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		ts := newTestAPI(t, &fakeHub{telescopes: []hub.Descriptor{{ID: id, RemoteAddr: "10.0.0.5:40112", ConnectedAt: at}}}, api.Options{})

		_, body := do(t, nil, http.MethodGet, ts.URL+"/telescopes", "", "")
		assert.JSONEq(t, `[{"id":"7f1d1f43-4c1a-4bb8-9c41-2b0c3f2d9a10","remote_addr":"10.0.0.5:40112","connected_at":"2024-03-01T12:00:00Z"}]`, body)
	})
}

func TestAPI_GetNorad(t *testing.T) {
	ts := newTestAPI(t, &fakeHub{}, api.Options{})
	_, body := do(t, nil, http.MethodGet, ts.URL+"/norad", "", "")
	assert.JSONEq(t, `[]`, body)

	ts = newTestAPI(t, &fakeHub{ids: []int{25544, 48274}}, api.Options{})
	_, body = do(t, nil, http.MethodGet, ts.URL+"/norad", "", "")
	assert.JSONEq(t, `[25544,48274]`, body)
}

func TestAPI_PostNorad(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"valid list", `{"norad_ids":[25544,48274]}`, http.StatusOK, `{"message":"NORAD IDs updated","norad_ids":[25544,48274]}`},
		{"empty list", `{"norad_ids":[]}`, http.StatusOK, `{"message":"NORAD IDs updated","norad_ids":[]}`},
		{"missing key", `{}`, http.StatusOK, `{"message":"NORAD IDs updated","norad_ids":[]}`},
		{"not a list", `{"norad_ids":"25544"}`, http.StatusBadRequest, `{"error":"Invalid NORAD ID list format"}`},
		{"string element", `{"norad_ids":[25544,"x"]}`, http.StatusBadRequest, `{"error":"NORAD IDs must be integers"}`},
		{"float element", `{"norad_ids":[1.5]}`, http.StatusBadRequest, `{"error":"NORAD IDs must be integers"}`},
		{"array body", `[25544]`, http.StatusBadRequest, `{"error":"Request body must be a JSON object"}`},
		{"not json", `norad_ids=1`, http.StatusBadRequest, `{"error":"Request body must be a JSON object"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHub{ids: []int{1}}
			ts := newTestAPI(t, h, api.Options{})

			resp, body := do(t, nil, http.MethodPost, ts.URL+"/norad", "application/json", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.JSONEq(t, tt.wantBody, body)
			assert.Equal(t, tt.body, string(h.raw()))
		})
	}
}

func TestAPI_PostNoradFailures(t *testing.T) {
	tests := map[string]error{
		"persist failure": &norad.PersistError{Path: "/ro/norad_ids.json", Err: io.ErrShortWrite},
		"hub stopped":     hub.ErrHubStopped,
	}

	for name, updateErr := range tests {
		t.Run(name, func(t *testing.T) {
			ts := newTestAPI(t, &fakeHub{updateErr: updateErr}, api.Options{})
			resp, body := do(t, nil, http.MethodPost, ts.URL+"/norad", "application/json", `{"norad_ids":[1]}`)
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.JSONEq(t, `{"error":"Failed to update NORAD IDs"}`, body)
		})
	}
}

func TestAPI_PostNoradBodyTooLarge(t *testing.T) {
	h := &fakeHub{}
	ts := newTestAPI(t, h, api.Options{MaxBodyBytes: 16})

	resp, body := do(t, nil, http.MethodPost, ts.URL+"/norad", "application/json", `{"norad_ids":[1,2,3,4,5,6,7,8,9]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Request body too large"}`, body)
	assert.Nil(t, h.raw())
}

func TestAPI_Health(t *testing.T) {
	ts := newTestAPI(t, &fakeHub{telescopes: make([]hub.Descriptor, 3)}, api.Options{})
	resp, body := do(t, nil, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","telescopes":3}`, body)
}

func TestAPI_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.NewHubMetrics(reg)
	m.AuthFailures.Inc()

	ts := newTestAPI(t, &fakeHub{}, api.Options{Metrics: metrics.Handler(reg)})
	resp, body := do(t, nil, http.MethodGet, ts.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "noradhub_devices_auth_failures_total 1")

	ts = newTestAPI(t, &fakeHub{}, api.Options{})
	resp, _ = do(t, nil, http.MethodGet, ts.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CORS(t *testing.T) {
	ts := newTestAPI(t, &fakeHub{}, api.Options{AllowedOrigins: []string{"http://dashboard.local"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/norad", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "http://dashboard.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/norad", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPI_DashboardDisabledWithoutPassword(t *testing.T) {
	ts := newTestAPI(t, &fakeHub{}, api.Options{})
	resp, _ := do(t, nil, http.MethodGet, ts.URL+"/", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, nil, http.MethodGet, ts.URL+"/login", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DashboardLoginFlow(t *testing.T) {
	h := &fakeHub{
		telescopes: []hub.Descriptor{{ID: uuid.New(), RemoteAddr: "10.0.0.7:5555", ConnectedAt: time.Now()}},
		ids:        []int{25544},
	}
	ts := newTestAPI(t, h, api.Options{DashboardPassword: dashboardPassword, SessionSecret: sessionSecret})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, _ := do(t, client, http.MethodGet, ts.URL+"/", "", "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, body := do(t, client, http.MethodGet, ts.URL+"/login", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="password"`)

	form := url.Values{"password": {"wrong"}}.Encode()
	resp, body = do(t, client, http.MethodPost, ts.URL+"/login", "application/x-www-form-urlencoded", form)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Incorrect access code")

	form = url.Values{"password": {dashboardPassword}}.Encode()
	resp, _ = do(t, client, http.MethodPost, ts.URL+"/login", "application/x-www-form-urlencoded", form)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, body = do(t, client, http.MethodGet, ts.URL+"/", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "10.0.0.7:5555")
	assert.Contains(t, body, "25544")

	resp, _ = do(t, client, http.MethodGet, ts.URL+"/logout", "", "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, _ = do(t, client, http.MethodGet, ts.URL+"/", "", "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestAPI_DashboardDoesNotGuardJSONEndpoints(t *testing.T) {
	ts := newTestAPI(t, &fakeHub{ids: []int{1}}, api.Options{DashboardPassword: dashboardPassword, SessionSecret: sessionSecret})
	resp, body := do(t, nil, http.MethodGet, ts.URL+"/norad", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[1]`, body)
}
