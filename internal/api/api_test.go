package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livoras/pageflow/internal/pagemanager"
)

// requireChrome skips the test when no Chrome/Chromium binary is on PATH,
// mirroring internal/pagemanager's own gate since these tests run the API
// against a real persistent browser context rather than a fake driver.
func requireChrome(t *testing.T) {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no chrome/chromium binary found on PATH")
}

type testingWriter struct{ t *testing.T }

func (w *testingWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(&testingWriter{t: t}),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}

func newTestServer(t *testing.T) (*httptest.Server, *pagemanager.Manager) {
	requireChrome(t)
	logger := testLogger(t)
	pages, err := pagemanager.New(context.Background(), pagemanager.Options{
		Headless:       true,
		UserDataDir:    t.TempDir(),
		RecordingsRoot: t.TempDir(),
		CreateTimeout:  15 * time.Second,
		NavTimeout:     5 * time.Second,
		PageQueueDepth: 4,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pages.Shutdown(context.Background()) })

	hub := NewHub(logger)
	srv := NewServer(Config{AllowedOrigin: "http://localhost:5173"}, pages, hub, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, pages
}

func backingHTMLServer(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthEndpointReportsPageCount(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	decodeBody(t, resp, &out)
	assert.Equal(t, "ok", out["status"])
	assert.EqualValues(t, 0, out["pages"])
}

func TestCreateGetAndDeletePageRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	backing := backingHTMLServer(t, `<html><body><h1>Hi</h1><button id="go">Go</button></body></html>`)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages", map[string]any{
		"name": "smoke", "url": backing.URL, "timeout": 10000,
	})
	require.Equal(t, http.StatusOK, createResp.StatusCode)
	var created PageInfo
	decodeBody(t, createResp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "smoke", created.Name)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/api/pages/"+created.ID, nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var fetched PageInfo
	decodeBody(t, getResp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)

	listResp := doJSON(t, http.MethodGet, ts.URL+"/api/pages", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list []PageInfo
	decodeBody(t, listResp, &list)
	assert.Len(t, list, 1)

	delResp := doJSON(t, http.MethodDelete, ts.URL+"/api/pages/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	missingResp := doJSON(t, http.MethodGet, ts.URL+"/api/pages/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestGetPageUnknownIDReturns404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/pages/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActXPathClicksButtonAndStructureReflectsIt(t *testing.T) {
	ts, _ := newTestServer(t)
	backing := backingHTMLServer(t, `<html><body>
		<button id="go" onclick="document.title='clicked'">Go</button>
	</body></html>`)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages", map[string]any{
		"url": backing.URL, "timeout": 10000,
	})
	require.Equal(t, http.StatusOK, createResp.StatusCode)
	var created PageInfo
	decodeBody(t, createResp, &created)

	actResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages/"+created.ID+"/act-xpath", map[string]any{
		"xpath": "//button[@id='go']", "method": "click",
	})
	require.Equal(t, http.StatusOK, actResp.StatusCode)

	structResp := doJSON(t, http.MethodGet, ts.URL+"/api/pages/"+created.ID+"/structure", nil)
	require.Equal(t, http.StatusOK, structResp.StatusCode)
	var structOut map[string]any
	decodeBody(t, structResp, &structOut)
	assert.NotEmpty(t, structOut["structure"])
}

func TestWaitRejectsNonPositiveTimeout(t *testing.T) {
	ts, _ := newTestServer(t)
	backing := backingHTMLServer(t, `<html><body>ok</body></html>`)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages", map[string]any{"url": backing.URL, "timeout": 10000})
	var created PageInfo
	decodeBody(t, createResp, &created)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/pages/"+created.ID+"/wait", map[string]any{"timeout": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordingLifecycleRecordsAndListsActions(t *testing.T) {
	ts, _ := newTestServer(t)
	backing := backingHTMLServer(t, `<html><body><div id="x">hi</div></body></html>`)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages", map[string]any{
		"url": backing.URL, "timeout": 10000, "recordActions": true,
	})
	require.Equal(t, http.StatusOK, createResp.StatusCode)
	var created PageInfo
	decodeBody(t, createResp, &created)

	navResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages/"+created.ID+"/navigate", map[string]any{"url": backing.URL})
	require.Equal(t, http.StatusOK, navResp.StatusCode)

	recResp := doJSON(t, http.MethodGet, ts.URL+"/api/recordings/"+created.ID, nil)
	require.Equal(t, http.StatusOK, recResp.StatusCode)
	var recOut map[string]any
	decodeBody(t, recResp, &recOut)
	actions, ok := recOut["actions"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, actions)

	listResp := doJSON(t, http.MethodGet, ts.URL+"/api/recordings", nil)
	assert.Equal(t, http.StatusOK, listResp.StatusCode)
}

func TestGetRecordingServesFromDiskAfterPageCloses(t *testing.T) {
	ts, _ := newTestServer(t)
	backing := backingHTMLServer(t, `<html><body><div id="x">hi</div></body></html>`)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages", map[string]any{
		"url": backing.URL, "timeout": 10000, "recordActions": true,
	})
	require.Equal(t, http.StatusOK, createResp.StatusCode)
	var created PageInfo
	decodeBody(t, createResp, &created)

	delResp := doJSON(t, http.MethodDelete, ts.URL+"/api/pages/"+created.ID, nil)
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	recResp := doJSON(t, http.MethodGet, ts.URL+"/api/recordings/"+created.ID, nil)
	require.Equal(t, http.StatusOK, recResp.StatusCode, "recording directory must outlive its live page")
	var recOut map[string]any
	decodeBody(t, recResp, &recOut)
	actions, ok := recOut["actions"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, actions)
}

func TestRecordingFileServingRejectsPathTraversal(t *testing.T) {
	ts, _ := newTestServer(t)
	backing := backingHTMLServer(t, `<html><body>ok</body></html>`)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/api/pages", map[string]any{
		"url": backing.URL, "timeout": 10000, "recordActions": true,
	})
	var created PageInfo
	decodeBody(t, createResp, &created)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/recordings/"+created.ID+"/data/..%2F..%2F..%2Fetc%2Fpasswd", nil)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestCorsMiddlewareAnswersPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/pages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}
