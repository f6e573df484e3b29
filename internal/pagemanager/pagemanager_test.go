package pagemanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livoras/pageflow/internal/action"
	"github.com/livoras/pageflow/internal/recorder"
)

// requireChrome skips the test when no Chrome/Chromium binary is on PATH,
// since these tests launch a real persistent browser context rather than a
// fake driver.
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

func newTestManager(t *testing.T) *Manager {
	requireChrome(t)
	m, err := New(context.Background(), Options{
		Headless:       true,
		UserDataDir:    t.TempDir(),
		RecordingsRoot: t.TempDir(),
		CreateTimeout:  15 * time.Second,
		PageQueueDepth: 4,
	}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func testServer(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreatePageNavigatesAndTracksState(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body><h1>Hello</h1><button id="go">Go</button></body></html>`)

	ps, err := m.Create(context.Background(), CreateOptions{
		Name: "smoke", URL: srv.URL, Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ps.ID)

	got, err := m.Get(ps.ID)
	require.NoError(t, err)
	assert.Equal(t, ps.ID, got.ID)

	title, err := ps.Driver().Page().URL(context.Background())
	require.NoError(t, err)
	assert.Contains(t, title, srv.URL)
}

func TestCreatePageEmitsPageCreatedBeforeCreateAction(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body><h1>Hello</h1></body></html>`)

	var events []string
	m.OnCreate(func(pageID string) { events = append(events, "page-created") })
	m.OnAction(func(pageID string, a recorder.Action) {
		events = append(events, "action-recorded:"+string(a.Kind))
	})

	_, err := m.Create(context.Background(), CreateOptions{
		Name: "ordering", URL: srv.URL, Timeout: 10 * time.Second, RecordActions: true,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "page-created", events[0])
	assert.Equal(t, "action-recorded:create", events[1])
}

func TestCreatePageSuppressesPageCreatedWhenNotRecording(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body><h1>Hello</h1></body></html>`)

	var called bool
	m.OnCreate(func(pageID string) { called = true })

	_, err := m.Create(context.Background(), CreateOptions{
		Name: "no-record", URL: srv.URL, Timeout: 10 * time.Second, RecordActions: false,
	})
	require.NoError(t, err)
	assert.False(t, called, "page-created must be suppressed when recording is disabled")
}

func TestObserveNavigationResetsFramesOnlyOnTopFrameChange(t *testing.T) {
	m := newTestManager(t)
	srv1 := testServer(t, `<html><body><h1>One</h1></body></html>`)
	srv2 := testServer(t, `<html><body><h1>Two</h1></body></html>`)

	ps, err := m.Create(context.Background(), CreateOptions{URL: srv1.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)

	_, err = ps.RefreshStructure(context.Background(), 0, false)
	require.NoError(t, err)
	require.NotNil(t, ps.XPathMap())

	firstTopFrameID := ps.lastTopFrameID

	// Cross-document navigation: the top frame id changes, so the cached
	// xpath map must be invalidated and the frame registry reset.
	_, err = ps.Driver().Page().Navigate(context.Background(), srv2.URL, 3*time.Second)
	require.NoError(t, err)
	ps.ObserveNavigation(context.Background())
	assert.NotEqual(t, firstTopFrameID, ps.lastTopFrameID)
	assert.Nil(t, ps.XPathMap())

	_, err = ps.RefreshStructure(context.Background(), 0, false)
	require.NoError(t, err)
	require.NotNil(t, ps.XPathMap())
	secondTopFrameID := ps.lastTopFrameID

	// No navigation happened this time, so the top frame id is unchanged
	// and the cache must survive.
	ps.ObserveNavigation(context.Background())
	assert.Equal(t, secondTopFrameID, ps.lastTopFrameID)
	assert.NotNil(t, ps.XPathMap())
}

func TestActClicksResolvedXPath(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body><button id="go" onclick="document.title='clicked'">Go</button></body></html>`)

	ps, err := m.Create(context.Background(), CreateOptions{URL: srv.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)

	result, err := m.Act(context.Background(), ps.ID, action.Request{
		Target: action.Target{XPath: `//*[@id="go"]`},
		Method: "click",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	title, err := ps.Driver().Page().Title(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "clicked", title)
}

func TestActOnUnknownPageReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Act(context.Background(), "missing-page", action.Request{
		Target: action.Target{XPath: "/html"}, Method: "click",
	})
	assert.Error(t, err)
}

func TestClosePageRemovesItFromManager(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body>ok</body></html>`)

	ps, err := m.Create(context.Background(), CreateOptions{URL: srv.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background(), ps.ID))
	_, err = m.Get(ps.ID)
	assert.Error(t, err)
}

func TestActOnBusyPageRejectsOverQueueDepth(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body><div id="a"></div></body></html>`)

	ps, err := m.Create(context.Background(), CreateOptions{URL: srv.URL, Timeout: 10 * time.Second})
	require.NoError(t, err)
	ps.maxQueueDepth = 1
	ps.queueDepth = 1

	_, err = m.Act(context.Background(), ps.ID, action.Request{
		Target: action.Target{XPath: "/html/body/div"}, Method: "hover",
	})
	require.Error(t, err)
}

func TestListRecordingsReadsActionsJSON(t *testing.T) {
	m := newTestManager(t)
	srv := testServer(t, `<html><body>ok</body></html>`)

	ps, err := m.Create(context.Background(), CreateOptions{
		Name: "rec-test", URL: srv.URL, Timeout: 10 * time.Second, RecordActions: true,
	})
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background(), ps.ID))

	summaries, err := m.ListRecordings()
	require.NoError(t, err)
	require.NotEmpty(t, summaries)

	var found bool
	for _, s := range summaries {
		if s.ID == ps.ID {
			found = true
			assert.Equal(t, "rec-test", s.Name)
			assert.GreaterOrEqual(t, s.ActionsCount, 2)
		}
	}
	assert.True(t, found)
}

func TestListRecordingsEmptyWhenNoneExist(t *testing.T) {
	logger := testLogger(t)
	m := &Manager{opts: Options{RecordingsRoot: t.TempDir()}, logger: logger, pages: map[string]*PageState{}}
	summaries, err := m.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}
