package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livoras/pageflow/internal/axview"
)

type fakeSnapshotter struct {
	result *axview.Result
	err    error
}

func (f *fakeSnapshotter) Build(ctx context.Context, scopeBackendID int64, scopeFound bool) (*axview.Result, error) {
	return f.result, f.err
}

func TestOpenSeedsActionsFile(t *testing.T) {
	root := t.TempDir()
	r, err := Open(root, "page1", "My Page", "", false, nil, &fakeSnapshotter{result: &axview.Result{XPathMap: map[string]string{}}}, nil)
	require.NoError(t, err)
	defer r.DeleteAllRecords()

	data, err := os.ReadFile(filepath.Join(root, "simplepage", "page1", "actions.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"page1"`)
}

func TestAppendCapturesSnapshotAndInvokesCallback(t *testing.T) {
	root := t.TempDir()
	snap := &fakeSnapshotter{result: &axview.Result{Simplified: "[0-1] button: Go", XPathMap: map[string]string{"0-1": "/button[1]"}}}
	r, err := Open(root, "page1", "My Page", "", false, nil, snap, nil)
	require.NoError(t, err)
	defer r.DeleteAllRecords()

	var recorded []Action
	r.OnAction(func(a Action) { recorded = append(recorded, a) })

	a, err := r.Append(context.Background(), Action{Kind: KindAct, Method: "click", XPath: "/button[1]"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Structure)
	assert.NotEmpty(t, a.XPathMapRef)
	require.Len(t, recorded, 1)

	assert.FileExists(t, filepath.Join(root, "simplepage", "page1", "data", a.Structure))
	assert.FileExists(t, filepath.Join(root, "simplepage", "page1", "data", a.XPathMapRef))
}

func TestDeleteActionRemovesArtifacts(t *testing.T) {
	root := t.TempDir()
	snap := &fakeSnapshotter{result: &axview.Result{Simplified: "x", XPathMap: map[string]string{}}}
	r, err := Open(root, "page1", "My Page", "", false, nil, snap, nil)
	require.NoError(t, err)
	defer r.DeleteAllRecords()

	a, err := r.Append(context.Background(), Action{Kind: KindAct, Method: "click"})
	require.NoError(t, err)
	structurePath := filepath.Join(root, "simplepage", "page1", "data", a.Structure)
	require.FileExists(t, structurePath)

	require.NoError(t, r.DeleteAction(0))
	assert.NoFileExists(t, structurePath)
	assert.Empty(t, r.Actions())
}

func TestDeleteActionOutOfRangeErrors(t *testing.T) {
	root := t.TempDir()
	r, err := Open(root, "page1", "My Page", "", false, nil, &fakeSnapshotter{result: &axview.Result{XPathMap: map[string]string{}}}, nil)
	require.NoError(t, err)
	defer r.DeleteAllRecords()

	assert.Error(t, r.DeleteAction(5))
}

func TestLogConsoleWritesLines(t *testing.T) {
	root := t.TempDir()
	r, err := Open(root, "page1", "My Page", "", false, nil, &fakeSnapshotter{result: &axview.Result{XPathMap: map[string]string{}}}, nil)
	require.NoError(t, err)
	defer r.DeleteAllRecords()

	r.LogConsole("log", "hello", "", time.Now())
	data, err := os.ReadFile(r.ConsoleLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
