package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/driver"
)

type fakeLocator struct {
	clicked      string
	filled       string
	filledValue  string
	evaluateArgs []any
	evalJS       string
	onClick      func()
}

func (f *fakeLocator) Click(ctx context.Context, xp string, force bool) error {
	f.clicked = xp
	if f.onClick != nil {
		f.onClick()
	}
	return nil
}
func (f *fakeLocator) Fill(ctx context.Context, xp, text string) error {
	f.filled, f.filledValue = xp, text
	return nil
}
func (f *fakeLocator) SelectOption(ctx context.Context, xp, value string) error { return nil }
func (f *fakeLocator) Check(ctx context.Context, xp string) error              { return nil }
func (f *fakeLocator) Uncheck(ctx context.Context, xp string) error            { return nil }
func (f *fakeLocator) Hover(ctx context.Context, xp string) error              { return nil }
func (f *fakeLocator) Press(ctx context.Context, xp, key string) error         { return nil }
func (f *fakeLocator) Evaluate(ctx context.Context, xp, js string, a any) (any, error) {
	f.evalJS = js
	f.evaluateArgs = append(f.evaluateArgs, a)
	return true, nil
}

type fakePage struct {
	driver.PageSurface
	dialogHandler func(ctx context.Context, message string) (bool, string)
	uploadXPath   string
	uploadPaths   []string
}

func (f *fakePage) OnceDialog(ctx context.Context, handler func(context.Context, string) (bool, string)) error {
	f.dialogHandler = handler
	return nil
}
func (f *fakePage) SetInputFiles(ctx context.Context, xp string, paths []string) error {
	f.uploadXPath, f.uploadPaths = xp, paths
	return nil
}

type fakeDriver struct {
	driver.Driver
	locator *fakeLocator
	page    *fakePage
}

func (f *fakeDriver) Locator() driver.LocatorSurface { return f.locator }
func (f *fakeDriver) Page() driver.PageSurface        { return f.page }

func newExecutor() (*Executor, *fakeLocator, *fakePage) {
	loc := &fakeLocator{}
	pg := &fakePage{}
	ex := &Executor{Driver: &fakeDriver{locator: loc, page: pg}}
	return ex, loc, pg
}

func TestExecuteClickByXPath(t *testing.T) {
	ex, loc, _ := newExecutor()
	res, err := ex.Execute(context.Background(), nil, Request{Target: Target{XPath: "//button"}, Method: "click"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "//button", loc.clicked)
}

func TestExecuteFillByEncodedID(t *testing.T) {
	ex, loc, _ := newExecutor()
	xpathMap := map[string]string{"0-5": "//input[@name='u']"}
	res, err := ex.Execute(context.Background(), xpathMap, Request{
		Target: Target{EncodedID: "0-5"}, Method: "fill", Args: []string{"alice"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "//input[@name='u']", loc.filled)
	assert.Equal(t, "alice", loc.filledValue)
}

func TestExecuteEncodedIDNotInMapFails(t *testing.T) {
	ex, _, _ := newExecutor()
	_, err := ex.Execute(context.Background(), map[string]string{}, Request{Target: Target{EncodedID: "0-5"}, Method: "fill"})
	assert.True(t, apierr.Is(err, apierr.KindNoXPathForEncoded))
}

func TestExecuteNoTargetFails(t *testing.T) {
	ex, _, _ := newExecutor()
	_, err := ex.Execute(context.Background(), nil, Request{Method: "click"})
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
}

func TestExecuteUnsupportedMethod(t *testing.T) {
	ex, _, _ := newExecutor()
	_, err := ex.Execute(context.Background(), nil, Request{Target: Target{XPath: "//a"}, Method: "teleport"})
	assert.True(t, apierr.Is(err, apierr.KindUnsupportedMethod))
}

func TestExecuteFillMissingArgFails(t *testing.T) {
	ex, _, _ := newExecutor()
	_, err := ex.Execute(context.Background(), nil, Request{Target: Target{XPath: "//input"}, Method: "fill"})
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
}

func TestScrollYBottomEvaluatesWithEdgeEndMode(t *testing.T) {
	ex, loc, _ := newExecutor()
	_, err := ex.Execute(context.Background(), nil, Request{
		Target: Target{XPath: "//body"}, Method: "scrollY", Args: []string{"bottom"},
	})
	require.NoError(t, err)
	require.Len(t, loc.evaluateArgs, 1)
	arg := loc.evaluateArgs[0].(map[string]any)
	assert.Equal(t, "edgeEnd", arg["mode"])
	assert.Equal(t, "Y", arg["axis"])
}

func TestScrollXNegativeIsAbsolute(t *testing.T) {
	ex, loc, _ := newExecutor()
	_, err := ex.Execute(context.Background(), nil, Request{
		Target: Target{XPath: "//div"}, Method: "scrollX", Args: []string{"-50"},
	})
	require.NoError(t, err)
	arg := loc.evaluateArgs[0].(map[string]any)
	assert.Equal(t, "absolute", arg["mode"])
	assert.Equal(t, 50, arg["delta"])
}

func TestScrollYPositiveIsRelative(t *testing.T) {
	ex, loc, _ := newExecutor()
	_, err := ex.Execute(context.Background(), nil, Request{
		Target: Target{XPath: "//div"}, Method: "scrollY", Args: []string{"120"},
	})
	require.NoError(t, err)
	arg := loc.evaluateArgs[0].(map[string]any)
	assert.Equal(t, "relative", arg["mode"])
	assert.Equal(t, 120, arg["delta"])
}

func TestHandleDialogAcceptsAndClicks(t *testing.T) {
	ex, loc, pg := newExecutor()
	var accept bool
	// Simulate the dialog firing on click, as the driver would on confirm().
	loc.onClick = func() {
		if pg.dialogHandler != nil {
			accept, _ = pg.dialogHandler(context.Background(), "are you sure?")
		}
	}
	_, err := ex.Execute(context.Background(), nil, Request{
		Target: Target{XPath: "//button[@id='go']"}, Method: "handleDialog", Args: []string{"accept"},
	})
	require.NoError(t, err)
	require.NotNil(t, pg.dialogHandler)
	assert.True(t, accept)
	assert.Equal(t, "//button[@id='go']", loc.clicked)
}

func TestHandleDialogTimesOutWithoutFiring(t *testing.T) {
	ex, _, _ := newExecutor()
	start := time.Now()
	_, err := ex.Execute(context.Background(), nil, Request{
		Target: Target{XPath: "//button"}, Method: "handleDialog", SettleTimeout: 50 * time.Millisecond,
	})
	assert.True(t, apierr.Is(err, apierr.KindDialogNotFired))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
