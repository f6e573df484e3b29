package axview

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livoras/pageflow/internal/driver"
	"github.com/livoras/pageflow/internal/frameregistry"
)

type fakeDebug struct {
	tree  *driver.FrameTree
	nodes map[string][]driver.AXNode
	xpath map[int64]string
	attrs map[int64]map[string]string
}

func (f *fakeDebug) Enable(ctx context.Context, domain string) error { return nil }
func (f *fakeDebug) On(handler func(driver.FrameEvent)) func()       { return func() {} }
func (f *fakeDebug) GetFrameTree(ctx context.Context) (*driver.FrameTree, error) {
	return f.tree, nil
}
func (f *fakeDebug) GetFullAXTree(ctx context.Context, frameID string) ([]driver.AXNode, error) {
	return f.nodes[frameID], nil
}
func (f *fakeDebug) DescribeNode(ctx context.Context, backendNodeID int64) (*driver.DOMNode, error) {
	return nil, nil
}
func (f *fakeDebug) ResolveXPath(ctx context.Context, backendNodeID int64) (string, error) {
	return f.xpath[backendNodeID], nil
}
func (f *fakeDebug) AttributeOf(ctx context.Context, backendNodeID int64, attr string) (string, bool, error) {
	m, ok := f.attrs[backendNodeID]
	if !ok {
		return "", false, nil
	}
	v, ok := m[attr]
	return v, ok, nil
}
func (f *fakeDebug) SetAttribute(ctx context.Context, backendNodeID int64, name, value string) error {
	return nil
}
func (f *fakeDebug) RemoveAttribute(ctx context.Context, backendNodeID int64, name string) error {
	return nil
}
func (f *fakeDebug) ResolveBackendID(ctx context.Context, xpath string) (int64, string, error) {
	return 0, "", nil
}

// fakeDriver implements driver.Driver, delegating only Debug(); other
// surfaces are untouched by the axview builder so they're left nil and
// would panic if ever called, which would itself be a test failure.
type fakeDriver struct {
	driver.Driver
	debug *fakeDebug
}

func (f *fakeDriver) Debug() driver.DebugChannel { return f.debug }

func TestBuildProducesEncodedOutlineAndXPathMap(t *testing.T) {
	debug := &fakeDebug{
		tree: &driver.FrameTree{FrameID: ""},
		nodes: map[string][]driver.AXNode{
			"": {
				{NodeID: "1", Role: "WebArea", Name: "", ChildIDs: []string{"2", "3"}, BackendDOMNodeID: 100},
				{NodeID: "2", Role: "heading", Name: "  Hello   World  ", BackendDOMNodeID: 101},
				{NodeID: "3", Role: "link", Name: "Click me", BackendDOMNodeID: 102},
			},
		},
		xpath: map[int64]string{
			100: "/html[1]",
			101: "/html[1]/h1[1]",
			102: "/html[1]/a[1]",
		},
		attrs: map[int64]map[string]string{
			102: {"href": "/next"},
		},
	}
	frames := frameregistry.New()
	b := &Builder{Driver: &fakeDriver{debug: debug}, Frames: frames}

	result, err := b.Build(context.Background(), 0, false)
	require.NoError(t, err)

	root := frames.EncodeFrame("", 100)
	heading := frames.EncodeFrame("", 101)
	link := frames.EncodeFrame("", 102)

	assert.Equal(t, "/html[1]/h1[1]", result.XPathMap[heading])
	assert.Equal(t, "/next", result.IDToURL[link])
	assert.Contains(t, result.Simplified, "["+root+"]")
	assert.Contains(t, result.Simplified, "heading: Hello World")
	assert.Contains(t, result.Simplified, "link: Click me")
}

// TestBuildNormalizesRealTopFrameIDToOrdinalZero guards against a real
// browser's GetFrameTree returning a non-empty top frame id (only tests
// that inject FrameID: "" would otherwise mask this): the top frame must
// still land on ordinal 0 and the forest must not come back empty.
func TestBuildNormalizesRealTopFrameIDToOrdinalZero(t *testing.T) {
	const realTopFrameID = "7F3A9C2E1B4D5608"
	debug := &fakeDebug{
		tree: &driver.FrameTree{FrameID: realTopFrameID},
		nodes: map[string][]driver.AXNode{
			realTopFrameID: {
				{NodeID: "1", Role: "WebArea", Name: "", ChildIDs: []string{"2"}, BackendDOMNodeID: 100},
				{NodeID: "2", Role: "heading", Name: "Hello", BackendDOMNodeID: 101},
			},
		},
		xpath: map[int64]string{100: "/html[1]", 101: "/html[1]/h1[1]"},
		attrs: map[int64]map[string]string{},
	}
	frames := frameregistry.New()
	b := &Builder{Driver: &fakeDriver{debug: debug}, Frames: frames}

	result, err := b.Build(context.Background(), 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.Tree, "top frame must not be dropped when its real frame id is non-empty")

	heading := frameregistry.Encode(0, 101)
	assert.Contains(t, result.Simplified, "heading: Hello")
	assert.Contains(t, result.XPathMap, heading, "top frame's nodes must be encoded under ordinal 0 even with a real frame id")
	assert.Equal(t, 1, frames.Len(), "the real top frame id must not get its own extra registry slot")
}

func TestBuildPrunesEmptyGenericWithSingleChild(t *testing.T) {
	debug := &fakeDebug{
		tree: &driver.FrameTree{FrameID: ""},
		nodes: map[string][]driver.AXNode{
			"": {
				{NodeID: "1", Role: "generic", Name: "", ChildIDs: []string{"2"}, BackendDOMNodeID: 1},
				{NodeID: "2", Role: "button", Name: "Go", BackendDOMNodeID: 2},
			},
		},
		xpath: map[int64]string{1: "/div[1]", 2: "/div[1]/button[1]"},
		attrs: map[int64]map[string]string{},
	}
	frames := frameregistry.New()
	b := &Builder{Driver: &fakeDriver{debug: debug}, Frames: frames}

	result, err := b.Build(context.Background(), 0, false)
	require.NoError(t, err)
	require.Len(t, result.Tree, 1)
	assert.Equal(t, "button", result.Tree[0].Role)
}

func TestNormalizeTextCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b", normalizeText("  a \n\t b  "))
	assert.Equal(t, "", normalizeText("   "))
}
