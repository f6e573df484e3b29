// Package driver is where this repo speaks chromedp/cdproto for page
// automation. Every other component (C2-C9) drives pages only through the
// four interfaces declared here; the one other chromedp user is
// internal/pagemanager, which launches the browser and opens tabs with
// chromedp.NewExecAllocator/NewContext before wrapping each tab in New.
package driver

import (
	"context"
	"time"
)

// PageSurface is the page-automation surface spec.md §4.1 requires:
// navigate, history, reload, content inspection, screenshot, evaluate,
// file chooser, and the dialog/console/error event hooks.
type PageSurface interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (finalURL string, err error)
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context, timeout time.Duration) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	WaitForLoadState(ctx context.Context, state string) error
	WaitForTimeout(ctx context.Context, d time.Duration) error
	Evaluate(ctx context.Context, js string, args []any) (any, error)
	SetInputFiles(ctx context.Context, xpath string, paths []string) error
	OnceDialog(ctx context.Context, handler func(ctx context.Context, message string) (accept bool, promptText string)) error
	OnConsole(handler func(level, text string, ts time.Time))
	OnPageError(handler func(message, stack string, ts time.Time))
	Close(ctx context.Context) error
}

// LocatorSurface is the one-shot, per-xpath action surface. A fresh locator
// is taken for every action per spec.md §4.5 - no long-lived handles are
// kept across actions.
type LocatorSurface interface {
	Click(ctx context.Context, xpath string, force bool) error
	Fill(ctx context.Context, xpath string, text string) error
	SelectOption(ctx context.Context, xpath string, value string) error
	Check(ctx context.Context, xpath string) error
	Uncheck(ctx context.Context, xpath string) error
	Hover(ctx context.Context, xpath string) error
	Press(ctx context.Context, xpath string, key string) error
	Evaluate(ctx context.Context, xpath string, js string, arg any) (any, error)
}

// FrameEvent is the subset of CDP page/network events the quiescence
// detector (C4) cares about, flattened into one concrete type so that
// package doesn't import cdproto either.
type FrameEvent struct {
	Kind          string // "requestWillBeSent" | "loadingFinished" | "loadingFailed" | "servedFromCache" | "responseReceived" | "frameStoppedLoading"
	RequestID     string
	FrameID       string
	URL           string
	ResourceType  string // Document, XHR, WebSocket, EventSource, ...
	Timestamp     time.Time
}

// DebugChannel is the DOM-debug event/command channel: Network/Page events
// and typed Accessibility/DOM queries. It exposes no raw CDP command
// dispatch; every command it issues has its own method below.
type DebugChannel interface {
	Enable(ctx context.Context, domain string) error
	On(handler func(FrameEvent)) (unsubscribe func())
	GetFrameTree(ctx context.Context) (*FrameTree, error)
	GetFullAXTree(ctx context.Context, frameID string) ([]AXNode, error)
	DescribeNode(ctx context.Context, backendNodeID int64) (*DOMNode, error)
	ResolveXPath(ctx context.Context, backendNodeID int64) (string, error)
	AttributeOf(ctx context.Context, backendNodeID int64, attr string) (string, bool, error)
	SetAttribute(ctx context.Context, backendNodeID int64, name, value string) error
	RemoveAttribute(ctx context.Context, backendNodeID int64, name string) error
	ResolveBackendID(ctx context.Context, xpath string) (int64, string, error) // returns (backendNodeId, frameId)
}

// FrameTree mirrors page.FrameTree but in driver-owned types.
type FrameTree struct {
	FrameID  string
	ParentID string
	URL      string
	Children []*FrameTree
}

// AXNode mirrors accessibility.Node, trimmed to what C3 consumes.
type AXNode struct {
	NodeID           string
	Ignored          bool
	Role             string
	Name             string
	Description      string
	Value            string
	ChildIDs         []string
	BackendDOMNodeID int64
	FrameID          string
}

// DOMNode mirrors cdp.Node, trimmed to what C3/C5 consume.
type DOMNode struct {
	BackendNodeID int64
	NodeType      int64
	NodeName      string
	Attributes    map[string]string
	FrameID       string
}

// SelectorEngine registers the process-wide custom selector (attribute
// based, shadow-DOM aware) exactly once per driver instance, tolerating
// re-registration as a silent success per spec.md §4.1/§9.
type SelectorEngine interface {
	EnsureRegistered(ctx context.Context) error
}

// Driver bundles the four surfaces plus page lifecycle for one browser
// page/tab. Concrete construction lives in chromedp.go.
type Driver interface {
	Page() PageSurface
	Locator() LocatorSurface
	Debug() DebugChannel
	Selector() SelectorEngine
	InjectHelperScript(ctx context.Context) error
}
