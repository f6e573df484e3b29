package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/apierr"
)

// ChromeDriver is the chromedp-backed Driver implementation for a single
// page/tab. Construction is grounded on internal/browser/session.go's
// Initialize sequencing (chromedp.Run for domain enabling, ListenTarget
// for the demultiplexed event stream) and managment.go's helper-script
// injection idiom, adapted from playwright-go to pure chromedp.
type ChromeDriver struct {
	ctx    context.Context
	logger *zap.Logger

	listenOnce sync.Once
	mu         sync.Mutex
	handlers   []func(FrameEvent)

	selectorOnce sync.Once
	selectorErr  error

	page     *chromePage
	locator  *chromeLocator
	debug    *chromeDebug
	selector *chromeSelector
}

// New wraps an already-created chromedp context (one tab) into a Driver.
func New(ctx context.Context, logger *zap.Logger) *ChromeDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &ChromeDriver{ctx: ctx, logger: logger.Named("driver")}
	d.page = &chromePage{d: d}
	d.locator = &chromeLocator{d: d}
	d.debug = &chromeDebug{d: d}
	d.selector = &chromeSelector{d: d}
	return d
}

func (d *ChromeDriver) Page() PageSurface         { return d.page }
func (d *ChromeDriver) Locator() LocatorSurface   { return d.locator }
func (d *ChromeDriver) Debug() DebugChannel       { return d.debug }
func (d *ChromeDriver) Selector() SelectorEngine  { return d.selector }

// ensureListening enables the Network/Page/Runtime/DOM/Accessibility
// domains, turns on target auto-attach, and starts the demultiplexing
// subscription that feeds Debug().On handlers - mirrors harvester.go's
// enable-then-ListenTarget shape but fans out to registered handlers
// instead of a fixed switch. The console/dialog/pageerror hooks use their
// own subscription (chromePage.ensureEventListener).
func (d *ChromeDriver) ensureListening(ctx context.Context) error {
	var enableErr error
	d.listenOnce.Do(func() {
		enableErr = chromedp.Run(ctx,
			network.Enable(),
			page.Enable(),
			runtime.Enable(),
			dom.Enable(),
			accessibility.Enable(),
			target.SetAutoAttach(true, false).WithFlatten(true),
		)
		if enableErr != nil {
			return
		}
		chromedp.ListenTarget(d.ctx, d.dispatch)
	})
	return enableErr
}

func (d *ChromeDriver) dispatch(ev any) {
	var fe FrameEvent
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		fe = FrameEvent{Kind: "requestWillBeSent", RequestID: string(e.RequestID), FrameID: string(e.FrameID), URL: e.Request.URL, ResourceType: string(e.Type), Timestamp: e.WallTime.Time()}
	case *network.EventLoadingFinished:
		fe = FrameEvent{Kind: "loadingFinished", RequestID: string(e.RequestID), Timestamp: e.Timestamp.Time()}
	case *network.EventLoadingFailed:
		fe = FrameEvent{Kind: "loadingFailed", RequestID: string(e.RequestID), Timestamp: e.Timestamp.Time()}
	case *network.EventRequestServedFromCache:
		fe = FrameEvent{Kind: "servedFromCache", RequestID: string(e.RequestID)}
	case *network.EventResponseReceived:
		fe = FrameEvent{Kind: "responseReceived", RequestID: string(e.RequestID), URL: e.Response.URL}
	case *page.EventFrameStoppedLoading:
		fe = FrameEvent{Kind: "frameStoppedLoading", FrameID: string(e.FrameID)}
	default:
		return
	}
	d.mu.Lock()
	handlers := append([]func(FrameEvent){}, d.handlers...)
	d.mu.Unlock()
	for _, h := range handlers {
		h(fe)
	}
}

// --- PageSurface ---

type chromePage struct {
	d              *ChromeDriver
	dialogHandler  func(ctx context.Context, message string) (bool, string)
	dialogMu       sync.Mutex
	consoleHandler func(level, text string, ts time.Time)
	errorHandler   func(message, stack string, ts time.Time)
	listenOnce     sync.Once
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var finalURL string
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(c context.Context) error {
		_, _, _, _, err := page.Navigate(url).Do(c)
		return err
	}), chromedp.Location(&finalURL))
	if err != nil {
		return "", translateError(navCtx, "navigate", err)
	}
	return finalURL, nil
}

func (p *chromePage) Back(ctx context.Context) error {
	return translateError(ctx, "navigateBack", chromedp.Run(ctx, chromedp.NavigateBack()))
}

func (p *chromePage) Forward(ctx context.Context) error {
	return translateError(ctx, "navigateForward", chromedp.Run(ctx, chromedp.NavigateForward()))
}

func (p *chromePage) Reload(ctx context.Context, timeout time.Duration) error {
	rCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return translateError(rCtx, "reload", chromedp.Run(rCtx, chromedp.Reload()))
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := chromedp.Run(ctx, chromedp.Title(&title))
	return title, translateError(ctx, "title", err)
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var u string
	err := chromedp.Run(ctx, chromedp.Location(&u))
	return u, translateError(ctx, "url", err)
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, translateError(ctx, "content", err)
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, translateError(ctx, "screenshot", err)
}

func (p *chromePage) WaitForLoadState(ctx context.Context, state string) error {
	switch state {
	case "domcontentloaded", "":
		return translateError(ctx, "waitForLoadState", chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)))
	default:
		return translateError(ctx, "waitForLoadState", chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)))
	}
}

func (p *chromePage) WaitForTimeout(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs js (a function expression, e.g. "function(a,b){...}" or
// "(a,b)=>...") applied to args, the page-level counterpart to
// chromeLocator.Evaluate's per-element wrapping.
func (p *chromePage) Evaluate(ctx context.Context, js string, args []any) (any, error) {
	var result any
	argsJSON, ok := marshalJSONAny(args)
	if !ok {
		argsJSON = "[]"
	}
	full := fmt.Sprintf(`(function(){return (%s).apply(null, %s);})()`, js, argsJSON)
	opts := []chromedp.EvaluateOption{
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true)
		},
	}
	err := chromedp.Run(ctx, chromedp.Evaluate(full, &result, opts...))
	return result, translateError(ctx, "evaluate", err)
}

func (p *chromePage) SetInputFiles(ctx context.Context, xpath string, paths []string) error {
	err := chromedp.Run(ctx, chromedp.SetUploadFiles(xpath, paths, chromedp.BySearch))
	return translateError(ctx, "setInputFiles", err)
}

// ensureEventListener registers the single ListenTarget subscription that
// feeds dialogs, console API calls, and uncaught exceptions to whichever
// handlers are set at dispatch time. Guarded by its own sync.Once so that
// OnceDialog/OnConsole/OnPageError - whichever is called first - all reach
// the same registration exactly once; none of them consume the Once as a
// side effect of merely being called, unlike a shared trigger-and-register
// Once would.
func (p *chromePage) ensureEventListener() {
	p.listenOnce.Do(func() {
		chromedp.ListenTarget(p.d.ctx, func(ev any) {
			if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
				p.dialogMu.Lock()
				h := p.dialogHandler
				p.dialogHandler = nil
				p.dialogMu.Unlock()
				if h == nil {
					return
				}
				accept, text := h(p.d.ctx, e.Message)
				go chromedp.Run(p.d.ctx, page.HandleJavaScriptDialog(accept).WithPromptText(text))
			}
			if e, ok := ev.(*runtime.EventConsoleAPICalled); ok && p.consoleHandler != nil {
				var b strings.Builder
				for i, a := range e.Args {
					if i > 0 {
						b.WriteByte(' ')
					}
					if a.Description != "" {
						b.WriteString(a.Description)
					} else {
						fmt.Fprintf(&b, "%s", a.Type)
					}
				}
				p.consoleHandler(string(e.Type), b.String(), e.Timestamp.Time())
			}
			if e, ok := ev.(*runtime.EventExceptionThrown); ok && p.errorHandler != nil && e.ExceptionDetails != nil {
				msg := e.ExceptionDetails.Text
				var stack string
				if e.ExceptionDetails.Exception != nil {
					msg = e.ExceptionDetails.Exception.Description
				}
				if e.ExceptionDetails.StackTrace != nil {
					for _, f := range e.ExceptionDetails.StackTrace.CallFrames {
						stack += fmt.Sprintf("  at %s (%s:%d)\n", f.FunctionName, f.URL, f.LineNumber)
					}
				}
				p.errorHandler(msg, stack, e.Timestamp.Time())
			}
		})
	})
}

func (p *chromePage) OnceDialog(ctx context.Context, handler func(ctx context.Context, message string) (bool, string)) error {
	p.dialogMu.Lock()
	p.dialogHandler = handler
	p.dialogMu.Unlock()
	p.ensureEventListener()
	return nil
}

func (p *chromePage) OnConsole(handler func(level, text string, ts time.Time)) {
	p.consoleHandler = handler
	p.ensureEventListener()
}

func (p *chromePage) OnPageError(handler func(message, stack string, ts time.Time)) {
	p.errorHandler = handler
	p.ensureEventListener()
}

func (p *chromePage) Close(ctx context.Context) error {
	return translateError(ctx, "close", chromedp.Cancel(ctx))
}

// --- LocatorSurface ---

type chromeLocator struct{ d *ChromeDriver }

// Click waits for the node to exist before clicking. force bypasses the
// extra NodeVisible wait - some spec.md actions target elements that are
// present but not yet laid out (e.g. behind an animation).
func (l *chromeLocator) Click(ctx context.Context, xp string, force bool) error {
	queryOpts := []chromedp.QueryOption{chromedp.BySearch}
	if !force {
		queryOpts = append(queryOpts, chromedp.NodeVisible)
	}
	err := chromedp.Run(ctx, chromedp.Click(xp, queryOpts...))
	return translateError(ctx, "click", err)
}

func (l *chromeLocator) Fill(ctx context.Context, xp string, text string) error {
	err := chromedp.Run(ctx,
		chromedp.SetValue(xp, "", chromedp.BySearch),
		chromedp.SendKeys(xp, text, chromedp.BySearch),
	)
	return translateError(ctx, "fill", err)
}

func (l *chromeLocator) SelectOption(ctx context.Context, xp string, value string) error {
	err := chromedp.Run(ctx, chromedp.SetValue(xp, value, chromedp.BySearch))
	return translateError(ctx, "selectOption", err)
}

func (l *chromeLocator) Check(ctx context.Context, xp string) error {
	var checked bool
	err := chromedp.Run(ctx, chromedp.EvaluateAsDevTools(fmt.Sprintf(`(function(){const el=document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue; return el && el.checked;})()`, jsStringLiteral(xp)), &checked))
	if err == nil && checked {
		return nil
	}
	return translateError(ctx, "check", chromedp.Run(ctx, chromedp.Click(xp, chromedp.BySearch)))
}

func (l *chromeLocator) Uncheck(ctx context.Context, xp string) error {
	var checked bool
	err := chromedp.Run(ctx, chromedp.EvaluateAsDevTools(fmt.Sprintf(`(function(){const el=document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue; return el && el.checked;})()`, jsStringLiteral(xp)), &checked))
	if err == nil && !checked {
		return nil
	}
	return translateError(ctx, "uncheck", chromedp.Run(ctx, chromedp.Click(xp, chromedp.BySearch)))
}

func (l *chromeLocator) Hover(ctx context.Context, xp string) error {
	return translateError(ctx, "hover", chromedp.Run(ctx, chromedp.ScrollIntoView(xp, chromedp.BySearch), mouseMoveTo(xp)))
}

func mouseMoveTo(xp string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		if err := chromedp.Nodes(xp, &nodes, chromedp.BySearch).Do(ctx); err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("no node found for xpath")
		}
		boxes, err := dom.GetBoxModel().WithBackendNodeID(nodes[0].BackendNodeID).Do(ctx)
		if err != nil {
			return err
		}
		if boxes == nil || len(boxes.Content) < 4 {
			return fmt.Errorf("failed to get box model")
		}
		x := (boxes.Content[0] + boxes.Content[2]) / 2
		y := (boxes.Content[1] + boxes.Content[5]) / 2
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	})
}

func (l *chromeLocator) Press(ctx context.Context, xp string, key string) error {
	err := chromedp.Run(ctx, chromedp.Click(xp, chromedp.BySearch), chromedp.KeyEvent(key))
	return translateError(ctx, "press", err)
}

func (l *chromeLocator) Evaluate(ctx context.Context, xp string, js string, arg any) (any, error) {
	var result any
	full := fmt.Sprintf(`(function(){const el=document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue; if(!el) throw new Error("no node found for xpath"); return (%s)(el, %s);})()`, jsStringLiteral(xp), js, jsonOrNull(arg))
	err := chromedp.Run(ctx, chromedp.Evaluate(full, &result))
	return result, translateError(ctx, "evaluate", err)
}

func jsStringLiteral(s string) string {
	b, _ := marshalJSONString(s)
	return b
}

func jsonOrNull(v any) string {
	if v == nil {
		return "null"
	}
	b, ok := marshalJSONAny(v)
	if !ok {
		return "null"
	}
	return b
}

// --- DebugChannel ---

type chromeDebug struct{ d *ChromeDriver }

func (c *chromeDebug) Enable(ctx context.Context, domain string) error {
	return c.d.ensureListening(ctx)
}

func (c *chromeDebug) On(handler func(FrameEvent)) (unsubscribe func()) {
	c.d.mu.Lock()
	c.d.handlers = append(c.d.handlers, handler)
	idx := len(c.d.handlers) - 1
	c.d.mu.Unlock()
	return func() {
		c.d.mu.Lock()
		defer c.d.mu.Unlock()
		if idx < len(c.d.handlers) {
			c.d.handlers[idx] = func(FrameEvent) {}
		}
	}
}

func (c *chromeDebug) GetFrameTree(ctx context.Context) (*FrameTree, error) {
	var tree *page.FrameTree
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(c)
		return err
	}))
	if err != nil {
		return nil, translateError(ctx, "getFrameTree", err)
	}
	return convertFrameTree(tree), nil
}

func convertFrameTree(t *page.FrameTree) *FrameTree {
	if t == nil || t.Frame == nil {
		return nil
	}
	out := &FrameTree{FrameID: string(t.Frame.ID), URL: t.Frame.URL}
	if t.Frame.ParentID != "" {
		out.ParentID = string(t.Frame.ParentID)
	}
	for _, child := range t.ChildFrames {
		if ct := convertFrameTree(child); ct != nil {
			out.Children = append(out.Children, ct)
		}
	}
	return out
}

func (c *chromeDebug) GetFullAXTree(ctx context.Context, frameID string) ([]AXNode, error) {
	var nodes []*accessibility.Node
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		opt := accessibility.GetFullAXTree()
		if frameID != "" {
			opt = opt.WithFrameID(cdp.FrameID(frameID))
		}
		nodes, err = opt.Do(c)
		return err
	}))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAxExtractionFailed, "getFullAXTree failed for frame "+frameID, err)
	}
	out := make([]AXNode, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		an := AXNode{NodeID: string(n.NodeID), Ignored: n.Ignored, FrameID: frameID, BackendDOMNodeID: int64(n.BackendDOMNodeID)}
		if n.Role != nil {
			an.Role = fmt.Sprintf("%v", n.Role.Value)
		}
		if n.Name != nil && n.Name.Value != nil {
			an.Name = fmt.Sprintf("%v", n.Name.Value)
		}
		if n.Description != nil && n.Description.Value != nil {
			an.Description = fmt.Sprintf("%v", n.Description.Value)
		}
		if n.Value != nil && n.Value.Value != nil {
			an.Value = fmt.Sprintf("%v", n.Value.Value)
		}
		for _, id := range n.ChildIDs {
			an.ChildIDs = append(an.ChildIDs, string(id))
		}
		out = append(out, an)
	}
	return out, nil
}

func (c *chromeDebug) DescribeNode(ctx context.Context, backendNodeID int64) (*DOMNode, error) {
	var node *cdp.Node
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		node, err = dom.DescribeNode().WithBackendNodeID(cdp.BackendNodeID(backendNodeID)).WithDepth(-1).Do(c)
		return err
	}))
	if err != nil {
		return nil, translateError(ctx, "describeNode", err)
	}
	if node == nil {
		return nil, apierr.New(apierr.KindElementNotFound, "describeNode returned nil")
	}
	attrs := attributeMap(node.Attributes)
	return &DOMNode{BackendNodeID: int64(node.BackendNodeID), NodeType: int64(node.NodeType), NodeName: strings.ToLower(node.NodeName), Attributes: attrs, FrameID: string(node.FrameID)}, nil
}

// attributeMap flattens cdp.Node.Attributes ([]string of alternating
// name/value) into a map, same idiom the teacher's interaction layer used
// before it was retired.
func attributeMap(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

// computeXPathJS walks up parentNode from the given element, counting
// preceding siblings sharing the same tag name, to build an absolute
// index-based xpath with no @id shortcuts - grounded on dom/xpath.go's
// GenerateUniqueXPath, reimplemented in-page so it also crosses shadow
// boundaries, stepping from a shadow root to its host via getRootNode().host.
const computeXPathJS = `function(el){
  var steps = [];
  var node = el;
  while (node && node.nodeType === 1) {
    var tag = node.tagName.toLowerCase();
    var pos = 1;
    var sib = node.previousElementSibling;
    while (sib) {
      if (sib.tagName && sib.tagName.toLowerCase() === tag) pos++;
      sib = sib.previousElementSibling;
    }
    steps.unshift(tag + '[' + pos + ']');
    var parent = node.parentElement;
    if (!parent) {
      var root = node.getRootNode && node.getRootNode();
      parent = (root && root.host) ? root.host : null;
    }
    node = parent;
  }
  return '/' + steps.join('/');
}`

func (c *chromeDebug) ResolveXPath(ctx context.Context, backendNodeID int64) (string, error) {
	var xp string
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		ids, err := dom.PushNodesByBackendIDsToFrontend([]cdp.BackendNodeID{cdp.BackendNodeID(backendNodeID)}).Do(cctx)
		if err != nil || len(ids) == 0 {
			return fmt.Errorf("resolve node id: %w", err)
		}
		obj, err := dom.ResolveNode().WithNodeID(ids[0]).Do(cctx)
		if err != nil || obj == nil {
			return fmt.Errorf("resolve object: %w", err)
		}
		result, _, err := runtime.CallFunctionOn(computeXPathJS).WithObjectID(obj.ObjectID).Do(cctx)
		if err != nil {
			return err
		}
		if result != nil {
			return json.Unmarshal(result.Value, &xp)
		}
		return fmt.Errorf("no xpath computed")
	}))
	if err != nil {
		return "", translateError(ctx, "resolveXPath", err)
	}
	return xp, nil
}

func (c *chromeDebug) AttributeOf(ctx context.Context, backendNodeID int64, attr string) (string, bool, error) {
	node, err := c.DescribeNode(ctx, backendNodeID)
	if err != nil {
		return "", false, err
	}
	v, ok := node.Attributes[attr]
	return v, ok, nil
}

func (c *chromeDebug) SetAttribute(ctx context.Context, backendNodeID int64, name, value string) error {
	return translateError(ctx, "setAttributeValue", setAttributeViaBackendID(ctx, backendNodeID, name, value))
}

func setAttributeViaBackendID(ctx context.Context, backendNodeID int64, name, value string) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		ids, err := dom.PushNodesByBackendIDsToFrontend([]cdp.BackendNodeID{cdp.BackendNodeID(backendNodeID)}).Do(c)
		if err != nil || len(ids) == 0 {
			return fmt.Errorf("resolve node id: %w", err)
		}
		return dom.SetAttributeValue(ids[0], name, value).Do(c)
	}))
}

func (c *chromeDebug) RemoveAttribute(ctx context.Context, backendNodeID int64, name string) error {
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		ids, err := dom.PushNodesByBackendIDsToFrontend([]cdp.BackendNodeID{cdp.BackendNodeID(backendNodeID)}).Do(c)
		if err != nil || len(ids) == 0 {
			return fmt.Errorf("resolve node id: %w", err)
		}
		return dom.RemoveAttribute(ids[0], name).Do(c)
	}))
	return translateError(ctx, "removeAttribute", err)
}

func (c *chromeDebug) ResolveBackendID(ctx context.Context, xp string) (int64, string, error) {
	var nodes []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(xp, &nodes, chromedp.BySearch))
	if err != nil || len(nodes) == 0 {
		return 0, "", apierr.Wrap(apierr.KindElementNotFound, "resolve xpath "+xp, err)
	}
	return int64(nodes[0].BackendNodeID), string(nodes[0].FrameID), nil
}

// --- SelectorEngine ---

type chromeSelector struct{ d *ChromeDriver }

func (s *chromeSelector) EnsureRegistered(ctx context.Context) error {
	var outerErr error
	s.d.selectorOnce.Do(func() {
		outerErr = chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(selectorEngineScript).Do(c)
			if err != nil {
				return err
			}
			var ignored any
			return chromedp.Evaluate(selectorEngineScript, &ignored).Do(c)
		}))
		s.d.selectorErr = outerErr
	})
	// Re-registration against the same driver instance is a no-op
	// success, per spec.md §4.1/§9 - sync.Once already guarantees this,
	// we just never surface the "already registered" case as an error.
	return s.d.selectorErr
}
