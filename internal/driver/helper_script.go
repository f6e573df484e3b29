package driver

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// helperScript is injected into every document (new and already-loaded) via
// page.AddScriptToEvaluateOnNewDocument plus an immediate runtime.Evaluate,
// the same two-step idiom managment.go's InjectScriptPersistently used for
// playwright's addInitScript. It monkey-patches Element.prototype.attachShadow
// so every shadow root this page creates - including ones requested with
// mode:"closed" - stays reachable through a WeakMap, exposed to page scripts
// as window.__pageflowOpenShadow(el); selectorEngineScript's deep query
// walks closed shadow trees through it.
const helperScript = `(function(){
  if (window.__pageflowShadowBackdoor) return;
  window.__pageflowShadowBackdoor = new WeakMap();
  var origAttach = Element.prototype.attachShadow;
  Element.prototype.attachShadow = function(init){
    var root = origAttach.call(this, init);
    window.__pageflowShadowBackdoor.set(this, root);
    return root;
  };
  window.__pageflowOpenShadow = function(el){
    return window.__pageflowShadowBackdoor.get(el) || el.shadowRoot || null;
  };
})();`

// selectorEngineScript defines window.__pageflowDeepQuery(root, pred), a
// depth-first search returning the first element matching pred, descending
// into children and (via __pageflowOpenShadow when present) shadow roots.
// It is idempotent: re-running it is a silent no-op because it checks
// window.__pageflowSelectorEngine first.
const selectorEngineScript = `(function(){
  if (window.__pageflowSelectorEngine) return;
  window.__pageflowSelectorEngine = true;
  window.__pageflowDeepQuery = function(root, pred){
    var stack = [root];
    while (stack.length){
      var node = stack.pop();
      if (!node) continue;
      if (node.nodeType === 1 && pred(node)) return node;
      var shadow = window.__pageflowOpenShadow ? window.__pageflowOpenShadow(node) : node.shadowRoot;
      if (shadow) stack.push(shadow);
      var children = node.children || [];
      for (var i = children.length - 1; i >= 0; i--) stack.push(children[i]);
    }
    return null;
  };
})();`

// InjectHelperScript installs the shadow-DOM backdoor for the current
// document and arms it for every future document load in this page's
// lifetime. Called once right after page creation, mirroring
// managment.go's InjectScriptPersistently + immediate ExecuteScript pair.
func (d *ChromeDriver) InjectHelperScript(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(helperScript).Do(c); err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(selectorEngineScript).Do(c); err != nil {
			return err
		}
		var ignored any
		if err := chromedp.Evaluate(helperScript, &ignored).Do(c); err != nil {
			return err
		}
		return chromedp.Evaluate(selectorEngineScript, &ignored).Do(c)
	}))
}

func marshalJSONString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "null", err
	}
	return string(b), nil
}

func marshalJSONAny(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return "null", false
	}
	return string(b), true
}
