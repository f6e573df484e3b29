package api

import (
	"context"

	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/driver"
	"github.com/livoras/pageflow/internal/pagemanager"
	"github.com/livoras/pageflow/internal/selector"
)

// queryAllJS returns the outerHTML of every match for selector, XPath
// first-match uses snapshot-first / list queries use ordered-snapshot-all
// per spec.md §6's selector dialect note.
const queryAllJS = `(function(selector, isXPath){
	function outer(nodes){ return nodes.map(function(el){ return el.outerHTML; }); }
	if (isXPath) {
		var snap = document.evaluate(selector, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		var out = [];
		for (var i = 0; i < snap.snapshotLength; i++) { out.push(snap.snapshotItem(i)); }
		return outer(out);
	}
	return outer(Array.prototype.slice.call(document.querySelectorAll(selector)));
})`

// queryAllChildrenJS returns the outerHTML of the direct element children
// of every matched parent, flattened into one array - the
// get-list-html-by-parent variant of queryAllJS.
const queryAllChildrenJS = `(function(selector, isXPath){
	function matches(){
		if (isXPath) {
			var snap = document.evaluate(selector, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			var out = [];
			for (var i = 0; i < snap.snapshotLength; i++) { out.push(snap.snapshotItem(i)); }
			return out;
		}
		return Array.prototype.slice.call(document.querySelectorAll(selector));
	}
	var out = [];
	matches().forEach(function(parent){
		Array.prototype.forEach.call(parent.children, function(child){ out.push(child.outerHTML); });
	});
	return out;
})`

// queryFirstJS returns the outerHTML of the first match for selector, or
// null if none, XPath using FIRST_ORDERED_NODE_TYPE (snapshot-first).
const queryFirstJS = `(function(selector, isXPath){
	if (isXPath) {
		var node = document.evaluate(selector, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
		return node ? node.outerHTML : null;
	}
	var el = document.querySelector(selector);
	return el ? el.outerHTML : null;
})`

func runQuery(ctx context.Context, d driver.Driver, js, sel string) (any, error) {
	isXPath := selector.Classify(sel) == selector.XPath
	result, err := d.Page().Evaluate(ctx, js, []any{sel, isXPath})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidSelector, "evaluate selector query", err)
	}
	return result, nil
}

// queryList runs queryAllJS or queryAllChildrenJS (depending on byParent)
// against ps and returns the matched HTML fragments as strings.
func queryList(ctx context.Context, ps *pagemanager.PageState, sel string, byParent bool) ([]string, error) {
	js := queryAllJS
	if byParent {
		js = queryAllChildrenJS
	}
	result, err := runQuery(ctx, ps.Driver(), js, sel)
	if err != nil {
		return nil, err
	}
	raw, ok := result.([]any)
	if !ok {
		return nil, apierr.New(apierr.KindInvalidSelector, "selector query did not return a list")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// queryElement runs queryFirstJS against ps and returns the matched
// element's outerHTML, or ElementNotFound if nothing matched.
func queryElement(ctx context.Context, ps *pagemanager.PageState, sel string) (string, error) {
	result, err := runQuery(ctx, ps.Driver(), queryFirstJS, sel)
	if err != nil {
		return "", err
	}
	s, ok := result.(string)
	if !ok {
		return "", apierr.New(apierr.KindElementNotFound, "no element matched selector: "+sel)
	}
	return s, nil
}
