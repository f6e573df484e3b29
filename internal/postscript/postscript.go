// Package postscript runs a recorded action's post-script against its
// captured HTML in a sandboxed goja VM, fed a small jQuery/cheerio-like
// bridge instead of a full DOM. Grounded on internal/browser/jsexec's
// Runtime (goja.SetInterrupt(ctx.Done()), function-wrapper detection,
// promise awaiting; no event loop is run here) trimmed down
// from a full DOM emulation (internal/browser/jsbind) to the narrow
// "find/text/attr/html" surface spec.md §4.6 describes as "cheerioLike",
// backed by goquery instead of a hand-rolled DOM.
package postscript

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a post-script run when the caller's context has no
// deadline, same safeguard as jsexec.Runtime.DefaultTimeout.
const DefaultTimeout = 10 * time.Second

// Runner executes post-scripts in a fresh goja VM per call - post-scripts
// are untrusted recorded data, not core code, so no state is shared across
// runs.
type Runner struct {
	Logger *zap.Logger
}

// RunOnElement evaluates script as `(html, cheerioLike) => ...` against a
// single element's captured HTML, for element-extraction or page-HTML
// actions.
func (r *Runner) RunOnElement(ctx context.Context, script, html string) (any, error) {
	return r.run(ctx, script, []any{html}, false)
}

// RunOnList evaluates script as `(htmlArray, cheerioLike) => ...` against a
// list-extraction action's captured HTML fragments.
func (r *Runner) RunOnList(ctx context.Context, script string, htmlFragments []string) (any, error) {
	args := make([]any, len(htmlFragments))
	for i, h := range htmlFragments {
		args[i] = h
	}
	return r.run(ctx, script, []any{args}, true)
}

func (r *Runner) run(ctx context.Context, script string, scriptArgs []any, isList bool) (any, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	vm := goja.New()
	interruptDone := make(chan struct{})
	defer close(interruptDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-interruptDone:
		}
	}()
	defer vm.ClearInterrupt()

	scriptArgs = append(scriptArgs, cheerioLikeFunc(vm))

	fn, err := compileFunction(vm, script)
	if err != nil {
		return nil, fmt.Errorf("compile post-script: %w", err)
	}

	gojaArgs := make([]goja.Value, len(scriptArgs))
	for i, a := range scriptArgs {
		gojaArgs[i] = vm.ToValue(a)
	}

	result, err := fn(goja.Undefined(), gojaArgs...)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, fmt.Errorf("post-script interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("post-script error: %w", err)
	}

	if promise, ok := result.Export().(*goja.Promise); ok {
		return r.waitForPromise(ctx, vm, promise)
	}

	return result.Export(), nil
}

// waitForPromise awaits an async post-script's promise: settled promises
// resolve inline; for a pending one it attaches .then handlers and waits
// for them or for ctx. No event loop runs, so a promise still pending when
// the script returns settles only if something else resolves it; otherwise
// the wait ends when ctx is done.
func (r *Runner) waitForPromise(ctx context.Context, vm *goja.Runtime, promise *goja.Promise) (any, error) {
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("post-script promise rejected: %v", promise.Result().Export())
	}

	promiseObj := vm.ToValue(promise).ToObject(vm)
	then, ok := goja.AssertFunction(promiseObj.Get("then"))
	if !ok {
		return nil, fmt.Errorf("post-script error: promise has no then method")
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	if _, err := then(promiseObj,
		vm.ToValue(func(v goja.Value) { resultCh <- v.Export() }),
		vm.ToValue(func(v goja.Value) { errCh <- fmt.Errorf("post-script promise rejected: %v", v.Export()) }),
	); err != nil {
		return nil, fmt.Errorf("post-script error: %w", err)
	}

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("post-script interrupted: %w", ctx.Err())
	}
}

// compileFunction evaluates script and asserts it produced a callable
// value - post-scripts are stored as function-literal strings per
// spec.md §4.6 ("evaluates the stored string in a sandboxed JS function
// context"). A script given as bare statements is wrapped in an IIFE-style
// function literal so it still compiles to something callable.
func compileFunction(vm *goja.Runtime, script string) (goja.Callable, error) {
	s := strings.TrimSpace(script)
	isLiteral := strings.HasPrefix(s, "(function") || strings.HasPrefix(s, "function") ||
		strings.HasPrefix(s, "(async function") || strings.HasPrefix(s, "async function") ||
		strings.HasPrefix(s, "(") || strings.Contains(s, "=>")

	expr := s
	if !isLiteral {
		expr = "function(){" + s + "}"
	}
	val, err := vm.RunString("(" + expr + ")")
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("post-script did not evaluate to a callable function")
	}
	return fn, nil
}

// cheerioLikeFunc builds the `cheerioLike(html)` entrypoint post-scripts
// receive, mirroring cheerio's own `cheerio.load(html)` / `$(html)` call.
// goja wraps a plain Go func as a callable JS value automatically, so this
// needs no FunctionCall plumbing.
func cheerioLikeFunc(vm *goja.Runtime) func(string) (map[string]any, error) {
	return func(html string) (map[string]any, error) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, fmt.Errorf("cheerioLike: failed to parse html: %w", err)
		}
		return newSelectionHandle(vm, doc.Selection), nil
	}
}

// selectionHandle wraps one goquery.Selection as a JS object exposing
// find/text/attr/html, each returning a new selectionHandle where
// appropriate so calls chain the way cheerio's do.
type selectionHandle struct {
	vm   *goja.Runtime
	node *goquery.Selection
}

func newSelectionHandle(vm *goja.Runtime, node *goquery.Selection) map[string]any {
	h := &selectionHandle{vm: vm, node: node}
	return map[string]any{
		"find": func(selector string) map[string]any {
			return newSelectionHandle(vm, h.node.Find(selector))
		},
		"text": func() string {
			return strings.TrimSpace(h.node.Text())
		},
		"attr": func(name string) any {
			v, ok := h.node.Attr(name)
			if !ok {
				return nil
			}
			return v
		},
		"html": func() any {
			v, err := h.node.Html()
			if err != nil {
				return nil
			}
			return v
		},
		"length": h.node.Length(),
		"each": func(fn func(int, map[string]any)) {
			h.node.Each(func(i int, s *goquery.Selection) {
				fn(i, newSelectionHandle(vm, s))
			})
		},
	}
}
