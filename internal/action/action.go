// Package action implements the action executor (C5): resolving a target
// (xpath or encoded id) to a live element, dispatching one of the
// supported methods against it through the driver's LocatorSurface, and
// awaiting quiescence before returning. Grounded on the teacher's
// interaction layer shape (a fresh locator per call, no long-lived
// handles) and managment.go's ExecuteScript idiom for the scroll actions.
package action

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/driver"
	"github.com/livoras/pageflow/internal/settle"
)

// Target names either an xpath or an encoded accessibility-node id.
// resolveTarget below uses XPath when it is set, otherwise looks EncodedID
// up in the page's cached xpath map, and rejects a target with neither.
type Target struct {
	XPath     string
	EncodedID string
}

// Request is one act-xpath/act-id call.
type Request struct {
	Target        Target
	Method        string
	Args          []string
	Description   string
	SettleTimeout time.Duration
}

// Result is returned to the caller (and recorded by C6) after a
// successful action.
type Result struct {
	Success bool
	XPath   string
	Value   any
}

const defaultSettleTimeout = 30 * time.Second

// Executor dispatches actions against one page's driver and settle
// detector.
type Executor struct {
	Driver driver.Driver
	Settle *settle.Detector
	Logger *zap.Logger
}

// Execute resolves the target against xpathMap (the page's cached xpath
// map, populated by the last axview build), performs the method, then
// waits for quiescence before returning.
func (e *Executor) Execute(ctx context.Context, xpathMap map[string]string, req Request) (*Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	xp, err := resolveTarget(req.Target, xpathMap)
	if err != nil {
		return nil, err
	}

	value, err := e.dispatch(ctx, xp, req)
	if err != nil {
		return nil, err
	}

	timeout := req.SettleTimeout
	if timeout <= 0 {
		timeout = defaultSettleTimeout
	}
	if e.Settle != nil {
		if err := e.Settle.WaitForSettled(ctx, timeout); err != nil {
			logger.Warn("settle wait interrupted", zap.Error(err))
		}
	}

	return &Result{Success: true, XPath: xp, Value: value}, nil
}

func resolveTarget(t Target, xpathMap map[string]string) (string, error) {
	if t.XPath != "" {
		return t.XPath, nil
	}
	if t.EncodedID == "" {
		return "", apierr.New(apierr.KindInvalidArgs, "target must specify xpath or encodedId")
	}
	if xpathMap == nil {
		return "", apierr.New(apierr.KindXPathMapNotCached, "no xpath map cached for this page")
	}
	xp, ok := xpathMap[t.EncodedID]
	if !ok {
		return "", apierr.New(apierr.KindNoXPathForEncoded, "no xpath for encoded id "+t.EncodedID)
	}
	return xp, nil
}

func (e *Executor) dispatch(ctx context.Context, xp string, req Request) (any, error) {
	locator := e.Driver.Locator()
	page := e.Driver.Page()

	switch req.Method {
	case "click":
		return nil, locator.Click(ctx, xp, true)
	case "fill":
		text, err := arg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return nil, locator.Fill(ctx, xp, text)
	case "selectOption":
		value, err := arg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return nil, locator.SelectOption(ctx, xp, value)
	case "check":
		return nil, locator.Check(ctx, xp)
	case "uncheck":
		return nil, locator.Uncheck(ctx, xp)
	case "hover":
		return nil, locator.Hover(ctx, xp)
	case "press":
		key, err := arg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return nil, locator.Press(ctx, xp, key)
	case "scrollY":
		return nil, e.scroll(ctx, xp, "Y", req.Args)
	case "scrollX":
		return nil, e.scroll(ctx, xp, "X", req.Args)
	case "handleDialog":
		timeout := req.SettleTimeout
		if timeout <= 0 {
			timeout = defaultSettleTimeout
		}
		return nil, e.handleDialog(ctx, xp, page, req.Args, timeout)
	case "fileUpload":
		return nil, page.SetInputFiles(ctx, xp, req.Args)
	case "evaluate":
		js, err := arg(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return locator.Evaluate(ctx, xp, js, nil)
	default:
		return nil, apierr.New(apierr.KindUnsupportedMethod, "unsupported action method: "+req.Method)
	}
}

func arg(args []string, i int) (string, error) {
	if i >= len(args) {
		return "", apierr.New(apierr.KindInvalidArgs, "missing required argument")
	}
	return args[i], nil
}

// scrollTargetJS is the function body LocatorSurface.Evaluate wraps as
// "(%s)(el, arg)" - el is the resolved node, arg carries {axis, mode,
// delta} describing one of the three accepted arg shapes from spec.md
// §4.5. Body gets window.scrollTo/scrollBy; any other element manipulates
// its own scrollTop/scrollLeft/scrollHeight/scrollWidth directly.
const scrollTargetJS = `function(el, arg){
  var axis = arg.axis, mode = arg.mode, delta = arg.delta;
  var prop = axis === 'X' ? 'scrollLeft' : 'scrollTop';
  var sizeProp = axis === 'X' ? 'scrollWidth' : 'scrollHeight';
  var isBody = (el === document.body || el === document.documentElement);
  if (isBody) {
    if (mode === 'edgeStart') {
      axis === 'X' ? window.scrollTo(0, window.scrollY) : window.scrollTo(window.scrollX, 0);
    } else if (mode === 'edgeEnd') {
      var max = document.documentElement[sizeProp];
      axis === 'X' ? window.scrollTo(max, window.scrollY) : window.scrollTo(window.scrollX, max);
    } else if (mode === 'relative') {
      axis === 'X' ? window.scrollBy(delta, 0) : window.scrollBy(0, delta);
    } else {
      axis === 'X' ? window.scrollTo(delta, window.scrollY) : window.scrollTo(window.scrollX, delta);
    }
    return true;
  }
  if (mode === 'edgeStart') {
    el[prop] = 0;
  } else if (mode === 'edgeEnd') {
    el[prop] = el[sizeProp];
  } else if (mode === 'relative') {
    el[prop] += delta;
  } else {
    el[prop] = delta;
  }
  return true;
}`

func (e *Executor) scroll(ctx context.Context, xp string, axis string, args []string) error {
	spec, err := arg(args, 0)
	if err != nil {
		return err
	}

	var mode string
	var delta int
	switch spec {
	case "top", "left":
		mode = "edgeStart"
	case "bottom", "right":
		mode = "edgeEnd"
	default:
		n, err := strconv.Atoi(spec)
		if err != nil {
			return apierr.New(apierr.KindInvalidArgs, "scroll arg must be top/bottom/left/right or an integer")
		}
		if n < 0 {
			mode, delta = "absolute", -n
		} else {
			mode, delta = "relative", n
		}
	}

	_, err = e.Driver.Locator().Evaluate(ctx, xp, scrollTargetJS, map[string]any{"axis": axis, "mode": mode, "delta": delta})
	return err
}

func (e *Executor) handleDialog(ctx context.Context, xp string, page driver.PageSurface, args []string, timeout time.Duration) error {
	accept := true
	promptText := ""
	if len(args) > 0 {
		accept = args[0] == "accept"
	}
	if len(args) > 1 {
		promptText = args[1]
	}

	fired := make(chan struct{}, 1)
	if err := page.OnceDialog(ctx, func(ctx context.Context, message string) (bool, string) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return accept, promptText
	}); err != nil {
		return err
	}

	if err := e.Driver.Locator().Click(ctx, xp, true); err != nil {
		return err
	}

	select {
	case <-fired:
		return nil
	case <-time.After(timeout):
		return apierr.New(apierr.KindDialogNotFired, "no dialog surfaced within the settle window")
	case <-ctx.Done():
		return ctx.Err()
	}
}
