package driver

import (
	"context"
	"errors"
	"strings"

	"github.com/livoras/pageflow/internal/apierr"
)

// translateError maps a raw chromedp/cdproto error into the domain error
// kinds spec.md §7 names. This is the only place in the repo that inspects
// driver-error strings. The page/locator/debug methods return their errors
// through it; InjectHelperScript, EnsureRegistered and Enable return the
// raw chromedp error.
func translateError(ctx context.Context, action string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindTimeout, action+" timed out", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return apierr.Wrap(apierr.KindDriverGone, action+" canceled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no node found"), strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "no elements found"), strings.Contains(msg, "node not found"):
		return apierr.Wrap(apierr.KindElementNotFound, action+": element not found", err)
	case strings.Contains(msg, "invalid xpath"), strings.Contains(msg, "invalid selector"):
		return apierr.Wrap(apierr.KindInvalidSelector, action+": invalid selector", err)
	case strings.Contains(msg, "detached"), strings.Contains(msg, "context canceled"):
		return apierr.Wrap(apierr.KindDriverGone, action+": driver detached", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return apierr.Wrap(apierr.KindTimeout, action+" timed out", err)
	default:
		return apierr.Wrap(apierr.KindInternal, action+" failed", err)
	}
}
