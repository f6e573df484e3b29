package api

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/pagemanager"
)

// evaluateCondition matches pattern (a Go regexp, with an optional "i" flag
// for case-insensitivity mirroring JS regex flags) against the page's
// current HTML content, for POST /api/pages/:id/condition.
func evaluateCondition(ctx context.Context, ps *pagemanager.PageState, pattern, flags string) (bool, error) {
	expr := pattern
	if strings.Contains(flags, "i") {
		expr = fmt.Sprintf("(?i)%s", pattern)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, apierr.Wrap(apierr.KindInvalidArgs, "compile condition pattern", err)
	}
	html, err := ps.Driver().Page().Content(ctx)
	if err != nil {
		return false, err
	}
	return re.MatchString(html), nil
}
