// Package xpath computes absolute, index-based XPath expressions for nodes
// reached over the Chrome DevTools Protocol. Unlike a typical DOM-walking
// XPath generator, it never takes an @id shortcut: spec.md requires every
// step to be tag[position-among-same-tag-siblings], rooted at the owning
// frame's document element, because the resulting map is consulted purely
// by encoded id and must stay a pure function of tree shape.
package xpath

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"golang.org/x/sync/errgroup"
)

// Step is one "tag[position]" segment of an absolute XPath.
type Step struct {
	Tag      string
	Position int
}

// BuildFromChain computes the absolute XPath for a node given its ancestor
// chain (node itself last, document element first), using pre-fetched
// sibling lists for each ancestor.
func BuildFromChain(chain []*cdp.Node, siblingsOf func(n *cdp.Node) []*cdp.Node) string {
	var steps []Step
	for _, n := range chain {
		if n == nil || n.NodeType != cdp.NodeType(nodeTypeElement) {
			continue
		}
		tag := strings.ToLower(n.NodeName)
		if tag == "" {
			continue
		}
		position := 1
		for _, sib := range siblingsOf(n) {
			if sib == n {
				break
			}
			if sib.NodeType == cdp.NodeType(nodeTypeElement) && strings.EqualFold(sib.NodeName, n.NodeName) {
				position++
			}
		}
		steps = append(steps, Step{Tag: tag, Position: position})
	}
	if len(steps) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range steps {
		b.WriteByte('/')
		b.WriteString(s.Tag)
		fmt.Fprintf(&b, "[%d]", s.Position)
	}
	return b.String()
}

const nodeTypeElement = 1

// ResolveBatch walks a set of backend node ids in parallel (bounded by
// errgroup) and returns backend node id -> xpath for every id that resolved.
// Partial failures are tolerated per-id; the caller decides whether a
// partially empty map is fatal (spec.md §4.3 step 4 is fatal on the whole
// batch failing to start, not on a single stale node).
func ResolveBatch(ctx context.Context, ids []cdp.BackendNodeID, resolveOne func(context.Context, cdp.BackendNodeID) (string, error)) (map[cdp.BackendNodeID]string, error) {
	out := make(map[cdp.BackendNodeID]string, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			xp, err := resolveOne(gctx, id)
			if err != nil {
				// A single node failing to resolve (detached between
				// snapshot and lookup) is non-fatal; just skip it.
				return nil
			}
			mu.Lock()
			out[id] = xp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PushAndDescribe issues DOM.pushNodesByBackendIdsToFrontend for backendIDs
// and returns the resulting frontend node ids. It does not call
// DOM.describeNode; callers describe the returned nodes themselves.
func PushAndDescribe(ctx context.Context, backendIDs []cdp.BackendNodeID) ([]cdp.NodeID, error) {
	ids, err := dom.PushNodesByBackendIDsToFrontend(backendIDs).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("push backend ids to frontend: %w", err)
	}
	return ids, nil
}
