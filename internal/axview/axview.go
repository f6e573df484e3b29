// Package axview builds the accessibility-derived outline view of a page:
// a pruned forest of accessibility nodes, an xpath map keyed by encoded id,
// and a harvested id-to-URL map for anchors/images/media. Grounded on
// other_examples/NeboLoop-nebo__browser.go's snapshot()/formatAXNodes (the
// "generic role with empty name" prune rule and pre-order outline
// rendering), internal/frameregistry for encoded ids, and the driver's
// DebugChannel.ResolveXPath for xpath production.
package axview

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/driver"
	"github.com/livoras/pageflow/internal/frameregistry"
)

// Node is one accessibility-tree node after name resolution, xpath
// attachment, and pruning.
type Node struct {
	EncodedID     string
	Role          string
	Name          string
	FrameID       string
	BackendNodeID int64
	XPath         string
	Value         string
	Children      []*Node

	childIDs     []string // raw AX childIds, used only while stitching
	nodeID       string
	ignored      bool
	hasFrameRole bool
}

// Result is everything C3 produces for one build.
type Result struct {
	Simplified string
	XPathMap   map[string]string // encodedId -> xpath
	IDToURL    map[string]string // encodedId -> href/src
	Tree       []*Node
}

// harvestRoles lists the accessibility roles whose DOM href/src attribute
// is worth harvesting into idToUrl, per spec.md §4.3 step 5.
var harvestRoles = map[string]string{
	"link":  "href",
	"img":   "src",
	"image": "src",
	"video": "src",
	"audio": "src",
}

// landmarkRoles are never pruned even when empty/structural, per spec.md
// §4.3 step 6 ("named landmark").
var landmarkRoles = map[string]bool{
	"banner": true, "navigation": true, "main": true, "complementary": true,
	"contentinfo": true, "region": true, "form": true, "search": true,
}

// Builder builds accessibility outlines for one page.
type Builder struct {
	Driver   driver.Driver
	Frames   *frameregistry.Registry
	Logger   *zap.Logger
}

// Build runs the full C3 algorithm. When scopeFound is true, the output is
// restricted to the subtree rooted at the node whose backend node id is
// scopeBackendID; the caller resolves its scope selector to that id, since
// C3 doesn't itself run queries against a page.
func (b *Builder) Build(ctx context.Context, scopeBackendID int64, scopeFound bool) (*Result, error) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	frameTree, err := b.Driver.Debug().GetFrameTree(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAxExtractionFailed, "getFrameTree failed", err)
	}
	frameIDs := flattenFrameIDs(frameTree)

	// The frame tree's root carries the real CDP frame id for the top
	// frame, but the registry's "top frame -> ordinal 0" sentinel is the
	// empty string. Normalize the observed top frame id to "" so encoding
	// and lookups agree with frameregistry.New()'s seed, per spec.md §4.2
	// ("frame ordinal 0 is the top frame").
	topFrameID := ""
	if frameTree != nil {
		topFrameID = frameTree.FrameID
	}
	normalizeFrameID := func(fid string) string {
		if fid == topFrameID {
			return ""
		}
		return fid
	}

	type frameNodes struct {
		frameID string
		nodes   []driver.AXNode
	}
	results := make([]frameNodes, len(frameIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, fid := range frameIDs {
		i, fid := i, fid
		g.Go(func() error {
			nodes, err := b.Driver.Debug().GetFullAXTree(gctx, fid)
			if err != nil {
				return err
			}
			results[i] = frameNodes{frameID: fid, nodes: nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apierr.Wrap(apierr.KindAxExtractionFailed, "getFullAXTree failed", err)
	}

	// Step 2: per-frame node table, encodedId assignment.
	byEncodedID := make(map[string]*Node)
	roots := make(map[string]*Node) // frameID -> synthetic root's children holder
	frameOrder := make([]string, 0, len(results))
	childFrameIDs := make(map[string][]string) // parent frameID -> ordered child frame ids, consumed by iframe-role nodes in tree order

	for _, fn := range results {
		normFrameID := normalizeFrameID(fn.frameID)
		frameOrder = append(frameOrder, normFrameID)
		table := make(map[string]*Node, len(fn.nodes))
		var frameRoot *Node
		for _, an := range fn.nodes {
			if an.Ignored {
				continue
			}
			encodedID := b.Frames.EncodeFrame(normFrameID, an.BackendDOMNodeID)
			n := &Node{
				EncodedID:     encodedID,
				Role:          strings.ToLower(an.Role),
				Name:          resolveName(an.Name, an.Description),
				Value:         an.Value,
				FrameID:       normFrameID,
				BackendNodeID: an.BackendDOMNodeID,
				childIDs:      an.ChildIDs,
				nodeID:        an.NodeID,
			}
			table[an.NodeID] = n
			byEncodedID[encodedID] = n
			if frameRoot == nil {
				frameRoot = n
			}
		}
		for _, n := range table {
			for _, cid := range n.childIDs {
				if c, ok := table[cid]; ok {
					n.Children = append(n.Children, c)
				}
			}
			if n.Role == "iframe" {
				n.hasFrameRole = true
			}
		}
		roots[normFrameID] = findRoot(table)
	}

	// Stitch child frames onto their parent's iframe-role nodes in tree
	// order. CDP's Accessibility domain doesn't expose which child frame
	// id an "Iframe" role node owns; we pair them positionally against
	// the frame tree's child ordering for that parent frame, which holds
	// for the common case of one iframe per slot and is documented as a
	// best-effort heuristic rather than a guaranteed-correct mapping.
	for _, ft := range flattenFrameNodes(frameTree) {
		if ft.ParentID == "" {
			continue
		}
		parent := normalizeFrameID(ft.ParentID)
		childFrameIDs[parent] = append(childFrameIDs[parent], ft.FrameID)
	}
	for parentFrameID, children := range childFrameIDs {
		parentRoot := roots[parentFrameID]
		if parentRoot == nil {
			continue
		}
		iframeNodes := collectIframeNodes(parentRoot)
		for i, child := range iframeNodes {
			if i >= len(children) {
				break
			}
			if childRoot := roots[normalizeFrameID(children[i])]; childRoot != nil {
				child.Children = append(child.Children, childRoot)
			}
		}
	}

	// Step 4: xpath map via batched resolution.
	xpathMap := make(map[string]string, len(byEncodedID))
	var xmu sync.Mutex
	xg, xgctx := errgroup.WithContext(ctx)
	xg.SetLimit(8)
	for encodedID, n := range byEncodedID {
		encodedID, n := encodedID, n
		xg.Go(func() error {
			xp, err := b.Driver.Debug().ResolveXPath(xgctx, n.BackendNodeID)
			if err != nil {
				logger.Warn("xpath resolution failed", zap.String("encodedId", encodedID), zap.Error(err))
				return nil
			}
			n.XPath = xp
			xmu.Lock()
			xpathMap[encodedID] = xp
			xmu.Unlock()
			return nil
		})
	}
	_ = xg.Wait()

	// Step 5: idToUrl harvest.
	idToURL := make(map[string]string)
	for encodedID, n := range byEncodedID {
		attr, ok := harvestRoles[n.Role]
		if !ok {
			continue
		}
		v, present, err := b.Driver.Debug().AttributeOf(ctx, n.BackendNodeID, attr)
		if err != nil || !present || v == "" {
			continue
		}
		idToURL[encodedID] = v
	}

	// Step 6: prune and fold.
	for _, fid := range frameOrder {
		roots[fid] = pruneNode(roots[fid])
	}

	topRoot := roots[""]
	forest := []*Node{}
	if topRoot != nil {
		forest = append(forest, topRoot)
	}

	// Step 7: scope restriction.
	if scopeFound {
		if scoped := findByBackendID(forest, scopeBackendID); scoped != nil {
			forest = []*Node{scoped}
		} else {
			logger.Warn("scope selector not found in accessibility tree, falling back to full tree")
		}
	}

	// Step 8: outline rendering.
	var sb strings.Builder
	for _, root := range forest {
		renderOutline(&sb, root, 0)
	}

	return &Result{
		Simplified: sb.String(),
		XPathMap:   xpathMap,
		IDToURL:    idToURL,
		Tree:       forest,
	}, nil
}

func resolveName(name, description string) string {
	n := normalizeText(name)
	if n != "" {
		return n
	}
	return normalizeText(description)
}

// normalizeText strips control characters and collapses internal
// whitespace to single spaces, per spec.md §4.3 step 3.
func normalizeText(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func flattenFrameIDs(tree *driver.FrameTree) []string {
	var out []string
	var walk func(*driver.FrameTree)
	walk = func(t *driver.FrameTree) {
		if t == nil {
			return
		}
		out = append(out, t.FrameID)
		for _, c := range t.Children {
			walk(c)
		}
	}
	walk(tree)
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

type flatFrame struct{ FrameID, ParentID string }

func flattenFrameNodes(tree *driver.FrameTree) []flatFrame {
	var out []flatFrame
	var walk func(*driver.FrameTree, string)
	walk = func(t *driver.FrameTree, parent string) {
		if t == nil {
			return
		}
		out = append(out, flatFrame{FrameID: t.FrameID, ParentID: parent})
		for _, c := range t.Children {
			walk(c, t.FrameID)
		}
	}
	walk(tree, "")
	return out
}

func findRoot(table map[string]*Node) *Node {
	hasParent := make(map[string]bool, len(table))
	for _, n := range table {
		for _, c := range n.Children {
			hasParent[c.nodeID] = true
		}
	}
	for _, n := range table {
		if !hasParent[n.nodeID] {
			return n
		}
	}
	return nil
}

func collectIframeNodes(n *Node) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.hasFrameRole {
			out = append(out, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

// pruneNode applies spec.md §4.3 step 6: a structural generic/none node
// with an empty name collapses to its sole surviving child, or is dropped
// if it has none, unless it owns a frame boundary, is a named landmark, or
// carries a non-empty value.
func pruneNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	pruned := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if p := pruneNode(c); p != nil {
			pruned = append(pruned, p)
		}
	}
	n.Children = pruned

	if !isStructural(n.Role) || n.Name != "" || n.hasFrameRole || landmarkRoles[n.Role] || n.Value != "" {
		return n
	}
	switch len(n.Children) {
	case 0:
		return nil
	case 1:
		return n.Children[0]
	default:
		return n
	}
}

func isStructural(role string) bool {
	return role == "generic" || role == "none" || role == ""
}

func findByBackendID(forest []*Node, backendID int64) *Node {
	var found *Node
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil || found != nil {
			return
		}
		if n.BackendNodeID == backendID {
			found = n
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, root := range forest {
		walk(root)
	}
	return found
}

// renderOutline writes pre-order lines "[<encodedId>] <role>[: <content>]"
// with two-space indent per depth. content is the node's name, or its value
// when the name is empty; the colon is omitted whenever content is empty.
func renderOutline(sb *strings.Builder, n *Node, depth int) {
	if n == nil {
		return
	}
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString("[")
	sb.WriteString(n.EncodedID)
	sb.WriteString("] ")
	sb.WriteString(n.Role)
	content := n.Name
	if content == "" {
		content = n.Value
	}
	if content != "" {
		sb.WriteString(": ")
		sb.WriteString(content)
	}
	sb.WriteString("\n")

	children := make([]*Node, len(n.Children))
	copy(children, n.Children)
	for _, c := range children {
		renderOutline(sb, c, depth+1)
	}
}

