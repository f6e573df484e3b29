package xpath

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
)

func node(name string) *cdp.Node {
	return &cdp.Node{NodeType: 1, NodeName: name}
}

func TestBuildFromChainRootOnly(t *testing.T) {
	html := node("HTML")
	chain := []*cdp.Node{html}
	xp := BuildFromChain(chain, func(n *cdp.Node) []*cdp.Node { return []*cdp.Node{n} })
	assert.Equal(t, "/html[1]", xp)
}

func TestBuildFromChainSiblingPosition(t *testing.T) {
	html := node("HTML")
	body := node("BODY")
	li1 := node("LI")
	li2 := node("LI")
	li3 := node("LI")

	siblingsOf := func(n *cdp.Node) []*cdp.Node {
		switch n {
		case html:
			return []*cdp.Node{html}
		case body:
			return []*cdp.Node{body}
		default:
			return []*cdp.Node{li1, li2, li3}
		}
	}

	xp := BuildFromChain([]*cdp.Node{html, body, li3}, siblingsOf)
	assert.Equal(t, "/html[1]/body[1]/li[3]", xp)
}

func TestBuildFromChainEmpty(t *testing.T) {
	xp := BuildFromChain(nil, func(n *cdp.Node) []*cdp.Node { return nil })
	assert.Equal(t, "/", xp)
}

func TestBuildFromChainSkipsNonElementNodes(t *testing.T) {
	html := node("HTML")
	text := &cdp.Node{NodeType: 3, NodeName: "#text"}
	xp := BuildFromChain([]*cdp.Node{html, text}, func(n *cdp.Node) []*cdp.Node { return []*cdp.Node{n} })
	assert.Equal(t, "/html[1]", xp)
}
