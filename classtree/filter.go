package classtree

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tnt2402/jvm-explorer/api"
)

// Predicate reports whether a name matches a search.
type Predicate func(name string) bool

// MatchAll is the predicate for empty search text.
func MatchAll(string) bool { return true }

// CompilePredicate turns search text into a case-insensitive predicate. Text
// containing * or ? is a wildcard pattern over the whole name; anything else
// is a substring search.
func CompilePredicate(text string) Predicate {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return MatchAll
	}
	if strings.ContainsAny(text, "*?") && doublestar.ValidatePattern(text) {
		return func(name string) bool {
			ok, err := doublestar.Match(text, strings.ToLower(name))
			return err == nil && ok
		}
	}
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), text)
	}
}

// MatchesClass applies pred to the full and the simple name of c.
func MatchesClass(pred Predicate, c *api.LoadedClass) bool {
	return pred(c.Name) || pred(c.SimpleName())
}

// Visible reports whether n shows under pred: a CLASS when its name matches,
// a GROUP when any descendant CLASS does.
func (n *Node) Visible(pred Predicate) bool {
	if n.Type == Class {
		return MatchesClass(pred, n.Class)
	}
	for _, c := range n.Children {
		if c.Visible(pred) {
			return true
		}
	}
	return false
}

// Prune returns a copy of root holding only the nodes visible under pred.
// The root itself is always returned, possibly without children.
func Prune(root *Node, pred Predicate) *Node {
	out := &Node{Type: root.Type, Segment: root.Segment, Class: root.Class}
	for _, c := range root.Children {
		if !c.Visible(pred) {
			continue
		}
		if c.Type == Class {
			out.Children = append(out.Children, c)
			continue
		}
		out.Children = append(out.Children, Prune(c, pred))
	}
	return out
}

// Summary renders visible and total class counts as "n" or "visible/total".
func Summary(visible, total int) string {
	if visible == total {
		return fmt.Sprintf("%d", total)
	}
	return fmt.Sprintf("%d/%d", visible, total)
}
