// Package classtree groups a flat class listing into a hierarchy and filters
// it with search predicates. Trees are immutable once built; filtering
// computes visibility instead of mutating nodes.
package classtree

import (
	"sort"
	"strings"

	"github.com/tnt2402/jvm-explorer/api"
)

type NodeType int

const (
	Group NodeType = iota
	Class
)

func (t NodeType) String() string {
	if t == Class {
		return "CLASS"
	}
	return "GROUP"
}

type Mode int

const (
	ByPackage Mode = iota
	ByClassLoader
)

// BootstrapLoader labels classes reported without a loader.
const BootstrapLoader = "bootstrap"

// Node is a GROUP keyed by a path segment or a CLASS wrapping one class.
type Node struct {
	Type     NodeType
	Segment  string
	Class    *api.LoadedClass
	Children []*Node
}

// Name is the label shown for the node.
func (n *Node) Name() string {
	if n.Type == Class {
		return n.Class.SimpleName()
	}
	return n.Segment
}

type classKey struct {
	loader string
	name   string
}

// builder keeps a child index per group while the tree is assembled.
type builder struct {
	node   *Node
	groups map[string]*builder
}

func newBuilder(segment string) *builder {
	return &builder{
		node:   &Node{Type: Group, Segment: segment},
		groups: map[string]*builder{},
	}
}

func (b *builder) group(segment string) *builder {
	g, ok := b.groups[segment]
	if !ok {
		g = newBuilder(segment)
		b.groups[segment] = g
		b.node.Children = append(b.node.Children, g.node)
	}
	return g
}

// Build returns a root GROUP holding one CLASS leaf per distinct
// (loader, name) pair. Children are sorted groups first, then classes, each by
// name, so equal inputs always produce equal trees. Every GROUP below the
// root holds at least one class; the root itself is empty when classes is.
func Build(classes []api.LoadedClass, mode Mode) *Node {
	root := newBuilder("")
	seen := make(map[classKey]struct{}, len(classes))

	for i := range classes {
		c := classes[i]
		key := classKey{loader: c.LoaderID, name: c.Name}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		parent := root
		for _, seg := range segments(c, mode) {
			parent = parent.group(seg)
		}
		parent.node.Children = append(parent.node.Children, &Node{Type: Class, Class: &c})
	}

	sortTree(root.node)
	return root.node
}

func segments(c api.LoadedClass, mode Mode) []string {
	var segs []string
	if mode == ByClassLoader {
		loader := c.LoaderID
		if loader == "" {
			loader = BootstrapLoader
		}
		segs = append(segs, loader)
	}
	if pkg := c.Package(); pkg != "" {
		segs = append(segs, strings.Split(pkg, ".")...)
	}
	return segs
}

func sortTree(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.Type != b.Type {
			return a.Type == Group
		}
		if a.Type == Group {
			return a.Segment < b.Segment
		}
		if a.Class.Name != b.Class.Name {
			return a.Class.Name < b.Class.Name
		}
		return a.Class.LoaderID < b.Class.LoaderID
	})
	for _, c := range n.Children {
		if c.Type == Group {
			sortTree(c)
		}
	}
}

// Walk visits n and its descendants depth first. Returning false from fn skips
// the node's children.
func Walk(n *Node, fn func(n *Node, depth int) bool) {
	walk(n, 0, fn)
}

func walk(n *Node, depth int, fn func(*Node, int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		walk(c, depth+1, fn)
	}
}

// CountClasses returns the number of CLASS nodes under n, n included.
func CountClasses(n *Node) int {
	count := 0
	Walk(n, func(n *Node, _ int) bool {
		if n.Type == Class {
			count++
		}
		return true
	})
	return count
}

// Find returns the first CLASS node whose simple or full name equals name.
func Find(root *Node, name string) *Node {
	var found *Node
	Walk(root, func(n *Node, _ int) bool {
		if found != nil {
			return false
		}
		if n.Type == Class && (n.Class.Name == name || n.Class.SimpleName() == name) {
			found = n
		}
		return true
	})
	return found
}
