package docsession

import (
	"fmt"
	"sort"
)

// DefaultTree is the name of the rich-content tree every page document has.
const DefaultTree = "default"

// CollaborativeDocument is the narrow view of a CRDT replica that the rest of
// the system relies on. Implementations are not safe for concurrent use; the
// Store serializes access through Transact.
type CollaborativeDocument interface {
	// Tree opens the named tree, creating it empty when absent.
	Tree(name string) Tree
	// EncodeSnapshot returns the binary state of the whole document.
	EncodeSnapshot() ([]byte, error)
}

// Tree is an ordered list of top-level nodes.
type Tree interface {
	Len() int
	At(index int) Node
	Insert(index int, node Node) error
	RemoveAt(index int) error
}

// TreeLookup is implemented by documents that can look a tree up without
// creating it.
type TreeLookup interface {
	LookupTree(name string) (Tree, bool)
}

// Titled is implemented by documents that carry a page title.
type Titled interface {
	Title() string
}

// Node is a typed content node. Attrs and Content follow the editor's JSON
// document shape so snapshots round-trip into structured content unchanged.
type Node struct {
	Type    string         `json:"type" cbor:"type"`
	Attrs   map[string]any `json:"attrs,omitempty" cbor:"attrs,omitempty"`
	Text    string         `json:"text,omitempty" cbor:"text,omitempty"`
	Content []Node         `json:"content,omitempty" cbor:"content,omitempty"`
}

// Attr returns the string value of an attribute, or "" when missing or not a string.
func (n Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	value, _ := n.Attrs[key].(string)
	return value
}

func (n Node) clone() Node {
	out := Node{Type: n.Type, Text: n.Text}
	if n.Attrs != nil {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	if len(n.Content) > 0 {
		out.Content = make([]Node, len(n.Content))
		for i, child := range n.Content {
			out.Content[i] = child.clone()
		}
	}
	return out
}

// PageDocument is the in-memory replica used for pages: named ordered trees
// plus a title.
type PageDocument struct {
	title string
	trees map[string]*nodeTree
}

func NewPageDocument(title string) *PageDocument {
	return &PageDocument{
		title: title,
		trees: map[string]*nodeTree{},
	}
}

func (d *PageDocument) Title() string {
	return d.title
}

func (d *PageDocument) SetTitle(title string) {
	d.title = title
}

func (d *PageDocument) Tree(name string) Tree {
	if name == "" {
		name = DefaultTree
	}
	tree, ok := d.trees[name]
	if !ok {
		tree = &nodeTree{}
		d.trees[name] = tree
	}
	return tree
}

func (d *PageDocument) LookupTree(name string) (Tree, bool) {
	if name == "" {
		name = DefaultTree
	}
	tree, ok := d.trees[name]
	if !ok {
		return nil, false
	}
	return tree, true
}

func (d *PageDocument) treeNames() []string {
	names := make([]string, 0, len(d.trees))
	for name := range d.trees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type nodeTree struct {
	nodes []Node
}

func (t *nodeTree) Len() int {
	return len(t.nodes)
}

func (t *nodeTree) At(index int) Node {
	if index < 0 || index >= len(t.nodes) {
		return Node{}
	}
	return t.nodes[index].clone()
}

func (t *nodeTree) Insert(index int, node Node) error {
	if index < 0 || index > len(t.nodes) {
		return fmt.Errorf("insert index %d out of range [0,%d]", index, len(t.nodes))
	}
	if node.Type == "" {
		return fmt.Errorf("node type is required")
	}
	t.nodes = append(t.nodes, Node{})
	copy(t.nodes[index+1:], t.nodes[index:])
	t.nodes[index] = node.clone()
	return nil
}

func (t *nodeTree) RemoveAt(index int) error {
	if index < 0 || index >= len(t.nodes) {
		return fmt.Errorf("remove index %d out of range [0,%d)", index, len(t.nodes))
	}
	t.nodes = append(t.nodes[:index], t.nodes[index+1:]...)
	return nil
}

// Children returns a copy of every top-level node in the tree.
func Children(tree Tree) []Node {
	out := make([]Node, 0, tree.Len())
	for i := 0; i < tree.Len(); i++ {
		out = append(out, tree.At(i))
	}
	return out
}
