package docsession

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const snapshotVersion = 1

// Deterministic encoding: the same replica state always produces the same
// bytes, which is what write-back digests compare.
var (
	snapshotEncMode cbor.EncMode
	snapshotDecMode cbor.DecMode
)

func init() {
	var err error
	snapshotEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("docsession: CBOR encoder initialization failed: " + err.Error())
	}
	snapshotDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("docsession: CBOR decoder initialization failed: " + err.Error())
	}
}

type pageSnapshot struct {
	Version int               `cbor:"v"`
	Title   string            `cbor:"title,omitempty"`
	Trees   map[string][]Node `cbor:"trees"`
}

func (d *PageDocument) EncodeSnapshot() ([]byte, error) {
	snapshot := pageSnapshot{
		Version: snapshotVersion,
		Title:   d.title,
		Trees:   make(map[string][]Node, len(d.trees)),
	}
	for _, name := range d.treeNames() {
		snapshot.Trees[name] = d.trees[name].nodes
	}
	return snapshotEncMode.Marshal(snapshot)
}

// DecodePageDocument restores a PageDocument from EncodeSnapshot output.
// An empty input yields an empty document.
func DecodePageDocument(data []byte) (*PageDocument, error) {
	doc := NewPageDocument("")
	if len(data) == 0 {
		return doc, nil
	}
	var snapshot pageSnapshot
	if err := snapshotDecMode.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode page snapshot: %w", err)
	}
	if snapshot.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported page snapshot version %d", snapshot.Version)
	}
	doc.title = snapshot.Title
	for name, nodes := range snapshot.Trees {
		doc.trees[name] = &nodeTree{nodes: nodes}
	}
	return doc, nil
}

// StructuredContent renders a tree as the editor's JSON document shape.
func StructuredContent(tree Tree) map[string]any {
	children := Children(tree)
	content := make([]any, 0, len(children))
	for _, child := range children {
		content = append(content, nodeJSON(child))
	}
	return map[string]any{
		"type":    "doc",
		"content": content,
	}
}

func nodeJSON(n Node) map[string]any {
	out := map[string]any{"type": n.Type}
	if len(n.Attrs) > 0 {
		out["attrs"] = n.Attrs
	}
	if n.Text != "" {
		out["text"] = n.Text
	}
	if len(n.Content) > 0 {
		content := make([]any, 0, len(n.Content))
		for _, child := range n.Content {
			content = append(content, nodeJSON(child))
		}
		out["content"] = content
	}
	return out
}

// RenderHTML renders a tree to HTML. Unknown node types become a div tagged
// with data-type so nothing is silently dropped.
func RenderHTML(tree Tree) (string, error) {
	var buf bytes.Buffer
	for _, child := range Children(tree) {
		if err := html.Render(&buf, htmlNode(child)); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func htmlNode(n Node) *html.Node {
	if n.Type == "text" {
		return &html.Node{Type: html.TextNode, Data: n.Text}
	}
	el := &html.Node{Type: html.ElementNode}
	switch n.Type {
	case "paragraph":
		el.DataAtom, el.Data = atom.P, "p"
	case "heading":
		level, _ := strconv.Atoi(fmt.Sprint(n.Attrs["level"]))
		if level < 1 || level > 6 {
			level = 1
		}
		el.Data = "h" + strconv.Itoa(level)
		el.DataAtom = atom.Lookup([]byte(el.Data))
	case "bulletList":
		el.DataAtom, el.Data = atom.Ul, "ul"
	case "orderedList":
		el.DataAtom, el.Data = atom.Ol, "ol"
	case "listItem":
		el.DataAtom, el.Data = atom.Li, "li"
	case "blockquote":
		el.DataAtom, el.Data = atom.Blockquote, "blockquote"
	case "codeBlock":
		el.DataAtom, el.Data = atom.Pre, "pre"
	case "hardBreak":
		el.DataAtom, el.Data = atom.Br, "br"
	case "pageEmbedComponent":
		el.Data = "page-embed-component"
		for _, key := range []string{"id", "entity_identifier", "entity_name", "workspace_identifier"} {
			if value := n.Attr(key); value != "" {
				el.Attr = append(el.Attr, html.Attribute{Key: key, Val: value})
			}
		}
	default:
		el.DataAtom, el.Data = atom.Div, "div"
		el.Attr = append(el.Attr, html.Attribute{Key: "data-type", Val: n.Type})
	}
	if n.Text != "" {
		el.AppendChild(&html.Node{Type: html.TextNode, Data: n.Text})
	}
	for _, child := range n.Content {
		el.AppendChild(htmlNode(child))
	}
	return el
}
