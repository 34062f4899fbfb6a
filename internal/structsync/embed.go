package structsync

import (
	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/google/uuid"
)

const (
	EmbedNodeType = "pageEmbedComponent"

	EntityKindSubPage = "sub_page"
)

// NewEmbed builds an embedded-reference node with a fresh node id.
func NewEmbed(pageID, kind, workspaceSlug string) docsession.Node {
	return docsession.Node{
		Type: EmbedNodeType,
		Attrs: map[string]any{
			"id":                   uuid.NewString(),
			"entity_identifier":    pageID,
			"entity_name":          kind,
			"workspace_identifier": workspaceSlug,
		},
	}
}

// IsEmbedOf reports whether n embeds pageID with the given kind.
func IsEmbedOf(n docsession.Node, pageID, kind string) bool {
	return n.Type == EmbedNodeType &&
		n.Attr("entity_identifier") == pageID &&
		n.Attr("entity_name") == kind
}

// FindEmbeds returns the indices of every top-level node embedding pageID, in
// ascending order.
func FindEmbeds(tree docsession.Tree, pageID, kind string) []int {
	var out []int
	for i := 0; i < tree.Len(); i++ {
		if IsEmbedOf(tree.At(i), pageID, kind) {
			out = append(out, i)
		}
	}
	return out
}

// CountEmbeds is len(FindEmbeds(...)).
func CountEmbeds(tree docsession.Tree, pageID, kind string) int {
	return len(FindEmbeds(tree, pageID, kind))
}
