// Package lifecycle models page-tree lifecycle events: parsing the intake
// envelope into one typed variant per action and resolving which pages must
// be notified.
package lifecycle

type Action string

const (
	ActionMovedInternally Action = "moved_internally"
	ActionDuplicated      Action = "duplicated"
	ActionDeleted         Action = "deleted"
	ActionSubPage         Action = "sub_page"
	ActionRestored        Action = "restored"
)

// Scope is the per-request connection context handed to every mutation and
// broadcast. All fields are optional.
type Scope struct {
	WorkspaceSlug string `json:"workspace_slug,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	TeamspaceID   string `json:"teamspace_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// Header holds the fields every envelope carries regardless of action.
type Header struct {
	Action        Action
	PageID        string
	ParentID      string
	DescendantIDs []string
	Scope         Scope
	// Data is the opaque payload, passed through to broadcasts untouched.
	Data map[string]any
}

// Event is a sealed sum type; the only implementations are the variants below.
type Event interface {
	Head() Header
	isEvent()
}

type MovedInternally struct {
	Header
	OldParentID string
	NewParentID string
}

type Duplicated struct {
	Header
	NewPageID string
}

type Deleted struct {
	Header
}

type SubPage struct {
	Header
}

// Restored is notification-only; nothing is reinserted into parent trees.
type Restored struct {
	Header
	DeletedPageIDs []string
}

// PassThrough covers actions that never touch document structure but are
// still broadcast.
type PassThrough struct {
	Header
}

func (h Header) Head() Header { return h }

func (MovedInternally) isEvent() {}
func (Duplicated) isEvent()      {}
func (Deleted) isEvent()         {}
func (SubPage) isEvent()         {}
func (Restored) isEvent()        {}
func (PassThrough) isEvent()     {}

// Envelope is the normalized payload delivered to subscribers and sockets.
type Envelope struct {
	Action        Action         `json:"action"`
	PageID        string         `json:"page_id,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	DescendantIDs []string       `json:"descendants_ids"`
	Data          map[string]any `json:"data"`
	Scope
}

// EnvelopeOf flattens an event back into its wire shape.
func EnvelopeOf(ev Event) Envelope {
	h := ev.Head()
	descendants := h.DescendantIDs
	if descendants == nil {
		descendants = []string{}
	}
	data := h.Data
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Action:        h.Action,
		PageID:        h.PageID,
		ParentID:      h.ParentID,
		DescendantIDs: descendants,
		Data:          data,
		Scope:         h.Scope,
	}
}
