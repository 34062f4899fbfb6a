// Package structsync keeps the embedded page references of open parent
// documents in line with page-tree lifecycle events.
package structsync

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/agentworkforce/relaylive/internal/lifecycle"
	"github.com/rs/zerolog"
)

// Sessions is the part of the document session store the engine needs.
type Sessions interface {
	Loaded(documentID string) bool
	Transact(documentID string, fn func(docsession.CollaborativeDocument) (any, error)) (any, error)
}

type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type Outcome struct {
	DocumentID string
	Op         string
	Status     Status
	// Changed counts inserted plus removed nodes.
	Changed int
	Err     error
}

type Report struct {
	Outcomes []Outcome
}

func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

type Engine struct {
	sessions Sessions
	logger   zerolog.Logger
}

func NewEngine(sessions Sessions, logger zerolog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		logger:   logger.With().Str("component", "structsync").Logger(),
	}
}

// Apply mutates every loaded parent document ev touches. Each parent is
// handled independently: a failure on one is logged and recorded in the
// report, never retried, and never stops the others.
func (e *Engine) Apply(ev lifecycle.Event) Report {
	var report Report
	h := ev.Head()
	switch v := ev.(type) {
	case lifecycle.MovedInternally:
		if h.PageID == "" {
			return e.precondition(report, v.Action, "page_id")
		}
		if v.OldParentID != "" {
			report.Outcomes = append(report.Outcomes, e.mutate(v.OldParentID, "remove", h, removeEmbeds(h.PageID)))
		}
		if v.NewParentID != "" {
			report.Outcomes = append(report.Outcomes, e.mutate(v.NewParentID, "append", h, appendEmbed(h.PageID, h.Scope.WorkspaceSlug)))
		}
	case lifecycle.Duplicated:
		if h.ParentID == "" || h.PageID == "" || v.NewPageID == "" {
			return e.precondition(report, v.Action, "parent_id, page_id, data.new_page_id")
		}
		report.Outcomes = append(report.Outcomes, e.mutate(h.ParentID, "duplicate", h, duplicateEmbeds(h.PageID, v.NewPageID, h.Scope.WorkspaceSlug)))
	case lifecycle.Deleted:
		if h.ParentID == "" || h.PageID == "" {
			return e.precondition(report, v.Action, "parent_id, page_id")
		}
		report.Outcomes = append(report.Outcomes, e.mutate(h.ParentID, "remove", h, removeEmbeds(h.PageID)))
	case lifecycle.SubPage:
		if h.ParentID == "" || h.PageID == "" {
			return e.precondition(report, v.Action, "parent_id, page_id")
		}
		report.Outcomes = append(report.Outcomes, e.mutate(h.ParentID, "append", h, appendEmbed(h.PageID, h.Scope.WorkspaceSlug)))
	case lifecycle.Restored:
		// Notification only.
	case lifecycle.PassThrough:
	default:
		panic(fmt.Sprintf("structsync: unhandled lifecycle event %T", ev))
	}
	return report
}

func (e *Engine) precondition(report Report, action lifecycle.Action, fields string) Report {
	e.logger.Debug().Str("action", string(action)).Str("requires", fields).Msg("event skipped: missing fields")
	return report
}

type mutator func(tree docsession.Tree) (int, error)

func (e *Engine) mutate(documentID, op string, h lifecycle.Header, fn mutator) Outcome {
	out := Outcome{DocumentID: documentID, Op: op}
	log := e.logger.With().
		Str("document_id", documentID).
		Str("page_id", h.PageID).
		Str("op", op).
		Str("action", string(h.Action)).
		Str("workspace_slug", h.Scope.WorkspaceSlug).
		Logger()

	if !e.sessions.Loaded(documentID) {
		out.Status = StatusSkipped
		log.Debug().Msg("parent document not open; skipping")
		return out
	}
	changed, err := e.sessions.Transact(documentID, func(doc docsession.CollaborativeDocument) (any, error) {
		return fn(doc.Tree(docsession.DefaultTree))
	})
	switch {
	case errors.Is(err, docsession.ErrNotLoaded):
		out.Status = StatusSkipped
		log.Debug().Msg("parent document closed before mutation; skipping")
	case err != nil:
		out.Status = StatusFailed
		out.Err = err
		log.Warn().Err(err).Msg("structural mutation failed")
	default:
		out.Status = StatusApplied
		out.Changed, _ = changed.(int)
		log.Debug().Int("changed", out.Changed).Msg("structural mutation applied")
	}
	return out
}

func appendEmbed(pageID, workspaceSlug string) mutator {
	return func(tree docsession.Tree) (int, error) {
		if err := tree.Insert(tree.Len(), NewEmbed(pageID, EntityKindSubPage, workspaceSlug)); err != nil {
			return 0, err
		}
		return 1, nil
	}
}

// removeEmbeds walks matches from the end so earlier indices stay valid.
func removeEmbeds(pageID string) mutator {
	return func(tree docsession.Tree) (int, error) {
		matches := FindEmbeds(tree, pageID, EntityKindSubPage)
		for i := len(matches) - 1; i >= 0; i-- {
			if err := tree.RemoveAt(matches[i]); err != nil {
				return len(matches) - 1 - i, err
			}
		}
		return len(matches), nil
	}
}

// duplicateEmbeds places a copy referencing newPageID directly after every
// embed of pageID. The copy keeps the original's kind.
func duplicateEmbeds(pageID, newPageID, workspaceSlug string) mutator {
	return func(tree docsession.Tree) (int, error) {
		matches := FindEmbeds(tree, pageID, EntityKindSubPage)
		for i := len(matches) - 1; i >= 0; i-- {
			original := tree.At(matches[i])
			workspace := original.Attr("workspace_identifier")
			if workspace == "" {
				workspace = workspaceSlug
			}
			dup := NewEmbed(newPageID, original.Attr("entity_name"), workspace)
			if err := tree.Insert(matches[i]+1, dup); err != nil {
				return len(matches) - 1 - i, err
			}
		}
		return len(matches), nil
	}
}
