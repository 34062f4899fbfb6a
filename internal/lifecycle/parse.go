package lifecycle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

var ErrValidation = errors.New("validation failed")

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every offending field of a malformed envelope.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

const envelopeSchemaURL = "relaylive://schemas/page-event.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "$defs": {
    "optionalString": {"type": ["string", "null"], "maxLength": 256},
    "idList": {"type": ["array", "null"], "items": {"$ref": "#/$defs/optionalString"}}
  },
  "properties": {
    "action": {"type": "string", "minLength": 1, "maxLength": 64},
    "page_id": {"$ref": "#/$defs/optionalString"},
    "parent_id": {"$ref": "#/$defs/optionalString"},
    "descendants_ids": {"$ref": "#/$defs/idList"},
    "workspace_slug": {"$ref": "#/$defs/optionalString"},
    "project_id": {"$ref": "#/$defs/optionalString"},
    "teamspace_id": {"$ref": "#/$defs/optionalString"},
    "user_id": {"$ref": "#/$defs/optionalString"},
    "data": {
      "type": ["object", "null"],
      "properties": {
        "new_page_id": {"$ref": "#/$defs/optionalString"},
        "old_parent_id": {"$ref": "#/$defs/optionalString"},
        "new_parent_id": {"$ref": "#/$defs/optionalString"},
        "deleted_page_ids": {"$ref": "#/$defs/idList"}
      }
    }
  }
}`

var compiledEnvelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		panic("lifecycle: parse envelope schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		panic("lifecycle: add envelope schema: " + err.Error())
	}
	return c.MustCompile(envelopeSchemaURL)
}

type wireEnvelope struct {
	Action        string         `json:"action"`
	PageID        string         `json:"page_id"`
	ParentID      string         `json:"parent_id"`
	DescendantIDs []string       `json:"descendants_ids"`
	Data          map[string]any `json:"data"`
	WorkspaceSlug string         `json:"workspace_slug"`
	ProjectID     string         `json:"project_id"`
	TeamspaceID   string         `json:"teamspace_id"`
	UserID        string         `json:"user_id"`
}

// ParseEnvelope validates body against the intake schema and returns the
// typed event. Validation failures are *ValidationError.
func ParseEnvelope(body []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "body", Reason: "invalid JSON"}}}
	}
	if err := compiledEnvelopeSchema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, &ValidationError{Fields: fieldErrors(verr)}
		}
		return nil, fmt.Errorf("validate envelope: %w", err)
	}
	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "body", Reason: err.Error()}}}
	}
	return eventFromWire(wire), nil
}

func eventFromWire(w wireEnvelope) Event {
	h := Header{
		Action:        Action(strings.TrimSpace(w.Action)),
		PageID:        strings.TrimSpace(w.PageID),
		ParentID:      strings.TrimSpace(w.ParentID),
		DescendantIDs: w.DescendantIDs,
		Data:          w.Data,
		Scope: Scope{
			WorkspaceSlug: w.WorkspaceSlug,
			ProjectID:     w.ProjectID,
			TeamspaceID:   w.TeamspaceID,
			UserID:        w.UserID,
		},
	}
	switch h.Action {
	case ActionMovedInternally:
		return MovedInternally{
			Header:      h,
			OldParentID: dataString(w.Data, "old_parent_id"),
			NewParentID: dataString(w.Data, "new_parent_id"),
		}
	case ActionDuplicated:
		return Duplicated{Header: h, NewPageID: dataString(w.Data, "new_page_id")}
	case ActionDeleted:
		return Deleted{Header: h}
	case ActionSubPage:
		return SubPage{Header: h}
	case ActionRestored:
		return Restored{Header: h, DeletedPageIDs: dataStrings(w.Data, "deleted_page_ids")}
	default:
		return PassThrough{Header: h}
	}
}

func dataString(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return strings.TrimSpace(value)
}

func dataStrings(data map[string]any, key string) []string {
	raw, _ := data[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// fieldErrors flattens the schema error tree into its leaves.
func fieldErrors(root *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		out = append(out, leafFieldErrors(e)...)
	}
	walk(root)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func leafFieldErrors(e *jsonschema.ValidationError) []FieldError {
	field := strings.Join(e.InstanceLocation, ".")
	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		out := make([]FieldError, 0, len(k.Missing))
		for _, missing := range k.Missing {
			name := missing
			if field != "" {
				name = field + "." + missing
			}
			out = append(out, FieldError{Field: name, Reason: "is required"})
		}
		return out
	case *kind.Type:
		return []FieldError{{Field: orBody(field), Reason: fmt.Sprintf("expected %s, got %s", strings.Join(k.Want, " or "), k.Got)}}
	case *kind.MinLength:
		return []FieldError{{Field: orBody(field), Reason: fmt.Sprintf("must be at least %d characters", k.Want)}}
	case *kind.MaxLength:
		return []FieldError{{Field: orBody(field), Reason: fmt.Sprintf("must be at most %d characters", k.Want)}}
	default:
		return []FieldError{{Field: orBody(field), Reason: "violates " + strings.Join(e.ErrorKind.KeywordPath(), "/")}}
	}
}

func orBody(field string) string {
	if field == "" {
		return "body"
	}
	return field
}
