// Package commandschema validates the wire shape of incoming command
// requests before the command processor touches the tree: required fields
// per action, and the cross-field rules a single struct tag can't express
// (e.g. "value required when action=set").
package commandschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Action names every command kind the processor dispatches on.
type Action string

const (
	ActionGet            Action = "get"
	ActionSet            Action = "set"
	ActionGetMetadata    Action = "getMetadata"
	ActionSubscribe      Action = "subscribe"
	ActionUnsubscribe    Action = "unsubscribe"
	ActionUpdateMetaData Action = "updateMetaData"
	ActionUpdateVSSTree  Action = "updateVSSTree"
)

// Filters is the advisory subscribe-time filter clause.
type Filters struct {
	Expression string `json:"expression,omitempty"`
}

// Request is the wire shape of every command envelope: one struct for all
// actions, since the field set only varies by which optional fields a given
// action requires.
type Request struct {
	Action         Action          `json:"action" validate:"required,oneof=get set getMetadata subscribe unsubscribe updateMetaData updateVSSTree"`
	RequestID      string          `json:"requestId" validate:"required"`
	Path           string          `json:"path,omitempty"`
	Attribute      string          `json:"attribute,omitempty" validate:"omitempty,oneof=value targetValue"`
	Value          json.RawMessage `json:"value,omitempty"`
	TargetValue    json.RawMessage `json:"targetValue,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Filters        *Filters        `json:"filters,omitempty"`
}

// Payload returns the value to apply for a set: the "value" field, or the
// attribute-named "targetValue" field when the request addresses the target
// slot through that legacy spelling.
func (r Request) Payload() json.RawMessage {
	if len(r.Value) > 0 {
		return r.Value
	}
	return r.TargetValue
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func sharedValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// requiresPath is the set of actions that must carry a non-empty path.
// updateVSSTree is absent: it merges a whole document, addressed from the
// root, so it carries no path of its own.
var requiresPath = map[Action]bool{
	ActionGet: true, ActionSet: true, ActionGetMetadata: true,
	ActionSubscribe: true, ActionUpdateMetaData: true,
}

// Parse decodes and validates raw into a Request. Returns the best-effort
// requestId (via TryExtractRequestID) alongside any error so callers can
// build an error envelope that still echoes the client's requestId even
// when the rest of the envelope failed schema validation.
func Parse(raw json.RawMessage) (Request, string, error) {
	requestID := TryExtractRequestID(raw)

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, requestID, fmt.Errorf("commandschema: decoding request: %w", err)
	}

	if err := sharedValidator().Struct(req); err != nil {
		return Request{}, requestID, formatValidationErrors(err)
	}

	if requiresPath[req.Action] && strings.TrimSpace(req.Path) == "" {
		return Request{}, requestID, fmt.Errorf("commandschema: action %q requires path", req.Action)
	}
	if req.Action == ActionSet && len(req.Payload()) == 0 {
		return Request{}, requestID, fmt.Errorf("commandschema: action %q requires value", req.Action)
	}
	if (req.Action == ActionUpdateMetaData || req.Action == ActionUpdateVSSTree) && len(req.Value) == 0 {
		return Request{}, requestID, fmt.Errorf("commandschema: action %q requires value", req.Action)
	}
	if req.Action == ActionUnsubscribe && strings.TrimSpace(req.SubscriptionID) == "" {
		return Request{}, requestID, fmt.Errorf("commandschema: action %q requires subscriptionId", req.Action)
	}

	return req, req.RequestID, nil
}

// UnknownRequestID is echoed in error envelopes when the request was too
// malformed to carry a usable requestId of its own.
const UnknownRequestID = "UNKNOWN"

// TryExtractRequestID best-effort decodes just the requestId field, so an
// error envelope can echo it back even when the full Request fails to
// parse or validate. Returns UnknownRequestID when the field is absent or
// the envelope isn't JSON at all.
func TryExtractRequestID(raw json.RawMessage) string {
	var partial struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return UnknownRequestID
	}
	if partial.RequestID == "" {
		return UnknownRequestID
	}
	return partial.RequestID
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag())
	}
}
