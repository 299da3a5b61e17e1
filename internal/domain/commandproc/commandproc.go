// Package commandproc is the command processor: it takes a raw command
// envelope off the wire, validates its shape, resolves and expands its
// path against the signal tree, checks capability, dispatches to the tree
// store or subscription registry, and shapes the JSON response — all
// without ever returning a Go error to its caller. Every failure mode is
// encoded as a response envelope instead.
package commandproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	celfilter "github.com/vsstree/server/internal/adapter/outbound/cel"
	"github.com/vsstree/server/internal/domain/access"
	"github.com/vsstree/server/internal/domain/channel"
	"github.com/vsstree/server/internal/domain/commandschema"
	"github.com/vsstree/server/internal/domain/subscription"
	"github.com/vsstree/server/internal/domain/tree"
	"github.com/vsstree/server/internal/domain/vsspath"
)

// CommandError is the {number, reason, message} error shape response
// envelopes carry, numbered with HTTP-like status codes.
type CommandError struct {
	Number  int    `json:"number"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Number, e.Reason, e.Message)
}

func badRequest(msg string) *CommandError {
	return &CommandError{Number: 400, Reason: "Bad Request", Message: msg}
}

func notFound(path string) *CommandError {
	return &CommandError{Number: 404, Reason: "Path not found", Message: fmt.Sprintf("I can not find %s in my db", path)}
}

func forbidden(msg string) *CommandError {
	return &CommandError{Number: 403, Reason: "Forbidden", Message: msg}
}

func outOfBounds(msg string) *CommandError {
	return &CommandError{Number: 400, Reason: "Value passed is out of bounds", Message: msg}
}

func unknownError(msg string) *CommandError {
	return &CommandError{Number: 401, Reason: "Unknown error", Message: msg}
}

// treeErrToCommandError maps a *tree.Error onto the response error
// numbering. ErrNotSet is deliberately absent: callers handle it as a
// distinct success-shaped response, never as an error.
func treeErrToCommandError(err error) *CommandError {
	var terr *tree.Error
	if !errors.As(err, &terr) {
		return unknownError(err.Error())
	}
	switch {
	case errors.Is(terr.Kind, tree.ErrNoPathFound):
		return notFound(terr.Path)
	case errors.Is(terr.Kind, tree.ErrNoPermission):
		return forbidden("authorization is required to access " + terr.Path)
	case errors.Is(terr.Kind, tree.ErrOutOfBounds):
		return outOfBounds("value passed for " + terr.Path + " is out of bounds")
	case errors.Is(terr.Kind, tree.ErrTypeError):
		return badRequest("value passed for " + terr.Path + " has the wrong type")
	default:
		return unknownError(err.Error())
	}
}

// response is the envelope shape for both success and error replies.
type response struct {
	Action         commandschema.Action `json:"action"`
	RequestID      string               `json:"requestId"`
	Path           string               `json:"path,omitempty"`
	Value          any                  `json:"value,omitempty"`
	Data           any                  `json:"data,omitempty"`
	SubscriptionID string               `json:"subscriptionId,omitempty"`
	Error          *CommandError        `json:"error,omitempty"`
	TS             int64                `json:"ts"`
}

// dataPoint is one path/value/timestamp triple in a get/subscribe response.
// Value is always serialized, explicitly null for a leaf whose attribute has
// never been written.
type dataPoint struct {
	Path    string `json:"path"`
	Value   any    `json:"value"`
	TS      int64  `json:"ts,omitempty"`
	Message string `json:"message,omitempty"`
}

// Recorder is an audit sink mirroring set and get operations for later
// playback/audit, never blocking the command path on failure.
type Recorder interface {
	Record(op, attribute, path string, value any) error
}

// NullRecorder discards every record; the default when no audit trail is
// configured.
type NullRecorder struct{}

// Record implements Recorder by doing nothing.
func (NullRecorder) Record(string, string, string, any) error { return nil }

// MemoryRecorder accumulates records in memory, for tests.
type MemoryRecorder struct {
	Records []MemoryRecord
}

// MemoryRecord is one recorded operation.
type MemoryRecord struct {
	Op, Attribute, Path string
	Value               any
}

// Record implements Recorder by appending to Records.
func (m *MemoryRecorder) Record(op, attribute, path string, value any) error {
	m.Records = append(m.Records, MemoryRecord{Op: op, Attribute: attribute, Path: path, Value: value})
	return nil
}

// Metrics holds the prometheus instruments the processor updates.
type Metrics struct {
	CommandsTotal       *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	ActiveChannels      prometheus.Gauge
}

// NewMetrics registers the processor's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CommandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vsstree",
				Name:      "commands_total",
				Help:      "Total number of commands processed, by action and result.",
			},
			[]string{"action", "result"},
		),
		ActiveSubscriptions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vsstree",
				Name:      "active_subscriptions",
				Help:      "Number of live subscriptions.",
			},
		),
		ActiveChannels: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vsstree",
				Name:      "active_channels",
				Help:      "Number of authorized channels.",
			},
		),
	}
}

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Processor ties together the tree store, subscription registry, access
// checker and recorder into the single Process entrypoint a transport
// adapter calls per inbound message.
type Processor struct {
	Store     *tree.Store
	Registry  *subscription.Registry
	Recorder  Recorder
	Evaluator *celfilter.Evaluator
	Metrics   *Metrics
	Now       Clock
}

// New returns a Processor. recorder and evaluator may be nil (NullRecorder
// and no filter support, respectively); metrics may be nil to disable
// instrumentation entirely (tests typically pass nil).
func New(store *tree.Store, registry *subscription.Registry, recorder Recorder, evaluator *celfilter.Evaluator, metrics *Metrics) *Processor {
	if recorder == nil {
		recorder = NullRecorder{}
	}
	return &Processor{Store: store, Registry: registry, Recorder: recorder, Evaluator: evaluator, Metrics: metrics, Now: time.Now}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) countResult(action commandschema.Action, ok bool) {
	if p.Metrics == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	p.Metrics.CommandsTotal.WithLabelValues(string(action), result).Inc()
}

// Process decodes, authorizes, and executes one command envelope against ch,
// returning the serialized response envelope. It never returns a Go error:
// every failure is encoded into the envelope itself.
func (p *Processor) Process(ch *channel.Channel, raw json.RawMessage) json.RawMessage {
	req, requestID, err := commandschema.Parse(raw)
	if err != nil {
		return p.errorEnvelope("", requestID, badRequest(err.Error()))
	}

	if !ch.Authorized {
		p.countResult(req.Action, false)
		return p.errorEnvelope(req.Action, requestID, forbidden("channel is not authorized"))
	}
	if ch.TokenExpired(p.now()) {
		p.countResult(req.Action, false)
		return p.errorEnvelope(req.Action, requestID, forbidden("token has expired"))
	}

	var (
		env  response
		cerr *CommandError
	)
	switch req.Action {
	case commandschema.ActionGet:
		env, cerr = p.handleGet(ch, req)
	case commandschema.ActionSet:
		env, cerr = p.handleSet(ch, req)
	case commandschema.ActionGetMetadata:
		env, cerr = p.handleGetMetadata(ch, req)
	case commandschema.ActionSubscribe:
		env, cerr = p.handleSubscribe(ch, req)
	case commandschema.ActionUnsubscribe:
		env, cerr = p.handleUnsubscribe(ch, req)
	case commandschema.ActionUpdateMetaData:
		env, cerr = p.handleUpdateMetadata(ch, req)
	case commandschema.ActionUpdateVSSTree:
		env, cerr = p.handleUpdateVSSTree(ch, req)
	default:
		cerr = badRequest("unsupported action " + string(req.Action))
	}

	if cerr != nil {
		p.countResult(req.Action, false)
		return p.errorEnvelope(req.Action, requestID, cerr)
	}
	p.countResult(req.Action, true)
	env.Action = req.Action
	env.RequestID = requestID
	env.TS = p.now().UnixMilli()
	out, err := json.Marshal(env)
	if err != nil {
		return p.errorEnvelope(req.Action, requestID, unknownError(err.Error()))
	}
	return out
}

func (p *Processor) errorEnvelope(action commandschema.Action, requestID string, cerr *CommandError) json.RawMessage {
	env := response{Action: action, RequestID: requestID, Error: cerr, TS: p.now().UnixMilli()}
	out, err := json.Marshal(env)
	if err != nil {
		// Marshal of a CommandError/string-only struct cannot fail; fall
		// back to a hand-built literal just in case.
		return json.RawMessage(fmt.Sprintf(`{"action":%q,"requestId":%q,"error":{"number":401,"reason":"Unknown error","message":"internal marshal failure"}}`, action, requestID))
	}
	return out
}

// parsePath resolves req.Path through the requested origin, preserving the
// client's chosen spelling for echoing back in Path.
func parsePath(raw string) (vsspath.Path, *CommandError) {
	p, err := vsspath.FromVSS(raw)
	if err != nil {
		return vsspath.Path{}, badRequest(err.Error())
	}
	return p, nil
}

func attrKind(attr string) tree.AttrKind {
	if attr == string(tree.AttrTargetValue) {
		return tree.AttrTargetValue
	}
	return tree.AttrValue
}

// handleGet resolves req.Path (possibly a wildcard) to its concrete leaves
// and reads each in turn, aborting on the first failing leaf — a get is
// not all-or-none the way a set is, but it does stop early rather than
// return partial data silently.
func (p *Processor) handleGet(ch *channel.Channel, req commandschema.Request) (response, *CommandError) {
	path, cerr := parsePath(req.Path)
	if cerr != nil {
		return response{}, cerr
	}
	attr := attrKind(req.Attribute)

	leaves, err := p.Store.GetLeafPaths(path)
	if err != nil {
		return response{}, treeErrToCommandError(err)
	}
	if !ch.Permissions.CheckAll(leaves, access.RightRead) {
		return response{}, forbidden("read access denied for " + path.Display())
	}

	asString := ch.Transport == channel.TransportWebSocket

	points := make([]dataPoint, 0, len(leaves))
	for _, leaf := range leaves {
		if !p.Store.PathIsAttributable(leaf, attr) {
			return response{}, notFound(leaf.Display())
		}
		sig, err := p.Store.GetSignal(leaf, attr, asString)
		if err != nil {
			if errors.Is(err, tree.ErrNotSet) {
				points = append(points, dataPoint{Path: leaf.Display(), Message: "attribute " + string(attr) + " has not been set yet"})
				_ = p.Recorder.Record("get", string(attr), leaf.Display(), nil)
				continue
			}
			return response{}, treeErrToCommandError(err)
		}
		points = append(points, dataPoint{Path: leaf.Display(), Value: sig.Value, TS: sig.Timestamp.UnixMilli()})
		_ = p.Recorder.Record("get", string(attr), leaf.Display(), sig.Value)
	}

	// One matched leaf yields a single data object, more yield an array.
	if len(points) == 1 {
		return response{Data: points[0]}, nil
	}
	return response{Data: points}, nil
}

// handleSet validates all target leaves before mutating any of them: a set
// against a wildcard path is all-or-none, never partially applied. The
// envelope only carries a single value per set, so a wildcard set fans the
// same value out to every leaf it matches.
func (p *Processor) handleSet(ch *channel.Channel, req commandschema.Request) (response, *CommandError) {
	path, cerr := parsePath(req.Path)
	if cerr != nil {
		return response{}, cerr
	}
	attr := attrKind(req.Attribute)

	var value any
	if err := json.Unmarshal(req.Payload(), &value); err != nil {
		return response{}, badRequest("value is not valid JSON: " + err.Error())
	}

	leaves, err := p.Store.GetLeafPaths(path)
	if err != nil {
		return response{}, treeErrToCommandError(err)
	}
	if !ch.Permissions.CheckAll(leaves, access.RightWrite) {
		return response{}, forbidden("write access denied for " + path.Display())
	}
	for _, leaf := range leaves {
		if !p.Store.PathIsWritable(leaf) {
			return response{}, forbidden("path is read-only: " + leaf.Display())
		}
		if !p.Store.PathIsAttributable(leaf, attr) {
			return response{}, notFound(leaf.Display())
		}
	}

	var lastResult tree.SignalResult
	for _, leaf := range leaves {
		result, err := p.Store.SetSignal(leaf, attr, value)
		if err != nil {
			return response{}, treeErrToCommandError(err)
		}
		lastResult = result
		_ = p.Recorder.Record("set", string(attr), leaf.Display(), result.Value)
	}

	return response{Path: path.Display(), Value: lastResult.Value}, nil
}

// handleGetMetadata returns the declared (non-runtime) metadata of the single
// leaf or branch at req.Path. Wildcards are not expanded: a "*" segment is
// looked up as a literal child name.
func (p *Processor) handleGetMetadata(ch *channel.Channel, req commandschema.Request) (response, *CommandError) {
	path, cerr := parsePath(req.Path)
	if cerr != nil {
		return response{}, cerr
	}
	if !ch.Permissions.Check(path, access.RightRead) {
		return response{}, forbidden("read access denied for " + path.Display())
	}
	meta, err := p.Store.GetMetadata(path)
	if err != nil {
		return response{}, treeErrToCommandError(err)
	}
	return response{Path: path.Display(), Data: meta}, nil
}

// handleSubscribe resolves req.Path to the single non-wildcard leaf it
// names, requires read access on it, compiles the optional advisory
// filter, and registers a new subscription.
func (p *Processor) handleSubscribe(ch *channel.Channel, req commandschema.Request) (response, *CommandError) {
	path, cerr := parsePath(req.Path)
	if cerr != nil {
		return response{}, cerr
	}
	if path.HasWildcard() {
		return response{}, badRequest("subscribe requires a single non-wildcard leaf path, got " + path.Display())
	}
	attr := attrKind(req.Attribute)

	leaves, err := p.Store.GetLeafPaths(path)
	if err != nil {
		return response{}, treeErrToCommandError(err)
	}
	leaf := leaves[0]
	if !ch.Permissions.Check(leaf, access.RightRead) {
		return response{}, forbidden("read access denied for " + path.Display())
	}
	if !p.Store.PathIsAttributable(leaf, attr) {
		return response{}, notFound(leaf.Display())
	}

	var filter subscription.Filter
	if req.Filters != nil && req.Filters.Expression != "" {
		if p.Evaluator == nil {
			return response{}, badRequest("filters are not supported by this server")
		}
		f, err := celfilter.NewFilter(p.Evaluator, req.Filters.Expression)
		if err != nil {
			return response{}, badRequest("invalid filter expression: " + err.Error())
		}
		filter = f
	}

	id := uuid.NewString()
	p.Registry.Subscribe(id, ch, leaf, string(attr), filter)
	if p.Metrics != nil {
		p.Metrics.ActiveSubscriptions.Inc()
	}

	return response{SubscriptionID: id}, nil
}

// handleUnsubscribe removes a live subscription. Unsubscribing an unknown
// or already-removed ID is not an error.
func (p *Processor) handleUnsubscribe(_ *channel.Channel, req commandschema.Request) (response, *CommandError) {
	if p.Registry.Unsubscribe(req.SubscriptionID) && p.Metrics != nil {
		p.Metrics.ActiveSubscriptions.Dec()
	}
	return response{SubscriptionID: req.SubscriptionID}, nil
}

// handleUpdateMetadata merges req.Value as a metadata patch into the single
// node at req.Path. Requires the channel's modify_tree capability.
func (p *Processor) handleUpdateMetadata(ch *channel.Channel, req commandschema.Request) (response, *CommandError) {
	path, cerr := parsePath(req.Path)
	if cerr != nil {
		return response{}, cerr
	}
	if err := p.Store.UpdateMetadata(path, req.Value, ch.ModifyTree); err != nil {
		return response{}, treeErrToCommandError(err)
	}
	_ = p.Recorder.Record("updateMetaData", "", path.Display(), nil)
	return response{Path: path.Display()}, nil
}

// handleUpdateVSSTree deep-merges req.Value as a whole overlay document into
// the live tree. Requires the channel's modify_tree capability.
func (p *Processor) handleUpdateVSSTree(ch *channel.Channel, req commandschema.Request) (response, *CommandError) {
	if err := p.Store.ApplyOverlay(req.Value, ch.ModifyTree); err != nil {
		return response{}, treeErrToCommandError(err)
	}
	_ = p.Recorder.Record("updateVSSTree", "", "", nil)
	return response{}, nil
}
