package commandproc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vsstree/server/internal/domain/access"
	"github.com/vsstree/server/internal/domain/channel"
	"github.com/vsstree/server/internal/domain/subscription"
	"github.com/vsstree/server/internal/domain/tree"
	"github.com/vsstree/server/internal/domain/vsspath"
)

const testDoc = `{
  "Vehicle": {
    "children": {
      "Speed": {"datatype": "float", "type": "sensor", "unit": "km/h"},
      "Cabin": {
        "children": {
          "Door": {
            "children": {
              "Row1": {
                "children": {
                  "Left": {
                    "children": {
                      "IsOpen": {"datatype": "boolean", "type": "actuator"}
                    }
                  },
                  "Right": {
                    "children": {
                      "IsOpen": {"datatype": "boolean", "type": "actuator"}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

func newTestStore(t *testing.T) (*tree.Store, *subscription.Registry) {
	t.Helper()
	registry := subscription.NewRegistry(func(path vsspath.Path, attr string, value any, ts time.Time, subID string) ([]byte, error) {
		return json.Marshal(map[string]any{
			"subscriptionId": subID,
			"path":           path.String(),
			"attribute":      attr,
			"value":          value,
		})
	})
	store := tree.NewStore(registry)
	if err := store.Init([]byte(testDoc)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return store, registry
}

func fullAccessChannel(id string) *channel.Channel {
	ch := channel.New(id, channel.TransportInternal)
	ch.Authorized = true
	ch.ModifyTree = true
	// One all-wildcard rule per depth: patterns only match paths of equal
	// segment count.
	var rules []access.Rule
	var segs []string
	for i := 0; i < 8; i++ {
		segs = append(segs, vsspath.Wildcard)
		rules = append(rules, access.Rule{
			Pattern: vsspath.Path{Segments: append([]string(nil), segs...)},
			Right:   access.RightReadWrite,
		})
	}
	ch.Permissions = access.NewChecker(rules, 64)
	return ch
}

func readOnlyChannel(id, pattern string) *channel.Channel {
	ch := channel.New(id, channel.TransportInternal)
	ch.Authorized = true
	rule, _ := access.ParsePattern(pattern)
	ch.Permissions = access.NewChecker([]access.Rule{{Pattern: rule, Right: access.RightRead}}, 64)
	return ch
}

func mustProcessor(t *testing.T) (*Processor, *tree.Store) {
	t.Helper()
	store, registry := newTestStore(t)
	return New(store, registry, nil, nil, nil), store
}

func decodeResponse(t *testing.T, raw json.RawMessage) response {
	t.Helper()
	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return r
}

// dataObject extracts a single-leaf get response's data object.
func dataObject(t *testing.T, resp response) map[string]any {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be a single object, got %T (%v)", resp.Data, resp.Data)
	}
	return data
}

func TestProcessGetReturnsNotSetAsNullValue(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "1", "path": "Vehicle/Speed"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	data := dataObject(t, resp)
	v, has := data["value"]
	if !has {
		t.Fatalf("expected an explicit null value field, got %v", data)
	}
	if v != nil {
		t.Fatalf("expected nil value for unset signal, got %v", v)
	}
	if msg, _ := data["message"].(string); msg == "" {
		t.Fatalf("expected a diagnostic message for an unset signal, got %v", data)
	}
}

func TestProcessGetUnknownPathReturns404(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "r1", "path": "Vehicle/NonExistent"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 404 {
		t.Fatalf("expected 404, got %+v", resp.Error)
	}
	if resp.Error.Reason != "Path not found" {
		t.Fatalf("expected reason \"Path not found\", got %q", resp.Error.Reason)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("expected requestId echoed, got %q", resp.RequestID)
	}
}

func TestProcessSetThenGetRoundTrips(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	setRaw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Speed", "value": 42.5})
	resp := decodeResponse(t, p.Process(ch, setRaw))
	if resp.Error != nil {
		t.Fatalf("set failed: %+v", resp.Error)
	}

	getRaw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "2", "path": "Vehicle/Speed"})
	resp = decodeResponse(t, p.Process(ch, getRaw))
	if resp.Error != nil {
		t.Fatalf("get failed: %+v", resp.Error)
	}
	data := dataObject(t, resp)
	if data["value"] != 42.5 {
		t.Fatalf("expected 42.5, got %v", data["value"])
	}
	if data["ts"] == nil {
		t.Fatalf("expected a per-point ts, got %v", data)
	}
}

func TestProcessGetWildcardReturnsArrayInInsertionOrder(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "1", "path": "Vehicle/Cabin/Door/Row1/*/IsOpen"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error != nil {
		t.Fatalf("get failed: %+v", resp.Error)
	}
	points, ok := resp.Data.([]any)
	if !ok {
		t.Fatalf("expected data to be an array, got %T", resp.Data)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(points))
	}
	first := points[0].(map[string]any)
	second := points[1].(map[string]any)
	if first["path"] != "Vehicle/Cabin/Door/Row1/Left/IsOpen" || second["path"] != "Vehicle/Cabin/Door/Row1/Right/IsOpen" {
		t.Fatalf("expected insertion order Left then Right, got %v then %v", first["path"], second["path"])
	}
}

func TestProcessSetTargetValueOnActuator(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	setRaw := []byte(`{"action":"set","requestId":"1","path":"Vehicle/Cabin/Door/Row1/Left/IsOpen","attribute":"targetValue","targetValue":true}`)
	if resp := decodeResponse(t, p.Process(ch, setRaw)); resp.Error != nil {
		t.Fatalf("set targetValue failed: %+v", resp.Error)
	}

	getRaw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "2", "path": "Vehicle/Cabin/Door/Row1/Left/IsOpen", "attribute": "targetValue"})
	resp := decodeResponse(t, p.Process(ch, getRaw))
	if resp.Error != nil {
		t.Fatalf("get targetValue failed: %+v", resp.Error)
	}
	if data := dataObject(t, resp); data["value"] != true {
		t.Fatalf("expected targetValue true, got %v", data["value"])
	}
}

func TestProcessGetOverWebSocketReturnsDecimalString(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")
	ch.Transport = channel.TransportWebSocket

	setRaw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Speed", "value": 42.5})
	if resp := decodeResponse(t, p.Process(ch, setRaw)); resp.Error != nil {
		t.Fatalf("set failed: %+v", resp.Error)
	}

	getRaw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "2", "path": "Vehicle/Speed"})
	resp := decodeResponse(t, p.Process(ch, getRaw))
	if resp.Error != nil {
		t.Fatalf("get failed: %+v", resp.Error)
	}
	if data := dataObject(t, resp); data["value"] != "42.5" {
		t.Fatalf("expected decimal string \"42.5\" over websocket transport, got %v (%T)", data["value"], data["value"])
	}
}

func TestProcessSetRejectsUnknownPath(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Nope", "value": 1})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 404 {
		t.Fatalf("expected 404, got %+v", resp.Error)
	}
}

func TestProcessSetDeniedWithoutWriteAccess(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := readOnlyChannel("c1", "Vehicle/Speed")

	raw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Speed", "value": 1})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 403 {
		t.Fatalf("expected 403, got %+v", resp.Error)
	}
}

func TestProcessSetOutOfBoundsValue(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Cabin/Door/Row1/Left/IsOpen", "value": "not-a-bool"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil {
		t.Fatalf("expected error for invalid boolean value")
	}
}

func TestProcessSetWildcardIsAllOrNone(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := readOnlyChannel("c1", "Vehicle/Cabin/Door/Row1/Left/IsOpen")
	// grant write on only one of the two doors under the wildcard
	rule, _ := access.ParsePattern("Vehicle/Cabin/Door/Row1/Left/IsOpen")
	ch.Permissions = access.NewChecker([]access.Rule{{Pattern: rule, Right: access.RightReadWrite}}, 64)

	raw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Cabin/Door/Row1/*/IsOpen", "value": true})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 403 {
		t.Fatalf("expected the whole wildcard set to be denied, got %+v", resp.Error)
	}

	// the one leaf that did have write access must not have been mutated
	getRaw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "2", "path": "Vehicle/Cabin/Door/Row1/Left/IsOpen"})
	fullCh := fullAccessChannel("c2")
	getResp := decodeResponse(t, p.Process(fullCh, getRaw))
	if data := dataObject(t, getResp); data["value"] != nil {
		t.Fatalf("expected leaf to remain unset after denied all-or-none set, got %v", data["value"])
	}
}

func TestProcessSubscribeAndUnsubscribe(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")
	var delivered []byte
	ch.Send = func(payload []byte) error {
		delivered = payload
		return nil
	}

	subRaw, _ := json.Marshal(map[string]any{"action": "subscribe", "requestId": "1", "path": "Vehicle/Speed"})
	resp := decodeResponse(t, p.Process(ch, subRaw))
	if resp.Error != nil || resp.SubscriptionID == "" {
		t.Fatalf("expected a subscriptionId, got %+v", resp)
	}

	setRaw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "2", "path": "Vehicle/Speed", "value": 10.0})
	if setResp := decodeResponse(t, p.Process(ch, setRaw)); setResp.Error != nil {
		t.Fatalf("set failed: %+v", setResp.Error)
	}
	if delivered == nil {
		t.Fatalf("expected a notification to have been delivered")
	}

	unsubRaw, _ := json.Marshal(map[string]any{"action": "unsubscribe", "requestId": "3", "subscriptionId": resp.SubscriptionID})
	if unsubResp := decodeResponse(t, p.Process(ch, unsubRaw)); unsubResp.Error != nil {
		t.Fatalf("unsubscribe failed: %+v", unsubResp.Error)
	}

	// unsubscribing twice is not an error
	if unsubResp := decodeResponse(t, p.Process(ch, unsubRaw)); unsubResp.Error != nil {
		t.Fatalf("expected idempotent unsubscribe, got %+v", unsubResp.Error)
	}
}

func TestProcessSubscribeRejectsWildcardPath(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	subRaw, _ := json.Marshal(map[string]any{"action": "subscribe", "requestId": "1", "path": "Vehicle/Cabin/*"})
	resp := decodeResponse(t, p.Process(ch, subRaw))
	if resp.Error == nil || resp.Error.Number != 400 {
		t.Fatalf("expected a 400 for a wildcard subscribe path, got %+v", resp)
	}
}

func TestProcessGetMetadataExcludesRuntimeValue(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "getMetadata", "requestId": "1", "path": "Vehicle/Speed"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error != nil {
		t.Fatalf("getMetadata failed: %+v", resp.Error)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be a metadata map, got %T", resp.Data)
	}
	if _, has := data["value"]; has {
		t.Fatalf("expected runtime value to be excluded from metadata")
	}
}

func TestProcessUpdateMetaDataRequiresModifyTree(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := readOnlyChannel("c1", "Vehicle/Speed")

	raw, _ := json.Marshal(map[string]any{
		"action":    "updateMetaData",
		"requestId": "1",
		"path":      "Vehicle/Speed",
		"value":     json.RawMessage(`{"unit":"mph"}`),
	})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 403 {
		t.Fatalf("expected 403, got %+v", resp.Error)
	}
}

func TestProcessUpdateVSSTreeMergesOverlay(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw := []byte(`{"action":"updateVSSTree","requestId":"1","value":{"Vehicle":{"children":{"Width":{"datatype":"uint16","type":"attribute"}}}}}`)
	if resp := decodeResponse(t, p.Process(ch, raw)); resp.Error != nil {
		t.Fatalf("updateVSSTree failed: %+v", resp.Error)
	}

	metaRaw, _ := json.Marshal(map[string]any{"action": "getMetadata", "requestId": "2", "path": "Vehicle/Width"})
	resp := decodeResponse(t, p.Process(ch, metaRaw))
	if resp.Error != nil {
		t.Fatalf("getMetadata after merge failed: %+v", resp.Error)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["datatype"] != "uint16" {
		t.Fatalf("expected merged leaf metadata, got %v", resp.Data)
	}
}

func TestProcessRecordsSetsAndGets(t *testing.T) {
	store, registry := newTestStore(t)
	recorder := &MemoryRecorder{}
	p := New(store, registry, recorder, nil, nil)
	ch := fullAccessChannel("c1")

	raw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Speed", "value": 7.0})
	if resp := decodeResponse(t, p.Process(ch, raw)); resp.Error != nil {
		t.Fatalf("set failed: %+v", resp.Error)
	}
	if len(recorder.Records) != 1 || recorder.Records[0].Path != "Vehicle/Speed" {
		t.Fatalf("expected one recorded set, got %+v", recorder.Records)
	}

	getRaw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "2", "path": "Vehicle/Speed"})
	if resp := decodeResponse(t, p.Process(ch, getRaw)); resp.Error != nil {
		t.Fatalf("get failed: %+v", resp.Error)
	}
	if len(recorder.Records) != 2 {
		t.Fatalf("expected the get to be recorded too, got %+v", recorder.Records)
	}
	got := recorder.Records[1]
	if got.Op != "get" || got.Path != "Vehicle/Speed" || got.Value != 7.0 {
		t.Fatalf("unexpected get record: %+v", got)
	}
}

func TestMetricsCountProcessedCommands(t *testing.T) {
	store, registry := newTestStore(t)
	reg := prometheus.NewRegistry()
	p := New(store, registry, nil, nil, NewMetrics(reg))
	ch := fullAccessChannel("c1")

	setRaw, _ := json.Marshal(map[string]any{"action": "set", "requestId": "1", "path": "Vehicle/Speed", "value": 5.0})
	if resp := decodeResponse(t, p.Process(ch, setRaw)); resp.Error != nil {
		t.Fatalf("set failed: %+v", resp.Error)
	}
	badRaw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "2", "path": "Vehicle/Nope"})
	if resp := decodeResponse(t, p.Process(ch, badRaw)); resp.Error == nil {
		t.Fatalf("expected the get to fail")
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var commands *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == "vsstree_commands_total" {
			commands = mf
		}
	}
	if commands == nil {
		t.Fatalf("vsstree_commands_total not registered")
	}
	counts := map[string]float64{}
	for _, m := range commands.GetMetric() {
		var action, result string
		for _, l := range m.GetLabel() {
			switch l.GetName() {
			case "action":
				action = l.GetValue()
			case "result":
				result = l.GetValue()
			}
		}
		counts[action+"/"+result] = m.GetCounter().GetValue()
	}
	if counts["set/ok"] != 1 {
		t.Errorf("set/ok = %v, want 1", counts["set/ok"])
	}
	if counts["get/error"] != 1 {
		t.Errorf("get/error = %v, want 1", counts["get/error"])
	}
}

func TestProcessRejectsExpiredToken(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")
	ch.TokenExpiry = time.Now().Add(-time.Minute)

	raw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "1", "path": "Vehicle/Speed"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 403 {
		t.Fatalf("expected 403 for expired token, got %+v", resp.Error)
	}
}

func TestProcessRejectsUnauthorizedChannel(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := channel.New("c1", channel.TransportInternal)

	raw, _ := json.Marshal(map[string]any{"action": "get", "requestId": "1", "path": "Vehicle/Speed"})
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.Error == nil || resp.Error.Number != 403 {
		t.Fatalf("expected 403 for unauthorized channel, got %+v", resp.Error)
	}
}

func TestProcessEchoesRequestIDOnMalformedEnvelope(t *testing.T) {
	p, _ := mustProcessor(t)
	ch := fullAccessChannel("c1")

	raw := []byte(`{"action":"get","requestId":"echo-me"}`)
	resp := decodeResponse(t, p.Process(ch, raw))
	if resp.RequestID != "echo-me" {
		t.Fatalf("expected requestId to be echoed, got %q", resp.RequestID)
	}
	if resp.Error == nil || resp.Error.Number != 400 {
		t.Fatalf("expected 400 for missing path, got %+v", resp.Error)
	}
}
