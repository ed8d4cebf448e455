// Package trace threads causally linked call records through chained
// RPCs. A Trace travels in call headers as an Avro record: requests carry
// only the trace uuid, responses carry the full subtree of downstream
// calls, which the caller stitches into its own tree.
package trace

import (
	"time"

	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// DefaultKey is the header key traces travel under.
const DefaultKey = "trace"

// CallState tracks one call's progress.
type CallState string

const (
	StatePending CallState = "PENDING"
	StateError   CallState = "ERROR"
	StateSuccess CallState = "SUCCESS"
	StateOneWay  CallState = "ONE_WAY"
)

// Call is one node of the call tree. ResponseTime is nil exactly while
// the call is pending (and, for one-way calls, possibly forever).
type Call struct {
	State        CallState
	Name         string
	RequestTime  time.Time
	ResponseTime *time.Time
	Downstream   []*Call
}

// Trace is the root of a call tree, identified by a random 16-byte uuid.
type Trace struct {
	UUID  [16]byte
	Calls []*Call
}

// New returns an empty trace with a fresh uuid.
func New() *Trace {
	return &Trace{UUID: uuid.New()}
}

const traceSchema = `{
	"type": "record",
	"name": "Trace",
	"namespace": "org.mtth.verdon",
	"fields": [
		{"name": "uuid", "type": {"type": "fixed", "name": "UUID", "size": 16}},
		{"name": "calls", "type": {"type": "array", "items": {
			"type": "record",
			"name": "Call",
			"fields": [
				{"name": "state", "type": {"type": "enum", "name": "CallState", "symbols": ["PENDING", "ERROR", "SUCCESS", "ONE_WAY"]}},
				{"name": "name", "type": "string"},
				{"name": "requestTime", "type": {"type": "long", "logicalType": "timestamp-millis"}},
				{"name": "responseTime", "type": ["null", {"type": "long", "logicalType": "timestamp-millis"}]},
				{"name": "downstreamCalls", "type": {"type": "array", "items": "Call"}}
			]
		}}}
	]
}`

var traceCodec = func() *goavro.Codec {
	c, err := goavro.NewCodec(traceSchema)
	if err != nil {
		panic(err)
	}
	return c
}()

// Marshal serializes the full trace.
func (t *Trace) Marshal() ([]byte, error) {
	return traceCodec.BinaryFromNative(nil, t.toNative())
}

// MarshalWire serializes the outbound wire form: uuid only, no calls.
func (t *Trace) MarshalWire() ([]byte, error) {
	wire := &Trace{UUID: t.UUID}
	return wire.Marshal()
}

func Unmarshal(buf []byte) (*Trace, error) {
	native, _, err := traceCodec.NativeFromBinary(buf)
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode trace")
	}
	return fromNative(native)
}

func (t *Trace) toNative() map[string]interface{} {
	calls := make([]interface{}, len(t.Calls))
	for i, c := range t.Calls {
		calls[i] = c.toNative()
	}
	return map[string]interface{}{
		"uuid":  t.UUID[:],
		"calls": calls,
	}
}

func (c *Call) toNative() map[string]interface{} {
	var responseTime interface{}
	if c.ResponseTime != nil {
		responseTime = map[string]interface{}{"long.timestamp-millis": *c.ResponseTime}
	}
	downstream := make([]interface{}, len(c.Downstream))
	for i, d := range c.Downstream {
		downstream[i] = d.toNative()
	}
	return map[string]interface{}{
		"state":           string(c.State),
		"name":            c.Name,
		"requestTime":     c.RequestTime,
		"responseTime":    responseTime,
		"downstreamCalls": downstream,
	}
}

func fromNative(native interface{}) (*Trace, error) {
	rec, ok := native.(map[string]interface{})
	if !ok {
		return nil, errors.New("malformed trace record")
	}
	t := &Trace{}
	raw, ok := rec["uuid"].([]byte)
	if !ok || len(raw) != 16 {
		return nil, errors.New("malformed trace uuid")
	}
	copy(t.UUID[:], raw)
	calls, err := callsFromNative(rec["calls"])
	if err != nil {
		return nil, err
	}
	t.Calls = calls
	return t, nil
}

func callsFromNative(native interface{}) ([]*Call, error) {
	items, ok := native.([]interface{})
	if !ok {
		return nil, errors.New("malformed trace calls")
	}
	calls := make([]*Call, 0, len(items))
	for _, item := range items {
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.New("malformed trace call")
		}
		c := &Call{
			State: CallState(rec["state"].(string)),
			Name:  rec["name"].(string),
		}
		if rt, ok := rec["requestTime"].(time.Time); ok {
			c.RequestTime = rt
		}
		if branch, ok := rec["responseTime"].(map[string]interface{}); ok {
			if v, ok := branch["long.timestamp-millis"].(time.Time); ok {
				c.ResponseTime = &v
			}
		}
		downstream, err := callsFromNative(rec["downstreamCalls"])
		if err != nil {
			return nil, err
		}
		c.Downstream = downstream
		calls = append(calls, c)
	}
	return calls, nil
}
