package model

import (
	"encoding/json"
	"errors"
)

// ErrConnectionGone is returned by a transport when the target connection no
// longer exists. Unlike timeouts it is definitive.
var ErrConnectionGone = errors.New("connection gone")

// Route is the lifecycle discriminator carried by a connection signal.
type Route string

const (
	RouteConnect    Route = "connect"
	RouteDisconnect Route = "disconnect"
)

// Result is the completion reported for one dashboard trigger.
type Result string

const (
	ResultOK          Result = "OK"
	ResultNoRecords   Result = "No change records"
	ResultBadBatch    Result = "Bad change batch"
	ResultUnsupported Result = "Unsupported event type"
)

// Trigger is one of ChangeBatch, ConnectionSignal or Unsupported.
type Trigger interface {
	trigger()
}

// ChangeBatch carries a raw change-stream payload, still undecoded.
type ChangeBatch struct {
	Payload []byte
}

// ConnectionSignal reports a transport connect or disconnect.
type ConnectionSignal struct {
	Route        Route
	ConnectionID string
}

// Unsupported is any trigger shape the dashboard does not handle.
type Unsupported struct{}

func (ChangeBatch) trigger()      {}
func (ConnectionSignal) trigger() {}
func (Unsupported) trigger()      {}

type triggerEnvelope struct {
	Records        json.RawMessage `json:"records"`
	RequestContext *struct {
		RouteKey     string `json:"routeKey"`
		ConnectionID string `json:"connectionId"`
	} `json:"requestContext"`
}

// DecodeTrigger classifies raw by a single discriminator check: a "records"
// key makes a change batch, a "requestContext" key a connection signal.
// Everything else, including non-JSON input, is Unsupported.
func DecodeTrigger(raw []byte) Trigger {
	var env triggerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A body that at least opens as an object with "records" is still
		// routed as a batch so the normalizer can report it as bad.
		var probe map[string]json.RawMessage
		if json.Unmarshal(raw, &probe) == nil {
			if _, ok := probe["records"]; ok {
				return ChangeBatch{Payload: raw}
			}
		}
		return Unsupported{}
	}

	switch {
	case env.Records != nil:
		return ChangeBatch{Payload: raw}
	case env.RequestContext != nil:
		return ConnectionSignal{
			Route:        ParseRoute(env.RequestContext.RouteKey),
			ConnectionID: env.RequestContext.ConnectionID,
		}
	default:
		return Unsupported{}
	}
}

// ParseRoute maps a transport route key onto a Route. The "$connect" and
// "$disconnect" spellings are accepted; unknown keys map to "".
func ParseRoute(key string) Route {
	switch key {
	case "connect", "$connect":
		return RouteConnect
	case "disconnect", "$disconnect":
		return RouteDisconnect
	default:
		return ""
	}
}
