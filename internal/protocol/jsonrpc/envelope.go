package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const Version = "2.0"

// Emitter values carried by event and subscription results.
const (
	EmitterPromise = "PROMISE"
	EmitterStream  = "STREAM"
)

// Result _type discriminators.
const (
	TypeEvent        = "EVENT"
	TypeSubscription = "SUBSCRIPTION"
	TypeHelper       = "HELPER"
)

// Params addresses a resource and carries positional arguments.
type Params struct {
	Resource       string            `json:"resource"`
	Args           []json.RawMessage `json:"args"`
	CompactMode    bool              `json:"compactMode,omitempty"`
	FetchMutations bool              `json:"fetchMutations,omitempty"`
}

// Request is the call envelope. ID uniqueness is the caller's job.
type Request struct {
	ID      string `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// Validate rejects malformed envelopes before any resource is resolved.
func (r Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, r.JSONRPC)
	}
	if strings.TrimSpace(r.ID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(r.Method) == "" {
		return ErrMissingMethod
	}
	if strings.TrimSpace(r.Params.Resource) == "" {
		return ErrMissingResource
	}
	return nil
}

// MutationRecord mirrors a replicated store mutation on the JSON wire.
type MutationRecord struct {
	ID      uint64         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Response carries exactly one of Result or Error. ID is nil on events.
type Response struct {
	ID        *string          `json:"id"`
	JSONRPC   string           `json:"jsonrpc"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *Error           `json:"error,omitempty"`
	Mutations []MutationRecord `json:"mutations,omitempty"`
}

func (r Response) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, r.JSONRPC)
	}
	if r.Error != nil && len(r.Result) > 0 {
		return ErrAmbiguousResult
	}
	if r.Error == nil && len(r.Result) == 0 {
		return ErrEmptyResponse
	}
	return nil
}

// IsEvent reports whether the response is an uncorrelated event envelope.
func (r Response) IsEvent() bool {
	if r.ID != nil || len(r.Result) == 0 {
		return false
	}
	var probe struct {
		Type string `json:"_type"`
	}
	if err := json.Unmarshal(r.Result, &probe); err != nil {
		return false
	}
	return probe.Type == TypeEvent
}

// Event is the result payload of an event envelope.
type Event struct {
	Type       string          `json:"_type"`
	Emitter    string          `json:"emitter"`
	ResourceID string          `json:"resourceId"`
	Data       json.RawMessage `json:"data"`
	IsRejected bool            `json:"isRejected,omitempty"`
}

// Subscription acknowledges a promise or stream result.
type Subscription struct {
	Type       string `json:"_type"`
	Emitter    string `json:"emitter"`
	ResourceID string `json:"resourceId"`
}

// NewRequest builds a request with a fresh UUID id.
func NewRequest(resource, method string, args ...any) (Request, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return Request{}, err
	}
	return Request{
		ID:      uuid.NewString(),
		JSONRPC: Version,
		Method:  method,
		Params: Params{
			Resource: resource,
			Args:     raw,
		},
	}, nil
}

// MarshalArgs encodes positional arguments. Pre-encoded json.RawMessage
// values pass through.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshal arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// NewResponse wraps an already marshalable result for request id.
func NewResponse(id string, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: &id, JSONRPC: Version, Result: raw}, nil
}

// NewErrorResponse builds an error envelope. An empty id yields a null id.
func NewErrorResponse(id string, code Code, detail string) Response {
	resp := Response{JSONRPC: Version, Error: NewError(code, detail)}
	if id != "" {
		resp.ID = &id
	}
	return resp
}

// NewEvent builds an event envelope with a null id.
func NewEvent(emitter, resourceID string, data any, rejected bool) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, err
	}
	result, err := json.Marshal(Event{
		Type:       TypeEvent,
		Emitter:    emitter,
		ResourceID: resourceID,
		Data:       raw,
		IsRejected: rejected,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, Result: result}, nil
}

// DecodeEvent extracts the event payload from an event envelope.
func DecodeEvent(r Response) (Event, error) {
	var ev Event
	if err := json.Unmarshal(r.Result, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type != TypeEvent {
		return Event{}, fmt.Errorf("jsonrpc: not an event: _type=%q", ev.Type)
	}
	return ev, nil
}

// DecodeSubscription reports whether result is a subscription ack.
func DecodeSubscription(result json.RawMessage) (Subscription, bool) {
	var sub Subscription
	if err := json.Unmarshal(result, &sub); err != nil {
		return Subscription{}, false
	}
	if sub.Type != TypeSubscription || sub.ResourceID == "" {
		return Subscription{}, false
	}
	return sub, true
}
