// Package imposter defines the persisted record shapes for simulated
// endpoints: the imposter root aggregate, its ordered stubs, the
// per-stub cursor metadata driving response cycling, and the
// diagnostic match log entries.
//
// Predicates and response bodies are opaque to the persistence layer:
// they are stored, counted and indexed but never interpreted, so they
// are modeled as generic JSON objects rather than fixed schemas.
package imposter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Predicate is an opaque matching condition evaluated by an external
// matching component. The persistence layer only stores it.
type Predicate map[string]any

// Response is an opaque response configuration. The persistence layer
// inspects exactly two things: the numeric "repeat" field controlling
// cycling expansion, and the "_proxyResponseTime" marker inside "is"
// identifying recorded proxy responses.
type Response map[string]any

// Repeat returns the response's repeat count, defaulting to 1. Zero
// and negative values are treated as 1.
func (r Response) Repeat() int {
	n, ok := asInt(r["repeat"])
	if !ok || n < 1 {
		return 1
	}
	return n
}

// IsSavedProxyResponse reports whether this response was recorded by a
// proxy, detected by a numeric _proxyResponseTime inside "is".
func (r Response) IsSavedProxyResponse() bool {
	is, ok := r["is"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = asInt(is["_proxyResponseTime"])
	return ok
}

// asInt coerces JSON numbers (which decode as float64) and native ints.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// MetaRef links a stub embedded in an imposter to its storage records.
type MetaRef struct {
	ID string `json:"id"`
}

// Stub is one predicate-guarded rule inside an imposter. The embedded
// form persisted with the imposter carries only Meta and Predicates;
// Responses are populated on input (before the stub is saved) and in
// debug projections, never in the imposter's stored stub sequence.
type Stub struct {
	Meta       *MetaRef    `json:"meta,omitempty"`
	Predicates []Predicate `json:"predicates,omitempty"`
	Responses  []Response  `json:"responses,omitempty"`
}

// WithoutResponses returns a copy suitable for embedding in the
// imposter record: responses live in their own collection.
func (s Stub) WithoutResponses() Stub {
	return Stub{Meta: s.Meta, Predicates: s.Predicates}
}

// ClonePredicates returns a deep copy of the stub's predicates,
// detached from the stored stub. A stub with no predicates yields an
// empty, non-nil slice so filters never see nil.
func (s Stub) ClonePredicates() []Predicate {
	if len(s.Predicates) == 0 {
		return []Predicate{}
	}
	buf, err := json.Marshal(s.Predicates)
	if err != nil {
		return []Predicate{}
	}
	var out []Predicate
	if err := json.Unmarshal(buf, &out); err != nil {
		return []Predicate{}
	}
	return out
}

// StubMeta is the per-stub cursor record driving response cycling.
//
// ResponseIDs lists the stub's responses in declaration order.
// OrderWithRepeats holds indices into ResponseIDs, expanded so each
// response appears repeat-count times consecutively. NextIndex is the
// cursor into OrderWithRepeats and wraps modulo its length.
type StubMeta struct {
	ResponseIDs      []string `json:"responseIds"`
	OrderWithRepeats []int    `json:"orderWithRepeats"`
	NextIndex        int      `json:"nextIndex"`
}

// Match is one append-only diagnostic log entry recorded when a stub
// matched a request.
type Match struct {
	Timestamp      time.Time      `json:"timestamp"`
	Request        map[string]any `json:"request"`
	Response       map[string]any `json:"response"`
	ResponseConfig Response       `json:"responseConfig"`
	ProcessingTime int64          `json:"processingTime"`
}

// Imposter is the root aggregate: one simulated endpoint keyed by
// port. Protocol-specific configuration fields are preserved verbatim
// through Extra so the persistence layer round-trips configs it does
// not understand.
type Imposter struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Stubs    []Stub `json:"stubs"`

	// Extra holds protocol-specific fields outside the core schema.
	Extra map[string]json.RawMessage `json:"-"`
}

// ID returns the storage key for this imposter.
func (imp *Imposter) ID() string {
	return strconv.Itoa(imp.Port)
}

// imposterCore mirrors the typed fields for (un)marshaling.
type imposterCore struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Stubs    []Stub `json:"stubs"`
}

// MarshalJSON flattens Extra alongside the typed fields.
func (imp *Imposter) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(imp.Extra)+3)
	for k, v := range imp.Extra {
		out[k] = v
	}

	core := imposterCore{Port: imp.Port, Protocol: imp.Protocol, Stubs: imp.Stubs}
	if core.Stubs == nil {
		core.Stubs = []Stub{}
	}
	buf, err := json.Marshal(core)
	if err != nil {
		return nil, err
	}
	var coreFields map[string]json.RawMessage
	if err := json.Unmarshal(buf, &coreFields); err != nil {
		return nil, err
	}
	for k, v := range coreFields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON captures unknown fields into Extra.
func (imp *Imposter) UnmarshalJSON(data []byte) error {
	var core imposterCore
	if err := json.Unmarshal(data, &core); err != nil {
		return fmt.Errorf("imposter: decode: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("imposter: decode fields: %w", err)
	}
	delete(fields, "port")
	delete(fields, "protocol")
	delete(fields, "stubs")

	imp.Port = core.Port
	imp.Protocol = core.Protocol
	imp.Stubs = core.Stubs
	if len(fields) > 0 {
		imp.Extra = fields
	} else {
		imp.Extra = nil
	}
	return nil
}
