package stubs

import (
	"context"
	"log/slog"
	"time"

	"github.com/getmockd/imposters/pkg/imposter"
	"github.com/getmockd/imposters/pkg/storage"
)

// Handle represents one matched stub for the duration of handling a
// single inbound request. It bridges predicate matching to response
// cycling: the matching layer obtains a handle via List.First, then
// draws responses and records diagnostics through it.
//
// The no-match sentinel (returned by First when nothing matches)
// supports the same operations so calling code stays uniform:
// NextResponse yields an empty "is" response, AddResponse and
// RecordMatch are no-ops.
type Handle struct {
	st         *storage.Storage
	imposterID string
	stubID     string // empty for the no-match sentinel
	predicates []imposter.Predicate
	log        *slog.Logger
}

func newHandle(st *storage.Storage, imposterID string, stub imposter.Stub, logger *slog.Logger) *Handle {
	h := &Handle{
		st:         st,
		imposterID: imposterID,
		predicates: stub.ClonePredicates(),
		log:        logger,
	}
	if stub.Meta != nil {
		h.stubID = stub.Meta.ID
	}
	return h
}

func noMatch(st *storage.Storage, imposterID string, logger *slog.Logger) *Handle {
	return &Handle{
		st:         st,
		imposterID: imposterID,
		predicates: []imposter.Predicate{},
		log:        logger,
	}
}

// Predicates returns a detached copy of the stub's predicates. The
// storage linkage metadata is not exposed.
func (h *Handle) Predicates() []imposter.Predicate {
	return h.predicates
}

// emptyResponse is the shape returned when nothing resolves.
func emptyResponse() imposter.Response {
	return imposter.Response{"is": map[string]any{}}
}

// ResolvedResponse wraps a cycled response together with a lazy
// position accessor.
type ResolvedResponse struct {
	Response imposter.Response
	handle   *Handle
}

// StubIndex re-scans the imposter's current stub sequence for this
// handle's stub and returns its position. The index reflects current
// state, not the state when the handle was created: if stubs were
// reordered since the match, the shifted position is returned. The
// sentinel handle and stubs that have since vanished report 0.
func (r *ResolvedResponse) StubIndex(ctx context.Context) int {
	h := r.handle
	if h.stubID == "" {
		return 0
	}
	imp := h.st.GetImposter(ctx, h.imposterID)
	if imp == nil {
		return 0
	}
	for i, stub := range imp.Stubs {
		if stub.Meta != nil && stub.Meta.ID == h.stubID {
			return i
		}
	}
	return 0
}

// NextResponse advances the stub's response cycle and returns the
// resolved response, incrementing the imposter's request counter as a
// side effect. When nothing resolves (sentinel handle, stub without
// responses, or a response record deleted out from under the cycle)
// the result carries a bare empty "is" response.
func (h *Handle) NextResponse(ctx context.Context) (*ResolvedResponse, error) {
	if h.stubID == "" {
		return &ResolvedResponse{Response: emptyResponse(), handle: h}, nil
	}
	resp, err := h.st.NextResponse(ctx, h.imposterID, h.stubID)
	if err != nil {
		return nil, err
	}
	if _, err := h.st.IncrementRequestCounter(ctx, h.imposterID); err != nil {
		h.log.Error("increment request counter failed", "imposterId", h.imposterID, "error", err)
	}
	if resp == nil {
		resp = emptyResponse()
	}
	return &ResolvedResponse{Response: resp, handle: h}, nil
}

// AddResponse appends a response to this stub's cycle, used to play
// back proxy recordings. Returns false when the stub no longer exists
// in storage (deleted concurrently) or on the sentinel handle.
func (h *Handle) AddResponse(ctx context.Context, resp imposter.Response) (bool, error) {
	if h.stubID == "" {
		return false, nil
	}
	return h.st.AddResponse(ctx, h.imposterID, h.stubID, resp)
}

// RecordMatch appends a timestamped match log entry for diagnostics.
// Fire-and-forget: failures are logged, never surfaced to the caller.
func (h *Handle) RecordMatch(ctx context.Context, request, response map[string]any, responseConfig imposter.Response, processingTime time.Duration) {
	if h.stubID == "" {
		return
	}
	m := imposter.Match{
		Timestamp:      time.Now().UTC(),
		Request:        request,
		Response:       response,
		ResponseConfig: responseConfig,
		ProcessingTime: processingTime.Milliseconds(),
	}
	if err := h.st.AddMatch(ctx, h.stubID, m); err != nil {
		h.log.Error("record match failed", "stubId", h.stubID, "error", err)
	}
}
