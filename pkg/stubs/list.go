// Package stubs exposes a per-imposter projection of the stored stub
// sequence: ordered list operations, first-match search, and the
// debug JSON view joining stub metadata with responses and match
// history. Matching itself is external; the filter function supplied
// to First decides which stub wins.
package stubs

import (
	"context"
	"log/slog"

	"github.com/getmockd/imposters/pkg/imposter"
	"github.com/getmockd/imposters/pkg/storage"
)

// Filter decides whether a stub's predicate list matches the current
// request. It is supplied by the protocol/matching layer and called
// once per candidate stub. Stubs without predicates are presented as
// an empty list, never nil.
type Filter func(predicates []imposter.Predicate) bool

// StubView is the externally visible shape of one stub: predicates
// plus the resolved (not cursor-ordered) response list, with match
// history attached in debug projections.
type StubView struct {
	Predicates []imposter.Predicate `json:"predicates,omitempty"`
	Responses  []imposter.Response  `json:"responses"`
	Matches    []imposter.Match     `json:"matches,omitempty"`
}

// List is the ordered stub sequence of one imposter. It holds no
// state of its own; every operation re-reads current storage.
type List struct {
	st         *storage.Storage
	imposterID string
	log        *slog.Logger
}

// NewList creates a stub list view over the given imposter.
func NewList(st *storage.Storage, imposterID string, logger *slog.Logger) *List {
	return &List{
		st:         st,
		imposterID: imposterID,
		log:        logger.With("component", "stubs", "imposterId", imposterID),
	}
}

// Count returns the current length of the stub sequence, 0 when the
// imposter is absent.
func (l *List) Count(ctx context.Context) int {
	imp := l.st.GetImposter(ctx, l.imposterID)
	if imp == nil {
		return 0
	}
	return len(imp.Stubs)
}

// First scans the stub sequence from startIndex and returns a handle
// for the first stub whose predicates satisfy filter. The scan reads
// current storage state, so repeated calls observe later mutations.
// When nothing matches, found is false and the returned handle is the
// no-op sentinel, so callers never need a nil check.
func (l *List) First(ctx context.Context, filter Filter, startIndex int) (h *Handle, found bool) {
	imp := l.st.GetImposter(ctx, l.imposterID)
	if imp == nil {
		return noMatch(l.st, l.imposterID, l.log), false
	}
	for i := startIndex; i < len(imp.Stubs); i++ {
		stub := imp.Stubs[i]
		if filter(stub.ClonePredicates()) {
			return newHandle(l.st, l.imposterID, stub, l.log), true
		}
	}
	return noMatch(l.st, l.imposterID, l.log), false
}

// Add appends a stub to the sequence.
func (l *List) Add(ctx context.Context, stub imposter.Stub) error {
	return l.st.AddStub(ctx, l.imposterID, stub)
}

// InsertAt inserts a stub at index, shifting subsequent entries.
func (l *List) InsertAt(ctx context.Context, stub imposter.Stub, index int) error {
	return l.st.InsertStubAt(ctx, l.imposterID, stub, index)
}

// DeleteAt removes the stub at index, cascading its dependent data.
// Returns MissingResourceError when the index is out of range.
func (l *List) DeleteAt(ctx context.Context, index int) error {
	return l.st.DeleteStubAt(ctx, l.imposterID, index)
}

// OverwriteAt replaces the stub at index. Implemented as delete then
// insert; the two steps are not atomic, so a failure in between can
// leave the stub missing.
func (l *List) OverwriteAt(ctx context.Context, stub imposter.Stub, index int) error {
	if err := l.st.DeleteStubAt(ctx, l.imposterID, index); err != nil {
		return err
	}
	return l.st.InsertStubAt(ctx, l.imposterID, stub, index)
}

// OverwriteAll replaces the whole stub sequence, cascading deletion of
// every existing stub's dependent data first.
func (l *List) OverwriteAll(ctx context.Context, stubs []imposter.Stub) error {
	return l.st.OverwriteAllStubs(ctx, l.imposterID, stubs)
}

// JSON projects every stub to its externally visible shape. With
// debug, each stub's match history is joined in. A missing imposter
// yields an empty slice with a warning; per-stub projection failures
// degrade to partial results rather than propagating.
func (l *List) JSON(ctx context.Context, debug bool) []StubView {
	imp := l.st.GetImposter(ctx, l.imposterID)
	if imp == nil {
		l.log.Warn("stub projection of missing imposter")
		return []StubView{}
	}
	views := make([]StubView, 0, len(imp.Stubs))
	for _, stub := range imp.Stubs {
		view := StubView{
			Predicates: stub.Predicates,
			Responses:  []imposter.Response{},
		}
		if stub.Meta != nil {
			view.Responses = append(view.Responses, l.st.Responses(ctx, l.imposterID, stub.Meta.ID)...)
			if debug {
				view.Matches = l.st.Matches(ctx, stub.Meta.ID)
			}
		}
		views = append(views, view)
	}
	return views
}

// DeleteSavedProxyResponses removes every response recorded by a
// proxy (marked with a numeric _proxyResponseTime inside "is"), drops
// stubs left with no responses, and rebuilds the sequence from the
// survivors in their current order.
func (l *List) DeleteSavedProxyResponses(ctx context.Context) error {
	imp := l.st.GetImposter(ctx, l.imposterID)
	if imp == nil {
		return nil
	}
	var survivors []imposter.Stub
	for _, stub := range imp.Stubs {
		var kept []imposter.Response
		if stub.Meta != nil {
			for _, resp := range l.st.Responses(ctx, l.imposterID, stub.Meta.ID) {
				if !resp.IsSavedProxyResponse() {
					kept = append(kept, resp)
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		survivors = append(survivors, imposter.Stub{
			Predicates: stub.Predicates,
			Responses:  kept,
		})
	}
	return l.st.OverwriteAllStubs(ctx, l.imposterID, survivors)
}

// AddRequest records a received request in the imposter's request
// log, stamped at capture time.
func (l *List) AddRequest(ctx context.Context, req map[string]any) error {
	return l.st.AddRequest(ctx, l.imposterID, req)
}

// LoadRequests returns the imposter's recorded requests.
func (l *List) LoadRequests(ctx context.Context) []map[string]any {
	return l.st.LoadRequests(ctx, l.imposterID)
}

// DeleteSavedRequests clears the imposter's request log.
func (l *List) DeleteSavedRequests(ctx context.Context) error {
	return l.st.DeleteRequests(ctx, l.imposterID)
}

// RequestCount returns the number of recorded requests.
func (l *List) RequestCount(ctx context.Context) int {
	return len(l.st.LoadRequests(ctx, l.imposterID))
}
