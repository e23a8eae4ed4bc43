// Package storage is the sole reader and writer of the shared
// key/value store. It owns the mapping from entity kinds to store
// collections, the cascade lifecycle of stub-dependent records, and
// the response cycling algorithm.
//
// Failure semantics follow a soft-read / hard-write split: read paths
// log store errors with an operation tag and degrade to nil or empty
// results, write paths return the error. The two documented
// exceptions are NextResponse (missing meta is a hard NoMetaError)
// and DeleteStubAt (out-of-range index is a MissingResourceError).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getmockd/imposters/internal/id"
	"github.com/getmockd/imposters/pkg/imposter"
	"github.com/getmockd/imposters/pkg/kv"
)

// Store collections. Stub meta is keyed imposterID:stubID, matches by
// stub id, requests and counters by imposter id.
const (
	colImposters = "imposters"
	colMeta      = "meta"
	colResponses = "responses"
	colMatches   = "matches"
	colRequests  = "requests"
	colCounters  = "counters"
)

// Pub/sub channels carrying cross-process change notifications.
const (
	ChannelImposterChange     = "imposter_change"
	ChannelImposterDelete     = "imposter_delete"
	ChannelAllImpostersDelete = "all_imposters_delete"
)

// ChangeEvent is the payload published on the imposter channels.
type ChangeEvent struct {
	ID string `json:"id"`
}

// Storage persists imposters and their dependent records. Every
// operation re-reads the store; no entity state is cached across
// calls, so other processes' writes become visible on the next read.
type Storage struct {
	kv  kv.Store
	log *slog.Logger
	ids *id.Generator
}

// New creates a Storage over the given store client.
func New(store kv.Store, logger *slog.Logger) *Storage {
	return &Storage{
		kv:  store,
		log: logger.With("component", "storage"),
		ids: id.NewGenerator(),
	}
}

func metaKey(imposterID, stubID string) string {
	return imposterID + ":" + stubID
}

// softRead logs a store failure on a read path. The caller then
// returns the documented zero value instead of the error.
func (s *Storage) softRead(op string, err error, attrs ...any) {
	s.log.Error("store read failed", append([]any{"op", op, "error", err}, attrs...)...)
}

// SaveImposter upserts the imposter root record and notifies other
// processes so they reload it.
func (s *Storage) SaveImposter(ctx context.Context, imp *imposter.Imposter) error {
	buf, err := json.Marshal(imp)
	if err != nil {
		return fmt.Errorf("storage: encode imposter %s: %w", imp.ID(), err)
	}
	if err := s.kv.Set(ctx, colImposters, imp.ID(), buf); err != nil {
		return fmt.Errorf("storage: save imposter %s: %w", imp.ID(), err)
	}
	return s.publish(ctx, ChannelImposterChange, imp.ID())
}

// GetImposter reads the imposter root record. Missing entities and
// store failures both yield nil.
func (s *Storage) GetImposter(ctx context.Context, imposterID string) *imposter.Imposter {
	buf, err := s.kv.Get(ctx, colImposters, imposterID)
	if err != nil {
		s.softRead("getImposter", err, "imposterId", imposterID)
		return nil
	}
	if buf == nil {
		return nil
	}
	var imp imposter.Imposter
	if err := json.Unmarshal(buf, &imp); err != nil {
		s.softRead("getImposter", err, "imposterId", imposterID)
		return nil
	}
	return &imp
}

// AllImposters reads every persisted imposter. Store failure yields an
// empty slice; individually corrupt records are skipped and logged.
func (s *Storage) AllImposters(ctx context.Context) []*imposter.Imposter {
	bufs, err := s.kv.GetAll(ctx, colImposters)
	if err != nil {
		s.softRead("allImposters", err)
		return nil
	}
	out := make([]*imposter.Imposter, 0, len(bufs))
	for _, buf := range bufs {
		var imp imposter.Imposter
		if err := json.Unmarshal(buf, &imp); err != nil {
			s.softRead("allImposters", err)
			continue
		}
		out = append(out, &imp)
	}
	return out
}

// DeleteImposter removes the imposter and cascades to every stub's
// meta, responses and matches, plus the request log and counter.
// Cascade steps run in parallel and are order-independent; a failing
// step is logged and does not roll back its siblings, so partial
// cleanup can leak records under store instability. Deleting an
// absent imposter is a logged no-op.
func (s *Storage) DeleteImposter(ctx context.Context, imposterID string) error {
	imp := s.GetImposter(ctx, imposterID)
	if imp == nil {
		s.log.Debug("delete of missing imposter ignored", "imposterId", imposterID)
		return nil
	}

	var g errgroup.Group
	for _, stub := range imp.Stubs {
		if stub.Meta == nil {
			continue
		}
		stubID := stub.Meta.ID
		g.Go(func() error {
			s.deleteStubData(ctx, imposterID, stubID)
			return nil
		})
	}
	_ = g.Wait()

	if err := s.kv.Delete(ctx, colImposters, imposterID); err != nil {
		return fmt.Errorf("storage: delete imposter %s: %w", imposterID, err)
	}
	if err := s.kv.Delete(ctx, colRequests, imposterID); err != nil {
		s.log.Error("delete request log failed", "imposterId", imposterID, "error", err)
	}
	if err := s.kv.ResetCounter(ctx, colCounters, imposterID); err != nil {
		s.log.Error("reset request counter failed", "imposterId", imposterID, "error", err)
	}
	return s.publish(ctx, ChannelImposterDelete, imposterID)
}

// DeleteAllImposters bulk-clears every entity collection. Used for
// full environment resets; not scoped per imposter.
func (s *Storage) DeleteAllImposters(ctx context.Context) error {
	var errs []error
	for _, col := range []string{colImposters, colMeta, colResponses, colMatches, colRequests, colCounters} {
		if err := s.kv.DeleteAll(ctx, col); err != nil {
			s.log.Error("clear collection failed", "collection", col, "error", err)
			errs = append(errs, err)
		}
	}
	if err := s.publish(ctx, ChannelAllImpostersDelete, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// deleteStubData removes a stub's meta, responses and matches. Each
// failing step is logged; cleanup continues regardless.
func (s *Storage) deleteStubData(ctx context.Context, imposterID, stubID string) {
	meta := s.getMeta(ctx, imposterID, stubID)
	if meta != nil {
		for _, respID := range meta.ResponseIDs {
			if err := s.kv.Delete(ctx, colResponses, respID); err != nil {
				s.log.Error("delete response failed", "responseId", respID, "error", err)
			}
		}
	}
	if err := s.kv.Delete(ctx, colMeta, metaKey(imposterID, stubID)); err != nil {
		s.log.Error("delete stub meta failed", "stubId", stubID, "error", err)
	}
	if err := s.kv.Delete(ctx, colMatches, stubID); err != nil {
		s.log.Error("delete matches failed", "stubId", stubID, "error", err)
	}
}

// SaveStubMetaAndResponses assigns the stub a generated id, persists
// each of its responses independently, builds the cursor meta with the
// repeat-expanded order, and returns the stripped stub definition for
// embedding in the imposter record. Responses are processed in array
// order so the expansion preserves declaration order.
func (s *Storage) SaveStubMetaAndResponses(ctx context.Context, imposterID string, stub imposter.Stub) (imposter.Stub, error) {
	stubID := s.ids.Next("stub")
	stub.Meta = &imposter.MetaRef{ID: stubID}

	meta := imposter.StubMeta{
		ResponseIDs:      []string{},
		OrderWithRepeats: []int{},
	}
	for i, resp := range stub.Responses {
		respID := s.ids.Next("response")
		buf, err := json.Marshal(resp)
		if err != nil {
			return imposter.Stub{}, fmt.Errorf("storage: encode response: %w", err)
		}
		if err := s.kv.Set(ctx, colResponses, respID, buf); err != nil {
			return imposter.Stub{}, fmt.Errorf("storage: save response: %w", err)
		}
		meta.ResponseIDs = append(meta.ResponseIDs, respID)
		for r := 0; r < resp.Repeat(); r++ {
			meta.OrderWithRepeats = append(meta.OrderWithRepeats, i)
		}
	}
	if err := s.saveMeta(ctx, imposterID, stubID, &meta); err != nil {
		return imposter.Stub{}, err
	}
	return stub.WithoutResponses(), nil
}

// AddStub appends a stub to the imposter's sequence. A missing
// imposter makes this a logged no-op.
func (s *Storage) AddStub(ctx context.Context, imposterID string, stub imposter.Stub) error {
	return s.insertStub(ctx, imposterID, stub, -1)
}

// InsertStubAt inserts a stub at index, shifting subsequent entries.
// An index at or past the end appends.
func (s *Storage) InsertStubAt(ctx context.Context, imposterID string, stub imposter.Stub, index int) error {
	return s.insertStub(ctx, imposterID, stub, index)
}

func (s *Storage) insertStub(ctx context.Context, imposterID string, stub imposter.Stub, index int) error {
	imp := s.GetImposter(ctx, imposterID)
	if imp == nil {
		s.log.Warn("add stub to missing imposter ignored", "imposterId", imposterID)
		return nil
	}
	saved, err := s.SaveStubMetaAndResponses(ctx, imposterID, stub)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(imp.Stubs) {
		imp.Stubs = append(imp.Stubs, saved)
	} else {
		imp.Stubs = append(imp.Stubs[:index], append([]imposter.Stub{saved}, imp.Stubs[index:]...)...)
	}
	return s.SaveImposter(ctx, imp)
}

// DeleteStubAt removes the stub at index, cascading deletion of its
// dependent records. Returns MissingResourceError when no stub exists
// at that index, leaving the sequence untouched.
func (s *Storage) DeleteStubAt(ctx context.Context, imposterID string, index int) error {
	imp := s.GetImposter(ctx, imposterID)
	if imp == nil || index < 0 || index >= len(imp.Stubs) {
		return &MissingResourceError{Index: index}
	}
	stub := imp.Stubs[index]
	imp.Stubs = append(imp.Stubs[:index], imp.Stubs[index+1:]...)
	if stub.Meta != nil {
		s.deleteStubData(ctx, imposterID, stub.Meta.ID)
	}
	return s.SaveImposter(ctx, imp)
}

// OverwriteAllStubs cascades deletion of every existing stub's
// dependent data, then rebuilds the sequence from the supplied stubs
// in input order. A missing imposter makes this a logged no-op.
func (s *Storage) OverwriteAllStubs(ctx context.Context, imposterID string, stubs []imposter.Stub) error {
	imp := s.GetImposter(ctx, imposterID)
	if imp == nil {
		s.log.Warn("overwrite stubs of missing imposter ignored", "imposterId", imposterID)
		return nil
	}

	var g errgroup.Group
	for _, stub := range imp.Stubs {
		if stub.Meta == nil {
			continue
		}
		stubID := stub.Meta.ID
		g.Go(func() error {
			s.deleteStubData(ctx, imposterID, stubID)
			return nil
		})
	}
	_ = g.Wait()

	imp.Stubs = nil
	for _, stub := range stubs {
		saved, err := s.SaveStubMetaAndResponses(ctx, imposterID, stub)
		if err != nil {
			return err
		}
		imp.Stubs = append(imp.Stubs, saved)
	}
	return s.SaveImposter(ctx, imp)
}

// AddResponse appends one response to an existing stub, used for proxy
// recording playback. The repeat-expanded indices go to the end of the
// cycling order and the cursor is left untouched. Returns false with a
// nil error when the stub's meta no longer exists, signaling the stub
// was deleted concurrently.
func (s *Storage) AddResponse(ctx context.Context, imposterID, stubID string, resp imposter.Response) (bool, error) {
	buf, err := s.kv.Get(ctx, colMeta, metaKey(imposterID, stubID))
	if err != nil {
		return false, fmt.Errorf("storage: read stub meta: %w", err)
	}
	if buf == nil {
		return false, nil
	}
	var meta imposter.StubMeta
	if err := json.Unmarshal(buf, &meta); err != nil {
		return false, fmt.Errorf("storage: decode stub meta: %w", err)
	}

	respID := s.ids.Next("response")
	respBuf, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("storage: encode response: %w", err)
	}
	if err := s.kv.Set(ctx, colResponses, respID, respBuf); err != nil {
		return false, fmt.Errorf("storage: save response: %w", err)
	}

	idx := len(meta.ResponseIDs)
	meta.ResponseIDs = append(meta.ResponseIDs, respID)
	for r := 0; r < resp.Repeat(); r++ {
		meta.OrderWithRepeats = append(meta.OrderWithRepeats, idx)
	}
	if err := s.saveMeta(ctx, imposterID, stubID, &meta); err != nil {
		return false, err
	}
	return true, nil
}

// NextResponse advances the stub's cycling cursor and returns the
// resolved response. A missing meta is a hard NoMetaError: it means
// the stub was never created, which is an integration error upstream,
// not a race. A response record that was independently deleted
// resolves to nil without error.
func (s *Storage) NextResponse(ctx context.Context, imposterID, stubID string) (imposter.Response, error) {
	meta := s.getMeta(ctx, imposterID, stubID)
	if meta == nil {
		return nil, &NoMetaError{ImposterID: imposterID, StubID: stubID}
	}
	if len(meta.OrderWithRepeats) == 0 {
		return nil, nil
	}

	slot := meta.OrderWithRepeats[meta.NextIndex%len(meta.OrderWithRepeats)]
	respID := meta.ResponseIDs[slot]
	meta.NextIndex = (meta.NextIndex + 1) % len(meta.OrderWithRepeats)
	if err := s.saveMeta(ctx, imposterID, stubID, meta); err != nil {
		return nil, err
	}
	return s.getResponse(ctx, respID), nil
}

// Responses resolves the stub's full ordered response list, not
// repeat-expanded. Used for projection, never by the cycling
// algorithm. Soft read: failures yield an empty list.
func (s *Storage) Responses(ctx context.Context, imposterID, stubID string) []imposter.Response {
	meta := s.getMeta(ctx, imposterID, stubID)
	if meta == nil {
		return nil
	}
	out := make([]imposter.Response, 0, len(meta.ResponseIDs))
	for _, respID := range meta.ResponseIDs {
		if resp := s.getResponse(ctx, respID); resp != nil {
			out = append(out, resp)
		}
	}
	return out
}

func (s *Storage) getMeta(ctx context.Context, imposterID, stubID string) *imposter.StubMeta {
	buf, err := s.kv.Get(ctx, colMeta, metaKey(imposterID, stubID))
	if err != nil {
		s.softRead("getMeta", err, "stubId", stubID)
		return nil
	}
	if buf == nil {
		return nil
	}
	var meta imposter.StubMeta
	if err := json.Unmarshal(buf, &meta); err != nil {
		s.softRead("getMeta", err, "stubId", stubID)
		return nil
	}
	return &meta
}

func (s *Storage) saveMeta(ctx context.Context, imposterID, stubID string, meta *imposter.StubMeta) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: encode stub meta: %w", err)
	}
	if err := s.kv.Set(ctx, colMeta, metaKey(imposterID, stubID), buf); err != nil {
		return fmt.Errorf("storage: save stub meta: %w", err)
	}
	return nil
}

func (s *Storage) getResponse(ctx context.Context, responseID string) imposter.Response {
	buf, err := s.kv.Get(ctx, colResponses, responseID)
	if err != nil {
		s.softRead("getResponse", err, "responseId", responseID)
		return nil
	}
	if buf == nil {
		return nil
	}
	var resp imposter.Response
	if err := json.Unmarshal(buf, &resp); err != nil {
		s.softRead("getResponse", err, "responseId", responseID)
		return nil
	}
	return resp
}

// AddMatch appends a match log entry for the stub.
func (s *Storage) AddMatch(ctx context.Context, stubID string, m imposter.Match) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: encode match: %w", err)
	}
	if err := s.kv.Append(ctx, colMatches, stubID, buf); err != nil {
		return fmt.Errorf("storage: append match: %w", err)
	}
	return nil
}

// Matches returns the stub's match history. Soft read.
func (s *Storage) Matches(ctx context.Context, stubID string) []imposter.Match {
	buf, err := s.kv.Get(ctx, colMatches, stubID)
	if err != nil {
		s.softRead("getMatches", err, "stubId", stubID)
		return nil
	}
	if buf == nil {
		return nil
	}
	var matches []imposter.Match
	if err := json.Unmarshal(buf, &matches); err != nil {
		s.softRead("getMatches", err, "stubId", stubID)
		return nil
	}
	return matches
}

// DeleteMatches clears the stub's match history.
func (s *Storage) DeleteMatches(ctx context.Context, stubID string) error {
	if err := s.kv.Delete(ctx, colMatches, stubID); err != nil {
		return fmt.Errorf("storage: delete matches: %w", err)
	}
	return nil
}

// AddRequest appends a received request to the imposter's request log,
// stamping the capture time on a copy of the request.
func (s *Storage) AddRequest(ctx context.Context, imposterID string, req map[string]any) error {
	stamped := make(map[string]any, len(req)+1)
	for k, v := range req {
		stamped[k] = v
	}
	stamped["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	buf, err := json.Marshal(stamped)
	if err != nil {
		return fmt.Errorf("storage: encode request: %w", err)
	}
	if err := s.kv.Append(ctx, colRequests, imposterID, buf); err != nil {
		return fmt.Errorf("storage: append request: %w", err)
	}
	return nil
}

// LoadRequests returns the imposter's request log. Soft read.
func (s *Storage) LoadRequests(ctx context.Context, imposterID string) []map[string]any {
	buf, err := s.kv.Get(ctx, colRequests, imposterID)
	if err != nil {
		s.softRead("loadRequests", err, "imposterId", imposterID)
		return nil
	}
	if buf == nil {
		return nil
	}
	var reqs []map[string]any
	if err := json.Unmarshal(buf, &reqs); err != nil {
		s.softRead("loadRequests", err, "imposterId", imposterID)
		return nil
	}
	return reqs
}

// DeleteRequests clears the imposter's request log.
func (s *Storage) DeleteRequests(ctx context.Context, imposterID string) error {
	if err := s.kv.Delete(ctx, colRequests, imposterID); err != nil {
		return fmt.Errorf("storage: delete requests: %w", err)
	}
	return nil
}

// IncrementRequestCounter bumps the imposter's request counter and
// returns the new value.
func (s *Storage) IncrementRequestCounter(ctx context.Context, imposterID string) (int64, error) {
	n, err := s.kv.Incr(ctx, colCounters, imposterID)
	if err != nil {
		return 0, fmt.Errorf("storage: increment request counter: %w", err)
	}
	return n, nil
}

// RequestCounter reads the imposter's request counter. Soft read.
func (s *Storage) RequestCounter(ctx context.Context, imposterID string) int64 {
	n, err := s.kv.GetCounter(ctx, colCounters, imposterID)
	if err != nil {
		s.softRead("getRequestCounter", err, "imposterId", imposterID)
		return 0
	}
	return n
}

// Subscribe registers a handler for one of the imposter channels. The
// raw payload is decoded into a ChangeEvent before h is invoked.
func (s *Storage) Subscribe(channel string, h func(ChangeEvent)) error {
	return s.kv.Subscribe(channel, func(payload []byte) {
		var ev ChangeEvent
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev); err != nil {
				s.log.Error("bad change notification", "channel", channel, "error", err)
				return
			}
		}
		h(ev)
	})
}

// Unsubscribe stops delivery for one of the imposter channels.
func (s *Storage) Unsubscribe(channel string) error {
	return s.kv.Unsubscribe(channel)
}

func (s *Storage) publish(ctx context.Context, channel, imposterID string) error {
	buf, err := json.Marshal(ChangeEvent{ID: imposterID})
	if err != nil {
		return fmt.Errorf("storage: encode change event: %w", err)
	}
	if err := s.kv.Publish(ctx, channel, buf); err != nil {
		return fmt.Errorf("storage: publish %s: %w", channel, err)
	}
	return nil
}
