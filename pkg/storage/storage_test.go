package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/getmockd/imposters/pkg/imposter"
	"github.com/getmockd/imposters/pkg/kv"
	"github.com/getmockd/imposters/pkg/logging"
)

func newTestStorage(t *testing.T) (*Storage, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logging.Nop()), store
}

// addImposter persists a root record with no stubs.
func addImposter(t *testing.T, st *Storage, port int) *imposter.Imposter {
	t.Helper()
	imp := &imposter.Imposter{Port: port, Protocol: "http"}
	if err := st.SaveImposter(context.Background(), imp); err != nil {
		t.Fatalf("SaveImposter() error: %v", err)
	}
	return imp
}

// stubID returns the generated id of the stub at index.
func stubID(t *testing.T, st *Storage, imposterID string, index int) string {
	t.Helper()
	imp := st.GetImposter(context.Background(), imposterID)
	if imp == nil || index >= len(imp.Stubs) || imp.Stubs[index].Meta == nil {
		t.Fatalf("no stub with meta at index %d", index)
	}
	return imp.Stubs[index].Meta.ID
}

// draw advances the cycle once and returns the "is" value as a string.
func draw(t *testing.T, st *Storage, imposterID, stubID string) string {
	t.Helper()
	resp, err := st.NextResponse(context.Background(), imposterID, stubID)
	if err != nil {
		t.Fatalf("NextResponse() error: %v", err)
	}
	if resp == nil {
		return ""
	}
	s, _ := resp["is"].(string)
	return s
}

func isResponse(v string) imposter.Response { return imposter.Response{"is": v} }

func TestSaveImposter_RoundTrip(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()

	imp := &imposter.Imposter{
		Port:     3000,
		Protocol: "http",
		Extra:    map[string]json.RawMessage{"recordRequests": json.RawMessage(`true`)},
	}
	if err := st.SaveImposter(ctx, imp); err != nil {
		t.Fatalf("SaveImposter() error: %v", err)
	}

	got := st.GetImposter(ctx, "3000")
	if got == nil {
		t.Fatal("GetImposter() = nil")
	}
	if got.Port != 3000 || got.Protocol != "http" {
		t.Errorf("got %d/%s", got.Port, got.Protocol)
	}
	if string(got.Extra["recordRequests"]) != "true" {
		t.Errorf("extra fields lost: %v", got.Extra)
	}
}

func TestGetImposter_Missing(t *testing.T) {
	st, _ := newTestStorage(t)
	if got := st.GetImposter(context.Background(), "404"); got != nil {
		t.Errorf("GetImposter() = %+v, want nil", got)
	}
}

func TestAllImposters(t *testing.T) {
	st, _ := newTestStorage(t)
	addImposter(t, st, 1)
	addImposter(t, st, 2)

	if got := st.AllImposters(context.Background()); len(got) != 2 {
		t.Errorf("AllImposters() returned %d, want 2", len(got))
	}
}

func TestAddStub_StripsResponses(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)

	stub := imposter.Stub{
		Predicates: []imposter.Predicate{{"equals": map[string]any{"path": "/"}}},
		Responses:  []imposter.Response{isResponse("a"), isResponse("b")},
	}
	if err := st.AddStub(ctx, "1", stub); err != nil {
		t.Fatalf("AddStub() error: %v", err)
	}

	imp := st.GetImposter(ctx, "1")
	if len(imp.Stubs) != 1 {
		t.Fatalf("imposter has %d stubs, want 1", len(imp.Stubs))
	}
	if imp.Stubs[0].Responses != nil {
		t.Error("embedded stub must not carry responses")
	}
	if imp.Stubs[0].Meta == nil || imp.Stubs[0].Meta.ID == "" {
		t.Fatal("embedded stub must carry a generated meta id")
	}

	resolved := st.Responses(ctx, "1", imp.Stubs[0].Meta.ID)
	if len(resolved) != 2 || resolved[0]["is"] != "a" || resolved[1]["is"] != "b" {
		t.Errorf("Responses() = %v", resolved)
	}
}

func TestAddStub_MissingImposterIsNoop(t *testing.T) {
	st, _ := newTestStorage(t)
	err := st.AddStub(context.Background(), "404", imposter.Stub{Responses: []imposter.Response{isResponse("a")}})
	if err != nil {
		t.Fatalf("AddStub() on missing imposter = %v, want nil", err)
	}
}

func TestNextResponse_RepeatExpansion(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)

	stub := imposter.Stub{Responses: []imposter.Response{
		{"is": "a", "repeat": 2},
		{"is": "b"},
	}}
	if err := st.AddStub(ctx, "1", stub); err != nil {
		t.Fatalf("AddStub() error: %v", err)
	}
	sid := stubID(t, st, "1", 0)

	want := []string{"a", "a", "b", "a", "a", "b", "a"}
	for i, w := range want {
		if got := draw(t, st, "1", sid); got != w {
			t.Fatalf("draw %d = %q, want %q", i, got, w)
		}
	}
}

func TestNextResponse_NoMeta(t *testing.T) {
	st, _ := newTestStorage(t)
	addImposter(t, st, 1)

	_, err := st.NextResponse(context.Background(), "1", "stub-missing")
	var noMeta *NoMetaError
	if !errors.As(err, &noMeta) {
		t.Fatalf("NextResponse() error = %v, want NoMetaError", err)
	}
}

func TestNextResponse_StubWithoutResponses(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{})

	resp, err := st.NextResponse(ctx, "1", stubID(t, st, "1", 0))
	if err != nil || resp != nil {
		t.Errorf("NextResponse() = %v, %v, want nil, nil", resp, err)
	}
}

func TestNextResponse_DeletedResponseResolvesNil(t *testing.T) {
	st, store := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("a")}})

	// Remove the response record out from under the cycle.
	bufs, _ := store.GetAll(ctx, colResponses)
	if len(bufs) != 1 {
		t.Fatalf("expected 1 stored response, got %d", len(bufs))
	}
	_ = store.DeleteAll(ctx, colResponses)

	resp, err := st.NextResponse(ctx, "1", stubID(t, st, "1", 0))
	if err != nil {
		t.Fatalf("NextResponse() error: %v", err)
	}
	if resp != nil {
		t.Errorf("NextResponse() = %v, want nil for deleted record", resp)
	}
}

func TestAddResponse_AppendsToCycleTail(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{
		{"is": "a", "repeat": 2},
		{"is": "b"},
	}})
	sid := stubID(t, st, "1", 0)

	// Advance one slot, then append mid-cycle.
	if got := draw(t, st, "1", sid); got != "a" {
		t.Fatalf("first draw = %q, want a", got)
	}
	ok, err := st.AddResponse(ctx, "1", sid, isResponse("c"))
	if err != nil || !ok {
		t.Fatalf("AddResponse() = %v, %v", ok, err)
	}

	// Cursor position is undisturbed; the new response joins the tail.
	want := []string{"a", "b", "c", "a", "a", "b", "c"}
	for i, w := range want {
		if got := draw(t, st, "1", sid); got != w {
			t.Fatalf("draw %d = %q, want %q", i, got, w)
		}
	}
}

func TestAddResponse_MissingStub(t *testing.T) {
	st, _ := newTestStorage(t)
	addImposter(t, st, 1)

	ok, err := st.AddResponse(context.Background(), "1", "stub-gone", isResponse("x"))
	if err != nil {
		t.Fatalf("AddResponse() error: %v", err)
	}
	if ok {
		t.Error("AddResponse() = true for a deleted stub, want false")
	}
}

func TestDeleteStubAt_OutOfRange(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("a")}})

	err := st.DeleteStubAt(ctx, "1", 5)
	var missing *MissingResourceError
	if !errors.As(err, &missing) {
		t.Fatalf("DeleteStubAt() error = %v, want MissingResourceError", err)
	}
	if err.Error() != "no stub at index 5" {
		t.Errorf("message = %q, want %q", err.Error(), "no stub at index 5")
	}

	// The sequence is untouched.
	if imp := st.GetImposter(ctx, "1"); len(imp.Stubs) != 1 {
		t.Errorf("stub list modified by failed delete: %d stubs", len(imp.Stubs))
	}
}

func TestDeleteStubAt_Cascades(t *testing.T) {
	st, store := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("a"), isResponse("b")}})
	sid := stubID(t, st, "1", 0)
	_ = st.AddMatch(ctx, sid, imposter.Match{Request: map[string]any{"path": "/"}})

	if err := st.DeleteStubAt(ctx, "1", 0); err != nil {
		t.Fatalf("DeleteStubAt() error: %v", err)
	}

	if imp := st.GetImposter(ctx, "1"); len(imp.Stubs) != 0 {
		t.Errorf("stub still embedded after delete")
	}
	for _, col := range []string{colMeta, colResponses, colMatches} {
		if bufs, _ := store.GetAll(ctx, col); len(bufs) != 0 {
			t.Errorf("collection %s still holds %d records", col, len(bufs))
		}
	}
}

func TestInsertStubAt_Order(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("first")}})
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("last")}})
	_ = st.InsertStubAt(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("middle")}}, 1)

	imp := st.GetImposter(ctx, "1")
	if len(imp.Stubs) != 3 {
		t.Fatalf("%d stubs, want 3", len(imp.Stubs))
	}
	got := make([]string, 3)
	for i, stub := range imp.Stubs {
		resolved := st.Responses(ctx, "1", stub.Meta.ID)
		got[i], _ = resolved[0]["is"].(string)
	}
	want := []string{"first", "middle", "last"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOverwriteAllStubs(t *testing.T) {
	st, store := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("old")}})

	err := st.OverwriteAllStubs(ctx, "1", []imposter.Stub{
		{Responses: []imposter.Response{isResponse("new1")}},
		{Responses: []imposter.Response{isResponse("new2")}},
	})
	if err != nil {
		t.Fatalf("OverwriteAllStubs() error: %v", err)
	}

	imp := st.GetImposter(ctx, "1")
	if len(imp.Stubs) != 2 {
		t.Fatalf("%d stubs, want 2", len(imp.Stubs))
	}
	// Exactly the two new responses remain stored.
	if bufs, _ := store.GetAll(ctx, colResponses); len(bufs) != 2 {
		t.Errorf("%d responses stored, want 2", len(bufs))
	}
	resolved := st.Responses(ctx, "1", imp.Stubs[0].Meta.ID)
	if resolved[0]["is"] != "new1" {
		t.Errorf("first stub resolves %v", resolved[0])
	}
}

func TestDeleteImposter_Cascades(t *testing.T) {
	st, store := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("a")}})
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("b")}})
	sid := stubID(t, st, "1", 0)
	_ = st.AddMatch(ctx, sid, imposter.Match{Request: map[string]any{"path": "/"}})
	_ = st.AddRequest(ctx, "1", map[string]any{"path": "/"})
	_, _ = st.IncrementRequestCounter(ctx, "1")

	if err := st.DeleteImposter(ctx, "1"); err != nil {
		t.Fatalf("DeleteImposter() error: %v", err)
	}

	if st.GetImposter(ctx, "1") != nil {
		t.Error("imposter still present")
	}
	for _, col := range []string{colMeta, colResponses, colMatches} {
		if bufs, _ := store.GetAll(ctx, col); len(bufs) != 0 {
			t.Errorf("collection %s still holds %d records", col, len(bufs))
		}
	}
	if reqs := st.LoadRequests(ctx, "1"); len(reqs) != 0 {
		t.Error("request log survived the cascade")
	}
	if n := st.RequestCounter(ctx, "1"); n != 0 {
		t.Errorf("request counter = %d after delete", n)
	}
}

func TestDeleteImposter_MissingIsNoop(t *testing.T) {
	st, _ := newTestStorage(t)
	if err := st.DeleteImposter(context.Background(), "404"); err != nil {
		t.Fatalf("DeleteImposter() of missing = %v, want nil", err)
	}
}

func TestDeleteAllImposters(t *testing.T) {
	st, store := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)
	addImposter(t, st, 2)
	_ = st.AddStub(ctx, "1", imposter.Stub{Responses: []imposter.Response{isResponse("a")}})

	if err := st.DeleteAllImposters(ctx); err != nil {
		t.Fatalf("DeleteAllImposters() error: %v", err)
	}
	for _, col := range []string{colImposters, colMeta, colResponses, colMatches, colRequests, colCounters} {
		if bufs, _ := store.GetAll(ctx, col); len(bufs) != 0 {
			t.Errorf("collection %s still holds %d records", col, len(bufs))
		}
	}
}

func TestSaveImposter_NotifiesOtherClients(t *testing.T) {
	hub := kv.NewMemoryHub()
	writer := New(hub.Client(), logging.Nop())
	watcher := New(hub.Client(), logging.Nop())

	var events []ChangeEvent
	if err := watcher.Subscribe(ChannelImposterChange, func(ev ChangeEvent) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	imp := &imposter.Imposter{Port: 3000, Protocol: "http"}
	if err := writer.SaveImposter(context.Background(), imp); err != nil {
		t.Fatalf("SaveImposter() error: %v", err)
	}

	// Memory hub delivery is synchronous.
	if len(events) != 1 || events[0].ID != "3000" {
		t.Fatalf("watcher saw %v, want one event for 3000", events)
	}
}

func TestRequests_StampedAndCleared(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	addImposter(t, st, 1)

	req := map[string]any{"path": "/orders", "method": "GET"}
	if err := st.AddRequest(ctx, "1", req); err != nil {
		t.Fatalf("AddRequest() error: %v", err)
	}
	if _, stamped := req["timestamp"]; stamped {
		t.Error("AddRequest() mutated the caller's map")
	}

	reqs := st.LoadRequests(ctx, "1")
	if len(reqs) != 1 {
		t.Fatalf("LoadRequests() returned %d, want 1", len(reqs))
	}
	if ts, _ := reqs[0]["timestamp"].(string); ts == "" {
		t.Error("stored request is missing its capture timestamp")
	}
	if reqs[0]["path"] != "/orders" {
		t.Errorf("stored request = %v", reqs[0])
	}

	if err := st.DeleteRequests(ctx, "1"); err != nil {
		t.Fatalf("DeleteRequests() error: %v", err)
	}
	if reqs := st.LoadRequests(ctx, "1"); len(reqs) != 0 {
		t.Error("request log not cleared")
	}
}

func TestRequestCounter(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := st.IncrementRequestCounter(ctx, "1")
		if err != nil || n != i {
			t.Fatalf("IncrementRequestCounter() = %d, %v, want %d", n, err, i)
		}
	}
	if n := st.RequestCounter(ctx, "1"); n != 3 {
		t.Errorf("RequestCounter() = %d, want 3", n)
	}
}

func TestMatches_RoundTrip(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()

	m := imposter.Match{
		Request:        map[string]any{"path": "/"},
		Response:       map[string]any{"statusCode": 200},
		ResponseConfig: isResponse("a"),
		ProcessingTime: 12,
	}
	if err := st.AddMatch(ctx, "stub-1", m); err != nil {
		t.Fatalf("AddMatch() error: %v", err)
	}

	matches := st.Matches(ctx, "stub-1")
	if len(matches) != 1 {
		t.Fatalf("Matches() returned %d, want 1", len(matches))
	}
	if matches[0].Request["path"] != "/" || matches[0].ProcessingTime != 12 {
		t.Errorf("match = %+v", matches[0])
	}
}

// failingStore wraps a working store and fails selected operations.
type failingStore struct {
	kv.Store
	failGet bool
	failSet bool
}

func (f *failingStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if f.failGet {
		return nil, errors.New("store unavailable")
	}
	return f.Store.Get(ctx, collection, id)
}

func (f *failingStore) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	if f.failGet {
		return nil, errors.New("store unavailable")
	}
	return f.Store.GetAll(ctx, collection)
}

func (f *failingStore) Set(ctx context.Context, collection, id string, value []byte) error {
	if f.failSet {
		return errors.New("store unavailable")
	}
	return f.Store.Set(ctx, collection, id, value)
}

func TestReadPathsDegradeOnStoreFailure(t *testing.T) {
	broken := &failingStore{Store: kv.NewMemoryStore(), failGet: true}
	st := New(broken, logging.Nop())
	ctx := context.Background()

	if got := st.GetImposter(ctx, "1"); got != nil {
		t.Error("GetImposter() should degrade to nil")
	}
	if got := st.AllImposters(ctx); len(got) != 0 {
		t.Error("AllImposters() should degrade to empty")
	}
	if got := st.Responses(ctx, "1", "s"); len(got) != 0 {
		t.Error("Responses() should degrade to empty")
	}
	if got := st.Matches(ctx, "s"); len(got) != 0 {
		t.Error("Matches() should degrade to empty")
	}
	if got := st.LoadRequests(ctx, "1"); len(got) != 0 {
		t.Error("LoadRequests() should degrade to empty")
	}
}

func TestWritePathsSurfaceStoreFailure(t *testing.T) {
	broken := &failingStore{Store: kv.NewMemoryStore(), failSet: true}
	st := New(broken, logging.Nop())

	imp := &imposter.Imposter{Port: 1, Protocol: "http"}
	if err := st.SaveImposter(context.Background(), imp); err == nil {
		t.Error("SaveImposter() must surface the store error")
	}
}

func TestMatches_ClearedIndependently(t *testing.T) {
	st, _ := newTestStorage(t)
	ctx := context.Background()
	imp := addImposter(t, st, 1)
	if err := st.AddStub(ctx, imp.ID(), imposter.Stub{Responses: []imposter.Response{isResponse("a")}}); err != nil {
		t.Fatalf("AddStub() error: %v", err)
	}
	sid := stubID(t, st, imp.ID(), 0)

	if err := st.AddMatch(ctx, sid, imposter.Match{Request: map[string]any{"path": "/"}}); err != nil {
		t.Fatalf("AddMatch() error: %v", err)
	}
	if got := len(st.Matches(ctx, sid)); got != 1 {
		t.Fatalf("%d matches before clear, want 1", got)
	}

	if err := st.DeleteMatches(ctx, sid); err != nil {
		t.Fatalf("DeleteMatches() error: %v", err)
	}
	if got := len(st.Matches(ctx, sid)); got != 0 {
		t.Errorf("%d matches after clear, want 0", got)
	}

	// Clearing matches must not disturb the stub or its cycle.
	if got := draw(t, st, imp.ID(), sid); got != "a" {
		t.Errorf("draw after clear = %q, want a", got)
	}
}
