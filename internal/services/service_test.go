package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/danmuck/panesync/internal/store"
	"github.com/danmuck/panesync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

type fixture struct {
	rt  *OwnerRuntime
	ext *rpc.Local
	ctx context.Context
}

func startRuntime(t *testing.T, initial map[string]any) *fixture {
	t.Helper()
	rt, err := NewOwnerRuntime(store.DefaultOwnerConfig(), initial)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Owner.Run(ctx) }()
	ext := rpc.NewLocal(rt.External, rpc.DispatcherOptions{Label: "test", Mutations: rt.Owner}, rpc.ClientOptions{})
	t.Cleanup(func() {
		ext.Close()
		rt.Close()
		cancel()
		<-done
	})
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(callCancel)
	return &fixture{rt: rt, ext: ext, ctx: callCtx}
}

type sceneRef struct {
	Type       string   `json:"_type"`
	ResourceID string   `json:"resourceId"`
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	IsActive   bool     `json:"isActive"`
	ItemIDs    []string `json:"itemIds"`
}

func (f *fixture) scenes(t *testing.T) []sceneRef {
	t.Helper()
	var out []sceneRef
	if err := f.ext.CallInto(f.ctx, &out, "ScenesService", "getScenes"); err != nil {
		t.Fatalf("getScenes: %v", err)
	}
	return out
}

func names(refs []sceneRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

func TestDefaultSceneExists(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	scenes := f.scenes(t)
	if len(scenes) != 1 {
		t.Fatalf("expected one scene, got %+v", scenes)
	}
	want := sceneRef{
		Type:       jsonrpc.TypeHelper,
		ResourceID: `Scene["scene-default"]`,
		ID:         DefaultSceneID,
		Name:       "Scene",
		IsActive:   true,
		ItemIDs:    []string{},
	}
	if diff := cmp.Diff(want, scenes[0]); diff != "" {
		t.Fatalf("unexpected public scene (-want +got):\n%s", diff)
	}
}

func TestCreateAndRemoveScenesThroughFallback(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	// createScene is not part of the public surface; the internal service serves it
	var created sceneRef
	if err := f.ext.CallInto(f.ctx, &created, "ScenesService", "createScene", "Scene2"); err != nil {
		t.Fatalf("createScene: %v", err)
	}
	if created.Name != "Scene2" || created.Type != jsonrpc.TypeHelper {
		t.Fatalf("unexpected created scene: %+v", created)
	}
	if diff := cmp.Diff([]string{"Scene", "Scene2"}, names(f.scenes(t))); diff != "" {
		t.Fatalf("unexpected scenes:\n%s", diff)
	}
	if _, err := f.ext.Call(f.ctx, "ScenesService", "removeScene", created.ID); err != nil {
		t.Fatalf("removeScene: %v", err)
	}
	if diff := cmp.Diff([]string{"Scene"}, names(f.scenes(t))); diff != "" {
		t.Fatalf("unexpected scenes after remove:\n%s", diff)
	}
}

func TestSwitchingScenes(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	var scene2 sceneRef
	if err := f.ext.CallInto(f.ctx, &scene2, "ScenesService", "createScene", "Scene2"); err != nil {
		t.Fatalf("createScene: %v", err)
	}
	var active string
	_ = f.ext.CallInto(f.ctx, &active, "ScenesService", "activeSceneId")
	if active != DefaultSceneID {
		t.Fatalf("unexpected active scene %q", active)
	}
	if _, err := f.ext.Call(f.ctx, "ScenesService", "makeSceneActive", scene2.ID); err != nil {
		t.Fatalf("makeSceneActive: %v", err)
	}
	_ = f.ext.CallInto(f.ctx, &active, "ScenesService", "activeSceneId")
	if active != scene2.ID {
		t.Fatalf("expected %q active, got %q", scene2.ID, active)
	}
	// remove is served by the internal Scene behind the public helper
	if _, err := f.ext.Call(f.ctx, scene2.ResourceID, "remove"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = f.ext.CallInto(f.ctx, &active, "ScenesService", "activeSceneId")
	if active != DefaultSceneID {
		t.Fatalf("expected default scene active again, got %q", active)
	}

	_, err := f.ext.Call(f.ctx, "ScenesService", "removeScene", DefaultSceneID)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeInternalError || !strings.Contains(rpcErr.Message, "at least one scene") {
		t.Fatalf("expected last-scene error, got %v", err)
	}
}

func (f *fixture) scenesService(t *testing.T) *ScenesService {
	t.Helper()
	svc, ok := f.rt.Services.Get(ScenesModule)
	if !ok {
		t.Fatalf("scenes service not registered")
	}
	return svc.(*ScenesService)
}

func TestConcurrentRemovalsKeepOneScene(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)
	svc := f.scenesService(t)

	for round := 0; round < 25; round++ {
		if _, err := svc.CreateScene(f.ctx, "Extra"); err != nil {
			t.Fatalf("round %d create: %v", round, err)
		}
		ids := svc.state().order()
		if len(ids) != 2 {
			t.Fatalf("round %d: expected two scenes, got %v", round, ids)
		}
		var wg sync.WaitGroup
		errs := make([]error, len(ids))
		for i, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = svc.RemoveScene(f.ctx, id)
			}()
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				if !errors.Is(err, ErrLastScene) {
					t.Fatalf("round %d: unexpected error %v", round, err)
				}
				failed++
			}
		}
		if failed != 1 {
			t.Fatalf("round %d: expected exactly one removal to fail, got %d", round, failed)
		}
		left := svc.state().order()
		if len(left) != 1 || svc.ActiveSceneID() != left[0] {
			t.Fatalf("round %d: scenes=%v active=%q", round, left, svc.ActiveSceneID())
		}
	}
}

func TestSelectionHelpersWithSameArgsAreEquivalent(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)
	sceneID := rpc.MustResourceID("Scene", DefaultSceneID)

	var img1, img2 map[string]any
	if err := f.ext.CallInto(f.ctx, &img1, sceneID, "addItem", "Image1"); err != nil {
		t.Fatalf("addItem: %v", err)
	}
	if err := f.ext.CallInto(f.ctx, &img2, sceneID, "addItem", "Image2"); err != nil {
		t.Fatalf("addItem: %v", err)
	}
	selID := rpc.MustResourceID("Selection", DefaultSceneID, []string{img1["id"].(string), img2["id"].(string)})

	resolve := func() *Selection {
		t.Helper()
		r, err := f.rt.Internal.Resolve(selID)
		if err != nil {
			t.Fatalf("resolve %s: %v", selID, err)
		}
		sel, ok := r.(*Selection)
		if !ok {
			t.Fatalf("expected *Selection, got %T", r)
		}
		return sel
	}
	a, b := resolve(), resolve()
	if a == b {
		t.Fatalf("expected distinct helper instances")
	}
	if a.ResourceID() != b.ResourceID() {
		t.Fatalf("resource ids differ: %q vs %q", a.ResourceID(), b.ResourceID())
	}
	if diff := cmp.Diff(a.Model(), b.Model()); diff != "" {
		t.Fatalf("models differ (-a +b):\n%s", diff)
	}

	// both read canonical state, so a change is visible through either
	if _, err := f.ext.Call(f.ctx, sceneID, "removeItem", img1["id"]); err != nil {
		t.Fatalf("removeItem: %v", err)
	}
	want := []string{img2["id"].(string)}
	for name, sel := range map[string]*Selection{"a": a, "b": b} {
		if diff := cmp.Diff(want, sel.IDs()); diff != "" {
			t.Fatalf("helper %s is stale (-want +got):\n%s", name, diff)
		}
	}
	if diff := cmp.Diff(a.Model(), b.Model()); diff != "" {
		t.Fatalf("models differ after mutation (-a +b):\n%s", diff)
	}
}

func TestSceneItemsAndSelection(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)
	sceneID := rpc.MustResourceID("Scene", DefaultSceneID)

	var img1, img2 map[string]any
	if err := f.ext.CallInto(f.ctx, &img1, sceneID, "addItem", "Image1"); err != nil {
		t.Fatalf("addItem: %v", err)
	}
	if err := f.ext.CallInto(f.ctx, &img2, sceneID, "addItem", "Image2"); err != nil {
		t.Fatalf("addItem: %v", err)
	}
	var items []map[string]any
	if err := f.ext.CallInto(f.ctx, &items, sceneID, "getItems"); err != nil {
		t.Fatalf("getItems: %v", err)
	}
	if len(items) != 2 || items[0]["name"] != "Image2" || items[1]["name"] != "Image1" {
		t.Fatalf("expected newest first, got %+v", items)
	}

	// Scene -> Selection of all items, two fallback levels below the public helper
	var all []string
	if err := f.ext.CallInto(f.ctx, &all, sceneID, "getIds"); err != nil {
		t.Fatalf("getIds through nested fallback: %v", err)
	}
	if diff := cmp.Diff([]string{img2["id"].(string), img1["id"].(string)}, all); diff != "" {
		t.Fatalf("unexpected ids:\n%s", diff)
	}

	selID := rpc.MustResourceID("Selection", DefaultSceneID, []string{img1["id"].(string), "missing"})
	var ids []string
	if err := f.ext.CallInto(f.ctx, &ids, selID, "getIds"); err != nil {
		t.Fatalf("selection getIds: %v", err)
	}
	if diff := cmp.Diff([]string{img1["id"].(string)}, ids); diff != "" {
		t.Fatalf("selection must filter to live items:\n%s", diff)
	}
	var grown struct {
		ResourceID string   `json:"resourceId"`
		IDs        []string `json:"ids"`
	}
	if err := f.ext.CallInto(f.ctx, &grown, selID, "add", []string{img2["id"].(string)}); err != nil {
		t.Fatalf("selection add: %v", err)
	}
	if len(grown.IDs) != 2 {
		t.Fatalf("expected two selected ids, got %+v", grown)
	}
	var selected bool
	if err := f.ext.CallInto(f.ctx, &selected, grown.ResourceID, "isSelected", img2["id"]); err != nil || !selected {
		t.Fatalf("expected reconstructed selection to hold img2 selected=%v err=%v", selected, err)
	}

	if _, err := f.ext.Call(f.ctx, sceneID, "removeItem", img2["id"]); err != nil {
		t.Fatalf("removeItem: %v", err)
	}
	if err := f.ext.CallInto(f.ctx, &selected, grown.ResourceID, "isSelected", img2["id"]); err != nil || selected {
		t.Fatalf("removed item must not stay selected selected=%v err=%v", selected, err)
	}
}

func TestPublicSceneScheme(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	scheme, err := f.rt.External.Scheme(rpc.MustResourceID("Scene", DefaultSceneID))
	if err != nil {
		t.Fatalf("scheme: %v", err)
	}
	have := make(map[string]bool, len(scheme))
	for _, m := range scheme {
		have[m] = true
	}
	for _, want := range []string{"getModel", "isActive", "addItem", "remove", "getIds", "isSelected"} {
		if !have[want] {
			t.Fatalf("scheme missing %q: %v", want, scheme)
		}
	}
	if _, err := f.rt.External.Resolve(rpc.MustResourceID("Scene", "nope")); !errors.Is(err, rpc.ErrResourceNotFound) {
		t.Fatalf("expected unknown scene to be not found, got %v", err)
	}
}

func TestSceneEventsAndPromise(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	added := make(chan json.RawMessage, 4)
	sub, err := f.ext.Subscribe(f.ctx, "ScenesService", "sceneAdded", func(raw json.RawMessage) { added <- raw })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var created sceneRef
	if err := f.ext.CallInto(f.ctx, &created, "ScenesService", "createSceneAsync", "Later"); err != nil {
		t.Fatalf("createSceneAsync: %v", err)
	}
	if created.Name != "Later" {
		t.Fatalf("unexpected promise result: %+v", created)
	}
	select {
	case raw := <-added:
		var ev map[string]any
		_ = json.Unmarshal(raw, &ev)
		if ev["name"] != "Later" {
			t.Fatalf("unexpected event: %s", raw)
		}
	case <-f.ctx.Done():
		t.Fatalf("no sceneAdded event")
	}
	if err := sub.Unsubscribe(f.ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestMutationsServiceStream(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	records := make(chan jsonrpc.MutationRecord, 4)
	if _, err := f.ext.Subscribe(f.ctx, "MutationsService", "mutationCommitted", func(raw json.RawMessage) {
		var r jsonrpc.MutationRecord
		_ = json.Unmarshal(raw, &r)
		records <- r
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := f.ext.Call(f.ctx, "ScenesService", "createScene", "Observed"); err != nil {
		t.Fatalf("createScene: %v", err)
	}
	select {
	case r := <-records:
		if r.ID != 1 || r.Type != MutAddScene || r.Payload["name"] != "Observed" {
			t.Fatalf("unexpected record: %+v", r)
		}
	case <-f.ctx.Done():
		t.Fatalf("no mutation record")
	}

	var since []jsonrpc.MutationRecord
	if err := f.ext.CallInto(f.ctx, &since, "MutationsService", "getMutationsSince", 0); err != nil {
		t.Fatalf("getMutationsSince: %v", err)
	}
	if len(since) != 1 || since[0].Type != MutAddScene {
		t.Fatalf("unexpected history: %+v", since)
	}
}

func TestFetchMutationsReturnsCommittedRecords(t *testing.T) {
	testlog.Start(t)
	f := startRuntime(t, nil)

	req, _ := jsonrpc.NewRequest("ScenesService", "createScene", "Fetched")
	req.Params.FetchMutations = true
	resp := f.ext.Dispatcher.Dispatch(f.ctx, req)
	if resp.Error != nil {
		t.Fatalf("dispatch: %v", resp.Error)
	}
	if len(resp.Mutations) != 1 || resp.Mutations[0].Type != MutAddScene {
		t.Fatalf("expected the ADD_SCENE record, got %+v", resp.Mutations)
	}
}

func TestServiceRegistryRejectsDuplicatesAndSeedsModules(t *testing.T) {
	testlog.Start(t)
	sr := NewServiceRegistry()
	if err := sr.Register(NewScenesService()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sr.Register(NewScenesService()); !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("expected ErrDuplicateService, got %v", err)
	}
	if diff := cmp.Diff([]string{ScenesModule}, sr.Names()); diff != "" {
		t.Fatalf("unexpected names:\n%s", diff)
	}

	initial := map[string]any{
		ScenesModule: map[string]any{
			"activeSceneId": "intro",
			"displayOrder":  []any{"intro"},
			"scenes":        map[string]any{"intro": map[string]any{"id": "intro", "name": "Intro", "items": []any{}}},
		},
	}
	st, err := store.New(sr.Modules(initial)...)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sub, _ := st.Get(ScenesModule)
	if sub["activeSceneId"] != "intro" {
		t.Fatalf("expected seeded state, got %+v", sub)
	}
}

func TestWindowStoreMatchesOwnerModules(t *testing.T) {
	testlog.Start(t)
	rt, err := NewOwnerRuntime(store.DefaultOwnerConfig(), nil)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	defer rt.Close()
	ws, err := NewWindowStore()
	if err != nil {
		t.Fatalf("window store: %v", err)
	}
	if diff := cmp.Diff(rt.Store.Modules(), ws.Modules()); diff != "" {
		t.Fatalf("module sets differ:\n%s", diff)
	}
}
