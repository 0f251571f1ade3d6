package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/panesync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func itemsModule() Module {
	return Module{
		Name:    "items",
		Initial: func() map[string]any { return map[string]any{"byId": map[string]any{}} },
		Mutations: map[string]Mutator{
			"ADD": func(state map[string]any, payload map[string]any) error {
				id, _ := payload["id"].(string)
				if id == "" {
					return fmt.Errorf("missing id")
				}
				state["byId"].(map[string]any)[id] = payload
				return nil
			},
			"REMOVE": func(state map[string]any, payload map[string]any) error {
				id, _ := payload["id"].(string)
				delete(state["byId"].(map[string]any), id)
				return nil
			},
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(itemsModule())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func startOwner(t *testing.T, cfg OwnerConfig) (*Owner, context.Context) {
	t.Helper()
	owner := NewOwner(newTestStore(t), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- owner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return owner, ctx
}

func newStartedFollower(t *testing.T) *Follower {
	t.Helper()
	f := NewFollower(newTestStore(t), DefaultFollowerConfig())
	if err := f.Start(); err != nil {
		t.Fatalf("start follower: %v", err)
	}
	return f
}

// pump applies n messages from the link to the follower.
func pump(t *testing.T, link *Link, f *Follower, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case msg, ok := <-link.C():
			if !ok {
				t.Fatalf("link closed early: %v", link.Err())
			}
			switch {
			case msg.Snapshot != nil:
				if err := f.LoadSnapshot(*msg.Snapshot); err != nil {
					t.Fatalf("load snapshot: %v", err)
				}
			case msg.Mutation != nil:
				if err := f.Apply(*msg.Mutation); err != nil {
					t.Fatalf("apply: %v", err)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for link message %d", i)
		}
	}
}

func TestNewRejectsDuplicateMutationTypes(t *testing.T) {
	testlog.Start(t)
	other := itemsModule()
	other.Name = "other"
	if _, err := New(itemsModule(), other); !errors.Is(err, ErrDuplicateMutation) {
		t.Fatalf("expected ErrDuplicateMutation, got %v", err)
	}
	if _, err := New(itemsModule(), itemsModule()); !errors.Is(err, ErrDuplicateModule) && !errors.Is(err, ErrDuplicateMutation) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestOwnerCommitAssignsMonotonicIDs(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	for i := 1; i <= 3; i++ {
		m, err := owner.Commit(ctx, "ADD", map[string]any{"id": fmt.Sprintf("x%d", i)})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if m.ID != uint64(i) {
			t.Fatalf("expected id %d got %d", i, m.ID)
		}
	}
	if owner.LastID() != 3 {
		t.Fatalf("unexpected last id %d", owner.LastID())
	}
}

func TestOwnerCommitFailureLeavesStateAndCounter(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	before := owner.Store().State()
	if _, err := owner.Commit(ctx, "ADD", map[string]any{}); err == nil {
		t.Fatalf("expected mutator error")
	}
	if _, err := owner.Commit(ctx, "NOPE", nil); !errors.Is(err, ErrUnknownMutation) {
		t.Fatalf("expected ErrUnknownMutation, got %v", err)
	}
	if owner.LastID() != 0 {
		t.Fatalf("failed commits must not consume ids")
	}
	if diff := cmp.Diff(before, owner.Store().State()); diff != "" {
		t.Fatalf("state changed by failed commit:\n%s", diff)
	}
}

func TestTwoActiveFollowersApplyAdd(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	followers := []*Follower{newStartedFollower(t), newStartedFollower(t)}
	links := make([]*Link, len(followers))
	for i, f := range followers {
		link, err := owner.Attach(ctx, fmt.Sprintf("win-%d", i))
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
		links[i] = link
		pump(t, link, f, 1)
		if f.Phase() != PhaseActive {
			t.Fatalf("follower %d not active: %s", i, f.Phase())
		}
	}

	m, err := owner.Commit(ctx, "ADD", map[string]any{"id": "x"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if m.ID != 1 {
		t.Fatalf("expected mutation id 1, got %d", m.ID)
	}
	for i, f := range followers {
		pump(t, links[i], f, 1)
		items, _ := f.Store().Get("items")
		if _, ok := items["byId"].(map[string]any)["x"]; !ok {
			t.Fatalf("follower %d missing x: %+v", i, items)
		}
	}
}

func TestFollowerConvergesToOwnerAfterSequence(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	f := newStartedFollower(t)
	link, err := owner.Attach(ctx, "win")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	const n = 25
	for i := 0; i < n; i++ {
		typ := "ADD"
		if i%5 == 4 {
			typ = "REMOVE"
		}
		if _, err := owner.Commit(ctx, typ, map[string]any{"id": fmt.Sprintf("k%d", i%7), "n": i}); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	pump(t, link, f, n+1)
	if diff := cmp.Diff(owner.Store().State(), f.Store().State()); diff != "" {
		t.Fatalf("follower diverged (-owner +follower):\n%s", diff)
	}
	if got := f.Status().LastID; got != n {
		t.Fatalf("unexpected follower last id %d", got)
	}
}

func TestFollowerBuffersBeforeSnapshotThenActivates(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	var fifth Mutation
	for i := 1; i <= 5; i++ {
		m, err := owner.Commit(ctx, "ADD", map[string]any{"id": fmt.Sprintf("s%d", i)})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		fifth = m
	}

	f := newStartedFollower(t)
	if err := f.Apply(fifth); err != nil {
		t.Fatalf("apply while awaiting snapshot: %v", err)
	}
	if f.Phase() != PhaseAwaitingSnapshot {
		t.Fatalf("expected awaiting snapshot, got %s", f.Phase())
	}

	snap, err := owner.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.LastID != 5 {
		t.Fatalf("unexpected snapshot last id %d", snap.LastID)
	}
	if err := f.LoadSnapshot(snap); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if f.Phase() != PhaseActive {
		t.Fatalf("expected active, got %s", f.Phase())
	}
	if diff := cmp.Diff(owner.Store().State(), f.Store().State()); diff != "" {
		t.Fatalf("follower diverged:\n%s", diff)
	}
}

func TestSnapshotPlusReplayedLogIsNoop(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	for i := 0; i < 10; i++ {
		if _, err := owner.Commit(ctx, "ADD", map[string]any{"id": fmt.Sprintf("k%d", i)}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	snap, _ := owner.Snapshot(ctx)
	history, err := owner.MutationsSince(ctx, 0)
	if err != nil {
		t.Fatalf("mutations since: %v", err)
	}

	f := newStartedFollower(t)
	if err := f.LoadSnapshot(snap); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if err := f.ApplyBatch(history); err != nil {
		t.Fatalf("replay history: %v", err)
	}
	if diff := cmp.Diff(snap.State, f.Store().State()); diff != "" {
		t.Fatalf("replay changed snapshot state:\n%s", diff)
	}
}

func TestFollowerGapTriggersResync(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	if err := f.LoadSnapshot(Snapshot{LastID: 2, State: map[string]any{"items": map[string]any{"byId": map[string]any{}}}}); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	err := f.Apply(Mutation{ID: 4, Type: "ADD", Payload: map[string]any{"id": "late"}})
	if !errors.Is(err, ErrMutationGap) {
		t.Fatalf("expected ErrMutationGap, got %v", err)
	}
	st := f.Status()
	if st.Phase != PhaseAwaitingSnapshot || st.Resyncs != 1 {
		t.Fatalf("unexpected status after gap: %+v", st)
	}
	items, _ := f.Store().Get("items")
	if len(items["byId"].(map[string]any)) != 0 {
		t.Fatalf("gap mutation must not be applied")
	}
}

func TestFollowerSkipsDuplicates(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	_ = f.LoadSnapshot(Snapshot{LastID: 0, State: map[string]any{"items": map[string]any{"byId": map[string]any{}}}})
	m := Mutation{ID: 1, Type: "ADD", Payload: map[string]any{"id": "a"}}
	if err := f.Apply(m); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := f.Apply(m); err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if f.Status().LastID != 1 {
		t.Fatalf("unexpected last id")
	}
}

func TestFollowerRefusesCommit(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	if _, err := f.Commit(context.Background(), "ADD", map[string]any{"id": "x"}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestFollowerObserversSeeReplayedMutations(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	_ = f.LoadSnapshot(Snapshot{State: map[string]any{"items": map[string]any{"byId": map[string]any{}}}})
	var seen []Mutation
	cancel := f.Observe(func(m Mutation) { seen = append(seen, m) })
	defer cancel()
	_ = f.Apply(Mutation{ID: 1, Type: "ADD", Payload: map[string]any{"id": "a"}})
	if len(seen) != 1 || !seen[0].Replayed {
		t.Fatalf("expected one replayed mutation, got %+v", seen)
	}
}

func TestFollowerObserverMayReadStatus(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	_ = f.LoadSnapshot(Snapshot{State: map[string]any{"items": map[string]any{"byId": map[string]any{}}}})
	var seen []FollowerStatus
	cancel := f.Observe(func(Mutation) { seen = append(seen, f.Status()) })
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.ApplyBatch([]Mutation{
			{ID: 1, Type: "ADD", Payload: map[string]any{"id": "a"}},
			{ID: 2, Type: "ADD", Payload: map[string]any{"id": "b"}},
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("apply batch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("observer calling Status deadlocked")
	}
	if len(seen) != 2 || seen[1].LastID != 2 || seen[1].Phase != PhaseActive {
		t.Fatalf("unexpected statuses seen by observer: %+v", seen)
	}
}

func TestFollowerRefusesOlderSnapshotUntilResync(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	empty := map[string]any{"items": map[string]any{"byId": map[string]any{}}}
	_ = f.LoadSnapshot(Snapshot{LastID: 0, State: empty})
	for i, id := range []string{"a", "b", "c"} {
		if err := f.Apply(Mutation{ID: uint64(i + 1), Type: "ADD", Payload: map[string]any{"id": id}}); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}

	restarted := map[string]any{"items": map[string]any{"byId": map[string]any{"z": map[string]any{"id": "z"}}}}
	if err := f.LoadSnapshot(Snapshot{LastID: 1, State: restarted}); !errors.Is(err, ErrSnapshotBack) {
		t.Fatalf("expected ErrSnapshotBack, got %v", err)
	}

	// a new owner session starts a new timeline
	f.Resync("session")
	if phase := f.Phase(); phase != PhaseAwaitingSnapshot {
		t.Fatalf("expected awaiting_snapshot, got %s", phase)
	}
	if err := f.LoadSnapshot(Snapshot{LastID: 1, State: restarted}); err != nil {
		t.Fatalf("load snapshot after resync: %v", err)
	}
	if err := f.Apply(Mutation{ID: 2, Type: "ADD", Payload: map[string]any{"id": "y"}}); err != nil {
		t.Fatalf("apply on new timeline: %v", err)
	}
	want := map[string]any{"items": map[string]any{"byId": map[string]any{
		"z": map[string]any{"id": "z"},
		"y": map[string]any{"id": "y"},
	}}}
	if diff := cmp.Diff(want, f.Store().State()); diff != "" {
		t.Fatalf("replica kept the old timeline (-want +got):\n%s", diff)
	}
	if st := f.Status(); st.LastID != 2 || st.Resyncs != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLinkOverflowClosesLink(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, OwnerConfig{LinkQueueSize: 2, LogSize: 16})
	link, err := owner.Attach(ctx, "slow")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := owner.Commit(ctx, "ADD", map[string]any{"id": fmt.Sprintf("k%d", i)}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	for range link.C() {
	}
	if !errors.Is(link.Err(), ErrLinkOverflow) {
		t.Fatalf("expected overflow, got %v", link.Err())
	}
	links, _ := owner.Links(ctx)
	if len(links) != 0 {
		t.Fatalf("overflowed link still attached: %v", links)
	}
}

func TestMutationsSinceTruncated(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, OwnerConfig{LinkQueueSize: 8, LogSize: 2})
	for i := 0; i < 4; i++ {
		if _, err := owner.Commit(ctx, "ADD", map[string]any{"id": fmt.Sprintf("k%d", i)}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	if _, err := owner.MutationsSince(ctx, 0); !errors.Is(err, ErrLogTruncated) {
		t.Fatalf("expected ErrLogTruncated, got %v", err)
	}
	tail, err := owner.MutationsSince(ctx, 3)
	if err != nil || len(tail) != 1 || tail[0].ID != 4 {
		t.Fatalf("unexpected tail: %+v err=%v", tail, err)
	}
}

func TestRequestSnapshotOrderedAfterMutations(t *testing.T) {
	testlog.Start(t)
	owner, ctx := startOwner(t, DefaultOwnerConfig())
	link, _ := owner.Attach(ctx, "win")
	_, _ = owner.Commit(ctx, "ADD", map[string]any{"id": "a"})
	if err := owner.RequestSnapshot(ctx, "win"); err != nil {
		t.Fatalf("request snapshot: %v", err)
	}
	var kinds []string
	for i := 0; i < 3; i++ {
		msg := <-link.C()
		if msg.Snapshot != nil {
			kinds = append(kinds, fmt.Sprintf("snap@%d", msg.Snapshot.LastID))
		} else {
			kinds = append(kinds, fmt.Sprintf("mut@%d", msg.Mutation.ID))
		}
	}
	if diff := cmp.Diff([]string{"snap@0", "mut@1", "snap@1"}, kinds); diff != "" {
		t.Fatalf("unexpected link order:\n%s", diff)
	}
	if err := owner.RequestSnapshot(ctx, "missing"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
}

func TestNormalizeProducesJSONShape(t *testing.T) {
	testlog.Start(t)
	type payload struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	got, err := Normalize(payload{ID: "a", Count: 3})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"id": "a", "count": float64(3)}, got); diff != "" {
		t.Fatalf("unexpected shape:\n%s", diff)
	}
	if _, err := Normalize([]string{"not", "object"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestFollowerApplyBatchLeavesAheadRecordsToLink(t *testing.T) {
	testlog.Start(t)
	f := newStartedFollower(t)
	if err := f.LoadSnapshot(Snapshot{LastID: 1, State: map[string]any{"items": map[string]any{"byId": map[string]any{}}}}); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	batch := []Mutation{
		{ID: 1, Type: "ADD", Payload: map[string]any{"id": "dup"}},
		{ID: 2, Type: "ADD", Payload: map[string]any{"id": "b"}},
		{ID: 4, Type: "ADD", Payload: map[string]any{"id": "d"}},
	}
	if err := f.ApplyBatch(batch); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	st := f.Status()
	if st.Phase != PhaseActive || st.LastID != 2 || st.Resyncs != 0 {
		t.Fatalf("unexpected status after batch: %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waited := make(chan error, 1)
	go func() { waited <- f.WaitApplied(ctx, 4) }()
	for _, m := range []Mutation{
		{ID: 3, Type: "ADD", Payload: map[string]any{"id": "c"}},
		{ID: 4, Type: "ADD", Payload: map[string]any{"id": "d"}},
	} {
		if err := f.Apply(m); err != nil {
			t.Fatalf("apply %d: %v", m.ID, err)
		}
	}
	if err := <-waited; err != nil {
		t.Fatalf("wait applied: %v", err)
	}
}
