package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/navigatorhq/navigator/pkg/config"
	"github.com/navigatorhq/navigator/pkg/core"
	"github.com/navigatorhq/navigator/pkg/effects"
	"github.com/navigatorhq/navigator/pkg/fsm"
	"github.com/navigatorhq/navigator/pkg/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.ShardCount = 4
	cfg.CleanupIntervalMs = 60_000
	cfg.EffectWorkerPool = 8
	cfg.SubscriberDeadlineMs = 500
	cfg.Log.Level = "error"
	return cfg
}

func doorKind(t *testing.T) *fsm.KindDefinition {
	t.Helper()
	def, err := fsm.NewKind("SmartDoor").
		States("closed", "opening", "open", "closing", "emergency_lock").
		Initial("closed").
		Transition("closed", "open_command", "opening").
		Transition("opening", "fully_open", "open").
		Transition("opening", "obstruction", "closed").
		Transition("open", "close_command", "closing").
		Transition("closing", "fully_closed", "closed").
		Transition("closing", "obstruction", "opening").
		Build()
	if err != nil {
		t.Fatalf("failed to build door kind: %v", err)
	}
	return def
}

func newTestManager(t *testing.T, defs ...*fsm.KindDefinition) (*Manager, config.Config) {
	t.Helper()
	cfg := testConfig(t)
	kinds := fsm.NewKindRegistry()
	for _, def := range defs {
		if err := kinds.Register(def); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	mgr, err := New(Options{Config: cfg, Kinds: kinds, Logger: core.NopLogger()})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr, cfg
}

func TestDoorLifecycleEndToEnd(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))

	id, err := mgr.CreateFSM("SmartDoor", map[string]interface{}{}, "tenant-a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	steps := []struct {
		event string
		want  string
	}{
		{"open_command", "opening"},
		{"fully_open", "open"},
		{"close_command", "closing"},
		{"fully_closed", "closed"},
	}
	for i, step := range steps {
		view, err := mgr.SendEvent(id, step.event, nil)
		if err != nil {
			t.Fatalf("event %s failed: %v", step.event, err)
		}
		if view.State != step.want {
			t.Fatalf("after %s: expected %s, got %s", step.event, step.want, view.State)
		}
		if view.Version != int64(i+1) {
			t.Fatalf("after %s: expected version %d, got %d", step.event, i+1, view.Version)
		}
	}

	perf, err := mgr.GetFSMMetrics(id)
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if perf.TransitionCount != 4 {
		t.Errorf("expected transition_count 4, got %d", perf.TransitionCount)
	}

	records, err := mgr.EventHistory(id, store.ListOptions{})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].Type != store.RecordCreated {
		t.Errorf("first record must be created, got %s", records[0].Type)
	}
	for i, rec := range records[1:] {
		if rec.Type != store.RecordTransition {
			t.Errorf("record %d: expected transition, got %s", i+1, rec.Type)
		}
	}
}

func TestCreateUnknownKind(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))
	_, err := mgr.CreateFSM("Ghost", nil, "tenant-a")
	if core.ReasonOf(err) != core.ReasonKindUnknown {
		t.Fatalf("expected kind_unknown, got %v", err)
	}
}

func TestSendEventNotFound(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))
	_, err := mgr.SendEvent("missing", "open_command", nil)
	if core.ReasonOf(err) != core.ReasonNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))

	idA1, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	idA2, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	idB, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-b")

	listA := mgr.ListByTenant("tenant-a")
	if len(listA) != 2 {
		t.Fatalf("expected 2 instances for tenant-a, got %d", len(listA))
	}
	for _, s := range listA {
		if s.ID != idA1 && s.ID != idA2 {
			t.Errorf("foreign instance %s in tenant-a listing", s.ID)
		}
	}
	listB := mgr.ListByTenant("tenant-b")
	if len(listB) != 1 || listB[0].ID != idB {
		t.Fatalf("unexpected tenant-b listing: %v", listB)
	}
	if got := mgr.ListByTenant("tenant-c"); len(got) != 0 {
		t.Errorf("empty tenant returned %v", got)
	}
}

func lockdownKind(t *testing.T) *fsm.KindDefinition {
	t.Helper()
	def, err := fsm.NewKind("LockdownDoor").
		States("closed", "emergency_lock").
		Initial("closed").
		Transition("emergency_lock", "release", "closed").
		OnBroadcast(func(inst *fsm.Instance, eventType string, payload map[string]interface{}) (*fsm.Instance, error) {
			if eventType != "emergency_lock" {
				return inst, nil
			}
			next := inst.Clone()
			next.CurrentState = "emergency_lock"
			return next, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("failed to build lockdown kind: %v", err)
	}
	return def
}

func TestBroadcastDrivenEmergency(t *testing.T) {
	mgr, _ := newTestManager(t, lockdownKind(t))

	id1, _ := mgr.CreateFSM("LockdownDoor", nil, "tenant-a")
	id2, _ := mgr.CreateFSM("LockdownDoor", nil, "tenant-a")
	idOther, _ := mgr.CreateFSM("LockdownDoor", nil, "tenant-b")

	count, err := mgr.Broadcast("emergency_lock", map[string]interface{}{"cause": "drill"}, "tenant-a")
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 deliveries, got %d", count)
	}

	for _, id := range []string{id1, id2} {
		view, err := mgr.GetFSMState(id)
		if err != nil {
			t.Fatalf("state failed: %v", err)
		}
		if view.State != "emergency_lock" {
			t.Errorf("instance %s: expected emergency_lock, got %s", id, view.State)
		}
	}
	view, _ := mgr.GetFSMState(idOther)
	if view.State != "closed" {
		t.Errorf("broadcast crossed the tenant boundary: %s", view.State)
	}
}

func TestCreateDestroyLeavesNoTrace(t *testing.T) {
	mgr, cfg := newTestManager(t, doorKind(t))

	id, err := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := mgr.DestroyFSM(id); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	if _, err := mgr.GetFSMState(id); core.ReasonOf(err) != core.ReasonNotFound {
		t.Errorf("expected not_found after destroy, got %v", err)
	}
	if err := mgr.DestroyFSM(id); core.ReasonOf(err) != core.ReasonNotFound {
		t.Errorf("second destroy must be not_found, got %v", err)
	}

	blobs, _ := store.NewBlobStore(cfg.DataRoot)
	if blobs.Exists(blobs.SnapshotPath("tenant-a", "SmartDoor", id)) {
		t.Error("snapshot survived destroy")
	}

	// The event log keeps the lifecycle.
	log := store.NewEventLog(blobs, nil)
	defer log.Close()
	records, err := log.List("tenant-a", "SmartDoor", id, store.ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 || records[0].Type != store.RecordCreated || records[1].Type != store.RecordDestroyed {
		t.Errorf("expected created+destroyed, got %v", records)
	}
}

func watcherKind(t *testing.T, fail bool) *fsm.KindDefinition {
	t.Helper()
	def, err := fsm.NewKind("Watcher").
		States("idle", "alerted").
		Initial("idle").
		Transition("alerted", "ack", "idle").
		OnExternal(func(inst *fsm.Instance, source fsm.Source, eventType string, payload map[string]interface{}) (*fsm.Instance, error) {
			if fail {
				return nil, errors.New("watcher bug")
			}
			next := inst.Clone()
			next.CurrentState = "alerted"
			next.Data["last_event"] = payload["event"]
			next.Data["source"] = source.ID
			return next, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("failed to build watcher kind: %v", err)
	}
	return def
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSubscriberNotification(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t), watcherKind(t, false))

	sourceID, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	watcherID, _ := mgr.CreateFSM("Watcher", nil, "tenant-a")

	if err := mgr.Subscribe(sourceID, watcherID); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := mgr.SendEvent(sourceID, "open_command", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		view, err := mgr.GetFSMState(watcherID)
		return err == nil && view.State == "alerted"
	})
	if !ok {
		t.Fatal("subscriber never observed the state change")
	}
	view, _ := mgr.GetFSMState(watcherID)
	if view.Data["last_event"] != "open_command" {
		t.Errorf("payload lost: %v", view.Data)
	}
	if view.Data["source"] != sourceID {
		t.Errorf("source identity lost: %v", view.Data)
	}
}

func TestSubscriberFailureDoesNotAffectSource(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t), watcherKind(t, true))

	sourceID, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	watcherID, _ := mgr.CreateFSM("Watcher", nil, "tenant-a")
	if err := mgr.Subscribe(sourceID, watcherID); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	view, err := mgr.SendEvent(sourceID, "open_command", nil)
	if err != nil {
		t.Fatalf("a failing subscriber must not fail the transition: %v", err)
	}
	if view.State != "opening" {
		t.Errorf("expected opening, got %s", view.State)
	}

	time.Sleep(100 * time.Millisecond)
	wView, _ := mgr.GetFSMState(watcherID)
	if wView.State != "idle" {
		t.Errorf("failing handler must leave the watcher unchanged, got %s", wView.State)
	}
}

func TestSubscriberCannotMutateSourceData(t *testing.T) {
	vandal, err := fsm.NewKind("Vandal").
		States("idle", "done").
		Initial("idle").
		Transition("done", "reset", "idle").
		OnExternal(func(inst *fsm.Instance, source fsm.Source, eventType string, payload map[string]interface{}) (*fsm.Instance, error) {
			if data, ok := payload["data"].(map[string]interface{}); ok {
				data["hacked"] = true
			}
			next := inst.Clone()
			next.CurrentState = "done"
			return next, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	mgr, _ := newTestManager(t, doorKind(t), vandal)

	sourceID, _ := mgr.CreateFSM("SmartDoor", map[string]interface{}{"clean": true}, "tenant-a")
	subID, _ := mgr.CreateFSM("Vandal", nil, "tenant-a")
	if err := mgr.Subscribe(sourceID, subID); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := mgr.SendEvent(sourceID, "open_command", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		view, err := mgr.GetFSMState(subID)
		return err == nil && view.State == "done"
	})
	if !ok {
		t.Fatal("subscriber never handled the notification")
	}

	view, err := mgr.GetFSMState(sourceID)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if _, ok := view.Data["hacked"]; ok {
		t.Error("subscriber handler mutated the source instance's data")
	}
	if view.Data["clean"] != true {
		t.Errorf("source data lost: %v", view.Data)
	}
}

func TestStateViewDataIsACopy(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))
	id, _ := mgr.CreateFSM("SmartDoor", map[string]interface{}{"site": "hq"}, "tenant-a")

	view, _ := mgr.GetFSMState(id)
	view.Data["injected"] = true

	again, _ := mgr.GetFSMState(id)
	if _, ok := again.Data["injected"]; ok {
		t.Error("caller writes to a view reached the registered instance")
	}

	sent, err := mgr.SendEvent(id, "open_command", nil)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	sent.Data["also_injected"] = true
	again, _ = mgr.GetFSMState(id)
	if _, ok := again.Data["also_injected"]; ok {
		t.Error("caller writes to a transition view reached the registered instance")
	}
}

func TestSlowSubscriberDoesNotBlockItsOwnTransitions(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubscriberDeadlineMs = 150

	slow, err := fsm.NewKind("SlowWatcher").
		States("idle", "busy", "alerted").
		Initial("idle").
		Transition("idle", "poke", "busy").
		Transition("alerted", "ack", "idle").
		OnExternal(func(inst *fsm.Instance, _ fsm.Source, _ string, _ map[string]interface{}) (*fsm.Instance, error) {
			time.Sleep(600 * time.Millisecond)
			next := inst.Clone()
			next.CurrentState = "alerted"
			return next, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	kinds := fsm.NewKindRegistry()
	if err := kinds.Register(doorKind(t)); err != nil {
		t.Fatal(err)
	}
	if err := kinds.Register(slow); err != nil {
		t.Fatal(err)
	}
	mgr, err := New(Options{Config: cfg, Kinds: kinds, Logger: core.NopLogger()})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	sourceID, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	watcherID, _ := mgr.CreateFSM("SlowWatcher", nil, "tenant-a")
	if err := mgr.Subscribe(sourceID, watcherID); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := mgr.SendEvent(sourceID, "open_command", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// Past the delivery deadline, handler still sleeping.
	time.Sleep(250 * time.Millisecond)

	started := time.Now()
	view, err := mgr.SendEvent(watcherID, "poke", nil)
	if err != nil {
		t.Fatalf("an abandoned handler must not block the subscriber: %v", err)
	}
	if view.State != "busy" {
		t.Errorf("expected busy, got %s", view.State)
	}
	if elapsed := time.Since(started); elapsed > 300*time.Millisecond {
		t.Errorf("transition waited %s on an abandoned handler", elapsed)
	}

	// Once the handler finally returns, its stale result must be discarded.
	time.Sleep(500 * time.Millisecond)
	view, _ = mgr.GetFSMState(watcherID)
	if view.State != "busy" {
		t.Errorf("late handler result overwrote the state: %s", view.State)
	}
}

func TestSubscriberHandlerReentersManager(t *testing.T) {
	var mgr *Manager
	echo, err := fsm.NewKind("Echo").
		States("idle", "echoed").
		Initial("idle").
		Transition("idle", "mark", "echoed").
		OnExternal(func(inst *fsm.Instance, source fsm.Source, _ string, payload map[string]interface{}) (*fsm.Instance, error) {
			if payload["event"] != "open_command" {
				return inst, nil
			}
			// Answer the source from within the callback.
			if _, err := mgr.SendEvent(source.ID, "fully_open", nil); err != nil {
				return nil, err
			}
			next := inst.Clone()
			next.CurrentState = "echoed"
			return next, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	mgr, _ = newTestManager(t, doorKind(t), echo)

	sourceID, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	echoID, _ := mgr.CreateFSM("Echo", nil, "tenant-a")
	if err := mgr.Subscribe(sourceID, echoID); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := mgr.SendEvent(sourceID, "open_command", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		src, err1 := mgr.GetFSMState(sourceID)
		sub, err2 := mgr.GetFSMState(echoID)
		return err1 == nil && err2 == nil && src.State == "open" && sub.State == "echoed"
	})
	if !ok {
		src, _ := mgr.GetFSMState(sourceID)
		sub, _ := mgr.GetFSMState(echoID)
		t.Fatalf("callback re-entry never completed: source=%s subscriber=%s", src.State, sub.State)
	}
}

func TestBatchSendEvents(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))

	id1, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")
	id2, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-b")

	results := mgr.BatchSendEvents([]BatchItem{
		{InstanceID: id1, Event: "open_command"},
		{InstanceID: "ghost", Event: "open_command"},
		{InstanceID: id2, Event: "open_command"},
		{InstanceID: id1, Event: "fully_open"},
	})
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].View.State != "opening" {
		t.Errorf("item 0: %+v", results[0])
	}
	if results[1].Reason != core.ReasonNotFound {
		t.Errorf("item 1: expected not_found, got %v", results[1].Reason)
	}
	if results[2].Err != nil || results[2].View.State != "opening" {
		t.Errorf("item 2: %+v", results[2])
	}
	if results[3].Err != nil || results[3].View.State != "open" {
		t.Errorf("item 3: %+v", results[3])
	}
}

func TestPutGetDataUnderLock(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))
	id, _ := mgr.CreateFSM("SmartDoor", nil, "tenant-a")

	if err := mgr.PutData(id, "badge", "A-17"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	v, ok, err := mgr.GetData(id, "badge")
	if err != nil || !ok || v != "A-17" {
		t.Fatalf("get returned %v ok=%v err=%v", v, ok, err)
	}

	view, _ := mgr.GetFSMState(id)
	if view.Version != 0 {
		t.Errorf("put_data must not bump the version, got %d", view.Version)
	}
}

func TestStatsCountsShards(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t))
	for i := 0; i < 5; i++ {
		if _, err := mgr.CreateFSM("SmartDoor", nil, "tenant-a"); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	stats := mgr.Stats()
	if stats.Total != 5 {
		t.Errorf("expected total 5, got %d", stats.Total)
	}
	sum := 0
	for _, c := range stats.InstanceCountPerShard {
		sum += c
	}
	if sum != 5 {
		t.Errorf("per-shard counts sum to %d", sum)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	kinds := fsm.NewKindRegistry()
	if err := kinds.Register(doorKind(t)); err != nil {
		t.Fatal(err)
	}
	mgr, err := New(Options{Config: cfg, Kinds: kinds, Logger: core.NopLogger()})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}

	id, _ := mgr.CreateFSM("SmartDoor", map[string]interface{}{"site": "hq"}, "tenant-a")
	if _, err := mgr.SendEvent(id, "open_command", map[string]interface{}{"by": "ops"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	before, _ := mgr.GetFSMState(id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	blobs, _ := store.NewBlobStore(cfg.DataRoot)
	var inst fsm.Instance
	if err := blobs.ReadJSON(blobs.SnapshotPath("tenant-a", "SmartDoor", id), &inst); err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}
	if inst.ID != id || inst.TenantID != "tenant-a" || inst.Kind != "SmartDoor" {
		t.Errorf("identity fields lost: %+v", inst)
	}
	if inst.CurrentState != before.State || inst.Metadata.Version != before.Version {
		t.Errorf("state fields lost: %+v vs %+v", inst, before)
	}
	if inst.Data["site"] != "hq" || inst.Data["by"] != "ops" {
		t.Errorf("data lost: %v", inst.Data)
	}
	if inst.Performance.TransitionCount != 1 {
		t.Errorf("performance lost: %+v", inst.Performance)
	}
}

func TestRecoveryReplaysLogTail(t *testing.T) {
	cfg := testConfig(t)
	kinds := fsm.NewKindRegistry()
	if err := kinds.Register(doorKind(t)); err != nil {
		t.Fatal(err)
	}

	mgr1, err := New(Options{Config: cfg, Kinds: kinds, Logger: core.NopLogger()})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	id, _ := mgr1.CreateFSM("SmartDoor", nil, "tenant-a")
	if _, err := mgr1.SendEvent(id, "open_command", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr1.SendEvent(id, "fully_open", nil); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr1.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Age the snapshot back to creation time so recovery must replay the
	// logged transitions on top.
	blobs, _ := store.NewBlobStore(cfg.DataRoot)
	path := blobs.SnapshotPath("tenant-a", "SmartDoor", id)
	var stale fsm.Instance
	if err := blobs.ReadJSON(path, &stale); err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}
	stale.CurrentState = "closed"
	stale.Metadata.Version = 0
	stale.Performance.TransitionCount = 0
	if err := blobs.WriteJSON(path, &stale); err != nil {
		t.Fatalf("snapshot write failed: %v", err)
	}

	kinds2 := fsm.NewKindRegistry()
	if err := kinds2.Register(doorKind(t)); err != nil {
		t.Fatal(err)
	}
	mgr2, err := New(Options{Config: cfg, Kinds: kinds2, Logger: core.NopLogger()})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr2.Close(ctx)
	})

	recovered, err := mgr2.Recover()
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered instance, got %d", recovered)
	}

	view, err := mgr2.GetFSMState(id)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if view.State != "open" {
		t.Errorf("replay should reach open, got %s", view.State)
	}
	if view.Version != 2 {
		t.Errorf("replay should reach version 2, got %d", view.Version)
	}
}

func TestDestroyCancelsEntryEffects(t *testing.T) {
	def, err := fsm.NewKind("SlowEffect").
		States("idle", "busy").
		Initial("idle").
		Transition("idle", "start", "busy").
		EntryEffect("busy", effects.Delay(10_000)).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	mgr, _ := newTestManager(t, def)

	id, _ := mgr.CreateFSM("SlowEffect", nil, "tenant-a")
	if _, err := mgr.SendEvent(id, "start", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := mgr.DestroyFSM(id); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return mgr.Engine().GetMetrics()[string(effects.KindDelay)].Cancelled >= 1
	})
	if !ok {
		t.Error("entry effect was not cancelled by destroy")
	}
}

func TestAvailableKinds(t *testing.T) {
	mgr, _ := newTestManager(t, doorKind(t), watcherKind(t, false))
	infos := mgr.AvailableKinds()
	if len(infos) != 2 {
		t.Fatalf("expected 2 kinds, got %d", len(infos))
	}
	if infos[0].Name != "SmartDoor" || infos[1].Name != "Watcher" {
		t.Errorf("unexpected order: %v", infos)
	}
}

func TestDeliveryGuardDropsDuplicates(t *testing.T) {
	g := newDeliveryGuard()
	key := deliveryKey("src", 3, "sub")
	if !g.firstDelivery(key) {
		t.Fatal("first delivery must pass")
	}
	if g.firstDelivery(key) {
		t.Fatal("duplicate delivery must be dropped")
	}
	if !g.firstDelivery(deliveryKey("src", 4, "sub")) {
		t.Fatal("a new version is a new delivery")
	}
}
