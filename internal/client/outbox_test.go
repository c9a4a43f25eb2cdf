package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"habitd/internal/core"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func enqueue(t *testing.T, o *Outbox, op OpKind, entityID, method, endpoint string, payload string) *Mutation {
	t.Helper()
	m := &Mutation{
		Entity:   core.EntityTask,
		Op:       op,
		EntityID: entityID,
		Method:   method,
		Endpoint: endpoint,
		Payload:  json.RawMessage(payload),
	}
	if err := o.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return m
}

func TestOutboxFIFO(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	first := enqueue(t, o, OpCreate, "tmp-1", "POST", "/v1/tasks", `{"title":"a"}`)
	second := enqueue(t, o, OpUpdate, "tmp-1", "PATCH", "/v1/tasks/tmp-1", `{"title":"b"}`)
	third := enqueue(t, o, OpCreate, "tmp-2", "POST", "/v1/tasks", `{"title":"c"}`)

	if first.Seq >= second.Seq || second.Seq >= third.Seq {
		t.Errorf("sequence not monotonic: %d %d %d", first.Seq, second.Seq, third.Seq)
	}

	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch = %d, want 3", len(batch))
	}
	for i, want := range []string{first.ID, second.ID, third.ID} {
		if batch[i].ID != want {
			t.Errorf("batch[%d] = %s, want %s", i, batch[i].ID, want)
		}
	}

	limited, err := o.NextBatch(ctx, 2)
	if err != nil {
		t.Fatalf("limited batch: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != first.ID {
		t.Errorf("limited batch = %d entries starting %s", len(limited), limited[0].ID)
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	state, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	enqueue(t, state.Outbox, OpCreate, "tmp-1", "POST", "/v1/tasks", `{}`)
	if err := state.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Outbox.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count after reopen = %d, want 1", count)
	}
}

func TestReopenResetsInProgress(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	state, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := enqueue(t, state.Outbox, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{}`)
	// Simulate a crash between marking and the replay outcome.
	if err := state.Outbox.MarkInProgress(ctx, m.ID); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if err := state.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	batch, err := reopened.Outbox.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != m.ID {
		t.Errorf("batch after reopen = %v, want the stranded mutation back in pending", batch)
	}
}

func TestMarkSucceededRemoves(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	m := enqueue(t, o, OpCreate, "tmp-1", "POST", "/v1/tasks", `{}`)
	if err := o.MarkSucceeded(ctx, m.ID); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	count, err := o.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	if err := o.MarkSucceeded(ctx, m.ID); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("second remove err = %v, want ErrMutationNotFound", err)
	}
}

func TestRecordFailureTransitions(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()
	m := enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{}`)

	const maxRetries = 3
	for i := 1; i < maxRetries; i++ {
		terminal, err := o.RecordFailure(ctx, m.ID, maxRetries)
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if terminal {
			t.Fatalf("failure %d reported terminal before budget exhausted", i)
		}
	}
	terminal, err := o.RecordFailure(ctx, m.ID, maxRetries)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if !terminal {
		t.Error("final failure not reported terminal")
	}

	failed, err := o.CountFailed(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}

	// Failed entries are excluded from the next pass.
	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("batch = %d, want 0", len(batch))
	}
}

func TestRetryFailedResetsBudget(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()
	m := enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{}`)

	if _, err := o.RecordFailure(ctx, m.ID, 1); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	n, err := o.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("retried = %d, want 1", n)
	}

	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].Retries != 0 {
		t.Errorf("batch = %+v, want one pending entry with fresh budget", batch)
	}
}

func TestRewriteTempIDAcrossQueue(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	enqueue(t, o, OpUpdate, "tmp-1", "PATCH", "/v1/tasks/tmp-1", `{"parentId":"tmp-1"}`)
	enqueue(t, o, OpCreate, "tmp-2", "POST", "/v1/tasks", `{"parentId":"tmp-1","title":"child"}`)

	if err := o.RewriteTempID(ctx, "tmp-1", "srv-9"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if batch[0].EntityID != "srv-9" || batch[0].Endpoint != "/v1/tasks/srv-9" {
		t.Errorf("first mutation = %s %s", batch[0].EntityID, batch[0].Endpoint)
	}
	var payload map[string]string
	if err := json.Unmarshal(batch[1].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["parentId"] != "srv-9" {
		t.Errorf("payload parentId = %q, want srv-9", payload["parentId"])
	}
	if batch[1].EntityID != "tmp-2" {
		t.Errorf("unrelated entity id rewritten to %q", batch[1].EntityID)
	}
}

func TestCollapseCreateThenDelete(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	enqueue(t, o, OpCreate, "tmp-1", "POST", "/v1/tasks", `{"title":"a"}`)
	enqueue(t, o, OpUpdate, "tmp-1", "PATCH", "/v1/tasks/tmp-1", `{"title":"b"}`)
	enqueue(t, o, OpDelete, "tmp-1", "DELETE", "/v1/tasks/tmp-1", ``)
	keeper := enqueue(t, o, OpCreate, "tmp-2", "POST", "/v1/tasks", `{"title":"kept"}`)

	dropped, err := o.Collapse(ctx)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}

	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != keeper.ID {
		t.Errorf("surviving batch = %+v, want only tmp-2 create", batch)
	}
}

func TestCollapseSyncedEntityDeleteNotDropped(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	// srv-1 exists on the server; the delete must replay.
	enqueue(t, o, OpUpdate, "srv-1", "PATCH", "/v1/tasks/srv-1", `{"title":"x"}`)
	enqueue(t, o, OpDelete, "srv-1", "DELETE", "/v1/tasks/srv-1", ``)

	dropped, err := o.Collapse(ctx)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestCollapseAdjacentUpdatesMergePayloads(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	// Updates are partial patches: the survivor must carry both edits.
	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"title":"renamed offline"}`)
	newest := enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"notes":"remember the milk"}`)

	dropped, err := o.Collapse(ctx)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != newest.ID {
		t.Fatalf("survivor = %v, want the newest update", batch)
	}
	var payload map[string]string
	if err := json.Unmarshal(batch[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal merged payload: %v", err)
	}
	if payload["title"] != "renamed offline" {
		t.Errorf("merged title = %q, the older edit was lost", payload["title"])
	}
	if payload["notes"] != "remember the milk" {
		t.Errorf("merged notes = %q", payload["notes"])
	}
}

func TestCollapseUpdateChainNewerFieldsWin(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"title":"v1","section":"inbox"}`)
	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"notes":"n"}`)
	newest := enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"title":"v3"}`)

	dropped, err := o.Collapse(ctx)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	batch, err := o.NextBatch(ctx, 0)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != newest.ID {
		t.Fatalf("survivor = %v, want the newest update", batch)
	}
	var payload map[string]string
	if err := json.Unmarshal(batch[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal merged payload: %v", err)
	}
	want := map[string]string{"title": "v3", "section": "inbox", "notes": "n"}
	for k, v := range want {
		if payload[k] != v {
			t.Errorf("merged %s = %q, want %q", k, payload[k], v)
		}
	}
}

func TestCollapseNonObjectUpdatesKept(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `[1]`)
	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `[2]`)

	dropped, err := o.Collapse(ctx)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0: non-object payloads cannot merge", dropped)
	}
}

func TestCollapseNonAdjacentUpdatesKept(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"title":"v1"}`)
	enqueue(t, o, OpUpdate, "t2", "PATCH", "/v1/tasks/t2", `{"title":"other"}`)
	enqueue(t, o, OpUpdate, "t1", "PATCH", "/v1/tasks/t1", `{"title":"v2"}`)

	dropped, err := o.Collapse(ctx)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0: interleaved updates are not adjacent", dropped)
	}
}

func TestLastSyncRoundTrip(t *testing.T) {
	state := newTestState(t)
	o := state.Outbox
	ctx := context.Background()

	got, err := o.LastSync(ctx)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("unset last sync = %v, want zero", got)
	}

	at := time.Date(2026, time.March, 2, 8, 30, 0, 0, time.UTC)
	if err := o.SetLastSync(ctx, at); err != nil {
		t.Fatalf("set last sync: %v", err)
	}
	got, err = o.LastSync(ctx)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("last sync = %v, want %v", got, at)
	}
}
