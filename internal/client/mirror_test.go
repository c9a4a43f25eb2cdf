package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"habitd/internal/core"
)

func TestMirrorPutGetDelete(t *testing.T) {
	state := newTestState(t)
	m := state.Mirror
	ctx := context.Background()

	if err := m.Put(ctx, core.EntityTask, "t1", []byte(`{"id":"t1","title":"a"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Replacement, not duplication.
	if err := m.Put(ctx, core.EntityTask, "t1", []byte(`{"id":"t1","title":"b"}`)); err != nil {
		t.Fatalf("second put: %v", err)
	}

	payload, err := m.Get(ctx, core.EntityTask, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var decoded map[string]string
	json.Unmarshal(payload, &decoded)
	if decoded["title"] != "b" {
		t.Errorf("title = %q, want the replacement", decoded["title"])
	}

	list, err := m.List(ctx, core.EntityTask)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %d entries, want 1", len(list))
	}

	if err := m.Delete(ctx, core.EntityTask, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, core.EntityTask, "t1"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("get after delete err = %v, want ErrEntityNotFound", err)
	}
}

func TestMirrorKindsIsolated(t *testing.T) {
	state := newTestState(t)
	m := state.Mirror
	ctx := context.Background()

	if err := m.Put(ctx, core.EntityTask, "x", []byte(`{}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := m.Get(ctx, core.EntityCompletion, "x"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("cross-kind get err = %v, want ErrEntityNotFound", err)
	}
}

func TestMirrorInvalidateAll(t *testing.T) {
	state := newTestState(t)
	m := state.Mirror
	ctx := context.Background()

	m.Put(ctx, core.EntityTask, "t1", []byte(`{}`))
	m.Put(ctx, core.EntityCompletion, "c1", []byte(`{}`))

	if err := m.InvalidateAll(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	for _, kind := range []core.EntityKind{core.EntityTask, core.EntityCompletion} {
		list, err := m.List(ctx, kind)
		if err != nil {
			t.Fatalf("list %s: %v", kind, err)
		}
		if len(list) != 0 {
			t.Errorf("%s entries after invalidate = %d, want 0", kind, len(list))
		}
	}
}

func TestMirrorRewriteTempID(t *testing.T) {
	state := newTestState(t)
	m := state.Mirror
	ctx := context.Background()

	m.Put(ctx, core.EntityTask, "tmp-1", []byte(`{"id":"tmp-1"}`))
	m.Put(ctx, core.EntityTask, "child", []byte(`{"id":"child","parentId":"tmp-1"}`))
	m.Put(ctx, core.EntityCompletion, "c1", []byte(`{"taskId":"tmp-1","day":"2026-03-02"}`))

	if err := m.RewriteTempID(ctx, "tmp-1", "srv-1"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, err := m.Get(ctx, core.EntityTask, "tmp-1"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("temp key still resolvable: %v", err)
	}
	payload, err := m.Get(ctx, core.EntityTask, "srv-1")
	if err != nil {
		t.Fatalf("get by server id: %v", err)
	}
	var entity map[string]string
	json.Unmarshal(payload, &entity)
	if entity["id"] != "srv-1" {
		t.Errorf("entity id = %q, want srv-1", entity["id"])
	}

	payload, _ = m.Get(ctx, core.EntityCompletion, "c1")
	var completion map[string]string
	json.Unmarshal(payload, &completion)
	if completion["taskId"] != "srv-1" {
		t.Errorf("completion taskId = %q, want srv-1", completion["taskId"])
	}
}
