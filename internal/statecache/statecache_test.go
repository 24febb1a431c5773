package statecache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/snadboy/revpctl/internal/model"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetReconcileState(t *testing.T) {
	c := openTestCache(t)
	rec := ReconcileRecord{Domain: "app.example.com", Revision: "abc123", AppliedAt: time.Now()}
	if err := c.PutReconcileState(rec); err != nil {
		t.Fatalf("PutReconcileState() error = %v", err)
	}

	got, found, err := c.GetReconcileState("app.example.com")
	if err != nil {
		t.Fatalf("GetReconcileState() error = %v", err)
	}
	if !found || got.Revision != "abc123" {
		t.Fatalf("GetReconcileState() = %+v, found=%v", got, found)
	}
}

func TestGetReconcileStateMissing(t *testing.T) {
	c := openTestCache(t)
	_, found, err := c.GetReconcileState("missing.example.com")
	if err != nil {
		t.Fatalf("GetReconcileState() error = %v", err)
	}
	if found {
		t.Error("expected found=false for missing domain")
	}
}

func TestAllReconcileState(t *testing.T) {
	c := openTestCache(t)
	c.PutReconcileState(ReconcileRecord{Domain: "a.example.com", Revision: "r1"})
	c.PutReconcileState(ReconcileRecord{Domain: "b.example.com", Revision: "r2"})

	recs, err := c.AllReconcileState()
	if err != nil {
		t.Fatalf("AllReconcileState() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestDeleteReconcileState(t *testing.T) {
	c := openTestCache(t)
	c.PutReconcileState(ReconcileRecord{Domain: "a.example.com", Revision: "r1"})
	if err := c.DeleteReconcileState("a.example.com"); err != nil {
		t.Fatalf("DeleteReconcileState() error = %v", err)
	}
	_, found, _ := c.GetReconcileState("a.example.com")
	if found {
		t.Error("expected record to be gone after delete")
	}
}

func TestPutGetHostState(t *testing.T) {
	c := openTestCache(t)
	rec := HostRecord{Alias: "host1", State: model.HostStreaming, LastSeen: time.Now()}
	if err := c.PutHostState(rec); err != nil {
		t.Fatalf("PutHostState() error = %v", err)
	}
	got, found, err := c.GetHostState("host1")
	if err != nil {
		t.Fatalf("GetHostState() error = %v", err)
	}
	if !found || got.State != model.HostStreaming {
		t.Fatalf("GetHostState() = %+v, found=%v", got, found)
	}
}
