package stream

import (
	"context"
	"io"
	"testing"
)

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(factoryFor(&fakeEngine{}), nil)

	e, ok := m.Create("cam-1", testConfig())
	if !ok {
		t.Fatal("Create returned not-ok for new session")
	}
	if e.Key != "cam-1" || e.Session == nil {
		t.Fatalf("entry: got %+v", e)
	}
	if got := e.Session.URL(); got != "rtd://test/live/stream" {
		t.Errorf("URL: got %q", got)
	}
	if e.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}

	got, ok := m.Get("cam-1")
	if !ok || got != e {
		t.Error("Get should return the created entry")
	}
	if _, ok := m.Get("cam-2"); ok {
		t.Error("Get returned an entry for an unknown key")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(factoryFor(&fakeEngine{}), nil)

	if _, ok := m.Create("cam", testConfig()); !ok {
		t.Fatal("first Create should succeed")
	}
	e, ok := m.Create("cam", testConfig())
	if ok || e != nil {
		t.Error("duplicate Create should return nil, false")
	}
}

func TestManagerRemoveClosesSession(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{onOpen: func(s Sink) { s.OnMediaInfo(testInfo) }}
	m := NewManager(factoryFor(eng), nil)

	e, _ := m.Create("cam", testConfig())
	if err := e.Session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.Remove("cam")
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}
	if _, err := e.Session.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame on removed session: got %v, want io.EOF", err)
	}
	if eng.closed.Load() != 1 {
		t.Errorf("engine closes: got %d, want 1", eng.closed.Load())
	}
}

func TestManagerCloseAll(t *testing.T) {
	t.Parallel()
	m := NewManager(factoryFor(&fakeEngine{}), nil)
	for _, k := range []string{"a", "b", "c"} {
		m.Create(k, testConfig())
	}
	if len(m.List()) != 3 {
		t.Fatalf("count: got %d, want 3", len(m.List()))
	}
	m.CloseAll()
	if len(m.List()) != 0 {
		t.Errorf("count after CloseAll: got %d, want 0", len(m.List()))
	}
}

func TestManagerRemoveNonexistent(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)
	m.Remove("nonexistent")
}
