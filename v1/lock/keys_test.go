package lock

import "testing"

func TestLockKeyDefaults(t *testing.T) {
	l := New("UpdateNetworkGraph", nil)
	if got := l.LockKey(42, "repo"); got != "lock:UpdateNetworkGraph:42-repo" {
		t.Fatalf("unexpected lock key %q", got)
	}
	if got := l.LonerKey(42, "repo"); got != "loner:lock:UpdateNetworkGraph:42-repo" {
		t.Fatalf("unexpected loner key %q", got)
	}
	if got := l.LockKey(); got != "lock:UpdateNetworkGraph" {
		t.Fatalf("unexpected key without args %q", got)
	}
}

func TestLockKeyDeterministic(t *testing.T) {
	l := New("Export", nil)
	if a, b := l.LockKey(1, "pdf"), l.LockKey(1, "pdf"); a != b {
		t.Fatalf("expected identical keys, got %q and %q", a, b)
	}
	if a, b := l.LockKey(1, "pdf"), l.LockKey(2, "pdf"); a == b {
		t.Fatalf("expected different keys, both %q", a)
	}
}

func TestKeyOverrides(t *testing.T) {
	l := New("Graph", nil,
		WithNamespace("jobs"),
		WithIdentifier(func(args ...any) string { return "all" }),
	)
	if a, b := l.LockKey(1), l.LockKey(2); a != "jobs:Graph:all" || a != b {
		t.Fatalf("expected collapsed identifier, got %q and %q", a, b)
	}

	custom := New("Graph", nil,
		WithLockKey(func(args ...any) string { return "network-graph" }),
		WithLonerKey(func(args ...any) string { return "queued-graph" }),
	)
	if got := custom.LockKey(1); got != "network-graph" {
		t.Fatalf("unexpected lock key %q", got)
	}
	if got := custom.LonerKey(1); got != "queued-graph" {
		t.Fatalf("unexpected loner key %q", got)
	}

	derived := New("Graph", nil, WithLockKey(func(args ...any) string { return "network-graph" }))
	if got := derived.LonerKey(1); got != "loner:network-graph" {
		t.Fatalf("expected loner key derived from lock key, got %q", got)
	}
}
