package repetition

import "testing"

func TestThirdIdenticalCallRejected(t *testing.T) {
	// With a threshold of 2, the third identical call is rejected and
	// never dispatched.
	m := New(2, DefaultWindow)
	args := map[string]any{"path": "/tmp/x"}

	if !m.Check("fs__read", args) {
		t.Fatal("first call should be allowed")
	}
	if !m.Check("fs__read", args) {
		t.Fatal("second call should be allowed")
	}
	if m.Check("fs__read", args) {
		t.Fatal("third identical call should be rejected")
	}

	stats := m.Stats()
	if stats.Rejections != 1 {
		t.Fatalf("expected 1 rejection, got %d", stats.Rejections)
	}
}

func TestDifferentArgumentsAreIndependent(t *testing.T) {
	m := New(1, DefaultWindow)
	if !m.Check("fs__read", map[string]any{"path": "/a"}) {
		t.Fatal("first call to /a should be allowed")
	}
	if !m.Check("fs__read", map[string]any{"path": "/b"}) {
		t.Fatal("first call to /b should be allowed, distinct arguments")
	}
	if m.Check("fs__read", map[string]any{"path": "/a"}) {
		t.Fatal("second call to /a should be rejected")
	}
}

func TestResetClearsState(t *testing.T) {
	m := New(1, DefaultWindow)
	args := map[string]any{"x": 1}
	m.Check("t", args)
	m.Reset()
	if !m.Check("t", args) {
		t.Fatal("after reset, call should be allowed again")
	}
	if stats := m.Stats(); stats.Rejections != 0 {
		t.Fatalf("expected rejections reset to 0, got %d", stats.Rejections)
	}
}

func TestArgumentKeyOrderDoesNotAffectFingerprint(t *testing.T) {
	m := New(1, DefaultWindow)
	m.Check("t", map[string]any{"a": 1, "b": 2})
	if m.Check("t", map[string]any{"b": 2, "a": 1}) {
		t.Fatal("differently-ordered but equal arguments should be treated as identical")
	}
}
