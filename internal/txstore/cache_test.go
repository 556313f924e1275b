package txstore

import "testing"

// No Redis test double exists among the libraries this repo draws from, so
// CacheStore's live Redis interaction isn't exercised here. Its key-naming
// helpers carry the one piece of testable, pure logic: per-user namespacing.
func TestListKeyNamespacesPerUser(t *testing.T) {
	a := listKey(1)
	b := listKey(2)
	if a == b {
		t.Errorf("listKey(1) and listKey(2) collided: %q", a)
	}
	if got, want := listKey(42), "u2fval:tx:list:42"; got != want {
		t.Errorf("listKey(42) = %q, want %q", got, want)
	}
}

func TestDataKeyNamespacesPerUserAndTransaction(t *testing.T) {
	a := dataKey(1, "abc")
	b := dataKey(2, "abc")
	if a == b {
		t.Errorf("dataKey for different users collided: %q", a)
	}
	c := dataKey(1, "def")
	if a == c {
		t.Errorf("dataKey for different transactions collided: %q", a)
	}
	if got, want := dataKey(7, "tx1"), "u2fval:tx:data:7:tx1"; got != want {
		t.Errorf("dataKey(7, tx1) = %q, want %q", got, want)
	}
}
