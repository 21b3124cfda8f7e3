package store

import "testing"

func TestLockKeyPairsDoNotCollide(t *testing.T) {
	pairs := [][2][2]string{
		{{"a:b", "c"}, {"a", "b:c"}},
		{{"a", "b:c"}, {"a:b:c", ""}},
		{{"c1", "user-1"}, {"c1:user-1", ""}},
	}
	for _, p := range pairs {
		left := LockKey(p[0][0], p[0][1])
		right := LockKey(p[1][0], p[1][1])
		if left == right {
			t.Errorf("LockKey(%q, %q) collides with LockKey(%q, %q): %s",
				p[0][0], p[0][1], p[1][0], p[1][1], left)
		}
	}
}

func TestLockKeyIsStable(t *testing.T) {
	if LockKey("c1", "user-1") != LockKey("c1", "user-1") {
		t.Fatal("lock keys must be deterministic")
	}
}
