package troupe

import (
	"testing"
	"time"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if len(id) != 36 {
			t.Fatalf("NewID() = %q, want canonical UUID form", id)
		}
		if seen[id] {
			t.Fatalf("NewID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestNewIDTimeSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if !(a < b) {
		t.Errorf("ids not time-ordered: %q then %q", a, b)
	}
}

func TestNowUnixMilliseconds(t *testing.T) {
	got := NowUnix()
	want := time.Now().UnixMilli()
	if got < want-1000 || got > want+1000 {
		t.Errorf("NowUnix() = %d, want near %d", got, want)
	}
}
