package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonicAndValid(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s <= %s", id, prev)
		}
		prev = id
	}
	if Valid("not-a-ulid") {
		t.Fatal("garbage accepted")
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, ok := Time(New())
	if !ok || ts.Before(before) {
		t.Fatalf("unexpected time %v %v", ts, ok)
	}
	if _, ok := Time("bad"); ok {
		t.Fatal("expected failure")
	}
}
