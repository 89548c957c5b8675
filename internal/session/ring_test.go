package session

import (
	"fmt"
	"reflect"
	"testing"
)

func TestStringRingRetainsNewest(t *testing.T) {
	r := NewStringRing(3)
	r.AddAll([]string{"a", "b", "c", "d", "e"})

	want := []string{"c", "d", "e"}
	if got := r.Items(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Errorf("expected len 3 cap 3, got len %d cap %d", r.Len(), r.Cap())
	}
}

func TestStringRingReAddRefreshesRecency(t *testing.T) {
	r := NewStringRing(3)
	r.AddAll([]string{"a", "b", "c"})
	r.Add("a")

	// "a" moved to the newest slot instead of duplicating.
	want := []string{"b", "c", "a"}
	if got := r.Items(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// The refreshed entry now survives an overflow that would have evicted it.
	r.Add("d")
	want = []string{"c", "a", "d"}
	if got := r.Items(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStringRingNewest(t *testing.T) {
	r := NewStringRing(5)
	r.AddAll([]string{"a", "b", "c"})

	want := []string{"c", "b"}
	if got := r.Newest(2); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := r.Newest(10); len(got) != 3 {
		t.Errorf("expected clamped to 3, got %v", got)
	}
}

func TestStringRingIgnoresEmpty(t *testing.T) {
	r := NewStringRing(3)
	r.Add("")
	r.Add("a")

	if got := r.Items(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected [a], got %v", got)
	}
}

func TestStringRingZeroCapacity(t *testing.T) {
	r := NewStringRing(0)
	r.Add("a")
	r.Add("b")

	if got := r.Items(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("expected minimum capacity of one, got %v", got)
	}
}

func TestStringRingLargeRetention(t *testing.T) {
	r := NewStringRing(20)
	for i := 0; i < 35; i++ {
		r.Add(fmt.Sprintf("topic-%d", i))
	}

	items := r.Items()
	if len(items) != 20 {
		t.Fatalf("expected 20 retained topics, got %d", len(items))
	}
	if items[0] != "topic-15" || items[19] != "topic-34" {
		t.Errorf("expected topics 15..34, got %s..%s", items[0], items[19])
	}
}
