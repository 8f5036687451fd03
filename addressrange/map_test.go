package addressrange_test

import (
	"testing"

	"github.com/teknoman117/ts3100vmm/addressrange"
)

func TestFindLocatesContainingRange(t *testing.T) {
	m := addressrange.New[string]()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(m.Insert(addressrange.Range{Start: 0x3F8, Length: 8}, "com1"))
	must(m.Insert(addressrange.Range{Start: 0x2F8, Length: 8}, "com2"))
	must(m.Insert(addressrange.Range{Start: 0x60, Length: 1}, "kbd"))

	for addr, want := range map[uint64]string{
		0x3F8: "com1",
		0x3FB: "com1",
		0x2F8: "com2",
		0x2FF: "com2",
		0x60:  "kbd",
	} {
		got, ok := m.Find(addr)
		if !ok || got != want {
			t.Errorf("Find(0x%X) = %q, %v; want %q, true", addr, got, ok, want)
		}
	}

	if _, ok := m.Find(0x400); ok {
		t.Errorf("Find(0x400) should miss, address is outside every registered range")
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	m := addressrange.New[string]()
	if err := m.Insert(addressrange.Range{Start: 0x300, Length: 16}, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(addressrange.Range{Start: 0x308, Length: 4}, "b"); err == nil {
		t.Fatal("expected overlap to be rejected")
	}
	if n := m.Len(); n != 1 {
		t.Errorf("failed insert must not mutate the map, got Len() = %d", n)
	}
	// Adjacent, non-overlapping ranges are fine.
	if err := m.Insert(addressrange.Range{Start: 0x310, Length: 4}, "c"); err != nil {
		t.Fatalf("adjacent range should be accepted: %v", err)
	}
}

func TestRemove(t *testing.T) {
	m := addressrange.New[int]()
	r := addressrange.Range{Start: 0x80, Length: 1}
	if err := m.Insert(r, 1); err != nil {
		t.Fatal(err)
	}
	m.Remove(r)
	if _, ok := m.Find(0x80); ok {
		t.Fatal("removed range should no longer be findable")
	}
	if err := m.Insert(r, 2); err != nil {
		t.Fatalf("range should be re-insertable after removal: %v", err)
	}
}
