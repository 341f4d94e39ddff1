package session

import "testing"

func TestRingDropsOldestBeyondCapacity(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte{1, 2})
	r.Write([]byte{3, 4})
	r.Write([]byte{5, 6})

	got := r.Bytes()
	want := []byte{3, 4, 5, 6}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRingWriteLargerThanCapacity(t *testing.T) {
	r := NewRing(3)
	r.Write([]byte{1, 2, 3, 4, 5})

	got := r.Bytes()
	want := []byte{3, 4, 5}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRingResetEmpties(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte{1, 2, 3})
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("expected Len 0 after Reset, got %d", r.Len())
	}
	if len(r.Bytes()) != 0 {
		t.Fatalf("expected empty Bytes after Reset")
	}
}
