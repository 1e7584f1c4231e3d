package decoder

import "testing"

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	var q fifo[int]
	for i := 0; i < 100; i++ {
		q.push(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got (%d, %v), want (%d, true)", i, v, ok, i)
		}
		if q.len() != 99-i {
			t.Fatalf("len after pop %d: got %d, want %d", i, q.len(), 99-i)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop on empty queue should fail")
	}
}

func TestFIFOInterleaved(t *testing.T) {
	t.Parallel()
	var q fifo[int]
	next, want := 0, 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			q.push(next)
			next++
		}
		for i := 0; i < 2; i++ {
			v, ok := q.pop()
			if !ok || v != want {
				t.Fatalf("round %d: got (%d, %v), want (%d, true)", round, v, ok, want)
			}
			want++
		}
	}
	if q.len() != 50 {
		t.Errorf("len: got %d, want 50", q.len())
	}
}

func TestFIFOUnpush(t *testing.T) {
	t.Parallel()
	var q fifo[string]
	if _, ok := q.unpush(); ok {
		t.Error("unpush on empty queue should fail")
	}
	q.push("a")
	q.push("b")
	q.pop()
	v, ok := q.unpush()
	if !ok || v != "b" {
		t.Fatalf("unpush: got (%q, %v), want (\"b\", true)", v, ok)
	}
	if q.len() != 0 {
		t.Errorf("len: got %d, want 0", q.len())
	}
	if _, ok := q.unpush(); ok {
		t.Error("unpush should not reach popped items")
	}
	q.push("c")
	if v, _ := q.pop(); v != "c" {
		t.Errorf("pop after unpush: got %q, want %q", v, "c")
	}
}

func TestFIFOReset(t *testing.T) {
	t.Parallel()
	var q fifo[int]
	q.push(1)
	q.push(2)
	q.pop()
	q.reset()
	if q.len() != 0 {
		t.Errorf("len: got %d, want 0", q.len())
	}
	q.push(3)
	if v, ok := q.pop(); !ok || v != 3 {
		t.Errorf("pop: got (%d, %v), want (3, true)", v, ok)
	}
}
