package timeslice

import (
	"bytes"
	"testing"
	"time"
)

var (
	kindA = RegisterKind("a")
	kindB = RegisterKind("b")
)

func TestTimeslice(t *testing.T) {
	Reset()
	var buf bytes.Buffer
	func() {
		w, err := Open(&buf)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer w.Close()

		if _, err := Open(&buf); err == nil {
			t.Fatalf("second Open succeeded")
		}
		Record(kindA, 100*time.Millisecond)
		Record(kindB, 200*time.Millisecond)
		Record(kindB, 400*time.Millisecond)
	}()

	var seen []string
	var total time.Duration
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(kind string, d time.Duration) error {
		seen = append(seen, kind)
		total += d
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "b" {
		t.Fatalf("got=%v, want [a b b]", seen)
	}
	if total != 700*time.Millisecond {
		t.Fatalf("got=%v, want 700ms", total)
	}

	stats := Totals()
	if len(stats) != 2 {
		t.Fatalf("got=%d kinds, want 2", len(stats))
	}
	if stats[1].Name != "b" || stats[1].Count != 2 || stats[1].Mean() != 300*time.Millisecond {
		t.Fatalf("got=%+v", stats[1])
	}
}

func TestRecorderWithoutStream(t *testing.T) {
	Reset()
	r := NewRecorder()
	r.Record(kindA)
	r.Record(kindA)
	stats := Totals()
	if len(stats) != 1 || stats[0].Count != 2 {
		t.Fatalf("got=%+v", stats)
	}
	if (Stat{}).Mean() != 0 {
		t.Fatalf("mean of nothing is not zero")
	}
}

func BenchmarkRecord(b *testing.B) {
	var buf bytes.Buffer
	w, err := Open(&buf)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer w.Close()

	for b.Loop() {
		Record(kindA, time.Microsecond)
	}
}
