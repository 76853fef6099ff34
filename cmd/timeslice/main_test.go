package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/ralloc/internal/timeslice"
)

var kindTranslate = timeslice.RegisterKind("ralloc::translate")

func TestSummarise(t *testing.T) {
	var buf bytes.Buffer
	w, err := timeslice.Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	timeslice.Record(kindTranslate, 2*time.Millisecond)
	timeslice.Record(kindTranslate, 4*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var out bytes.Buffer
	if err := summarise(bytes.NewReader(buf.Bytes()), &out, true); err != nil {
		t.Fatalf("summarise: %v", err)
	}
	for _, want := range []string{"ralloc::translate", "count=       2", "avg=         3ms"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("got=%q, want it to contain %q", out.String(), want)
		}
	}

	out.Reset()
	if err := summarise(bytes.NewReader(buf.Bytes()), &out, false); err != nil {
		t.Fatalf("summarise: %v", err)
	}
	if got := strings.Count(out.String(), "\n"); got != 2 {
		t.Fatalf("got=%d lines, want 2", got)
	}
}
