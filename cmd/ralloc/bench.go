package main

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/ralloc/internal/ir"
	"github.com/tinyrange/ralloc/internal/ralloc"
	"github.com/tinyrange/ralloc/internal/timeslice"
)

// benchmark compiles fn n times phase by phase and prints the mean time
// of each phase.
func benchmark(fn *ir.Function, opts ralloc.Options, n int, w io.Writer) error {
	timeslice.Reset()
	opts.Logger = nil

	pb := progressbar.Default(int64(n), "compile "+fn.Name)
	defer pb.Close()

	for range n {
		if _, err := compile(fn, opts); err != nil {
			return err
		}
		if err := pb.Add(1); err != nil {
			return fmt.Errorf("progress: %w", err)
		}
	}

	fmt.Fprintf(w, "%s: %d runs\n", fn.Name, n)
	for _, s := range timeslice.Totals() {
		fmt.Fprintf(w, "  %-20s %10v\n", s.Name, s.Mean())
	}
	return nil
}
