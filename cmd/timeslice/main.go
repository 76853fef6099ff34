// Command timeslice summarises a phase timing file written by
// ralloc -timeslice.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/ralloc/internal/timeslice"
)

type phase struct {
	Name  string
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (p *phase) String() string {
	return fmt.Sprintf("%-24s count=%8d sum=%14s min=%12s max=%12s avg=%12s",
		p.Name, p.Count, p.Sum, p.Min, p.Max, p.Sum/time.Duration(p.Count))
}

func (p *phase) Add(d time.Duration) {
	p.Count++
	p.Sum += d
	if p.Min == 0 || d < p.Min {
		p.Min = d
	}
	if d > p.Max {
		p.Max = d
	}
}

func summarise(r io.Reader, w io.Writer, sums bool) error {
	if !sums {
		return timeslice.ReadAllRecords(r, func(kind string, d time.Duration) error {
			_, err := fmt.Fprintf(w, "%s %s\n", kind, d)
			return err
		})
	}

	phases := map[string]*phase{}
	var order []string
	if err := timeslice.ReadAllRecords(r, func(kind string, d time.Duration) error {
		p, ok := phases[kind]
		if !ok {
			order = append(order, kind)
			p = &phase{Name: kind}
			phases[kind] = p
		}
		p.Add(d)
		return nil
	}); err != nil {
		return err
	}
	for _, kind := range order {
		fmt.Fprintln(w, phases[kind].String())
	}
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	filename := fs.String("filename", "", "timeslice file to read")
	sums := fs.Bool("sums", false, "print per phase totals instead of every record")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := summarise(f, os.Stdout, *sums); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}
