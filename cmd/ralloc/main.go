// Command ralloc allocates registers for functions written in the textual
// IR and prints the resulting amd64 code.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/ralloc/internal/config"
	"github.com/tinyrange/ralloc/internal/ir"
	"github.com/tinyrange/ralloc/internal/ralloc"
	"github.com/tinyrange/ralloc/internal/timeslice"
)

type options struct {
	configPath string
	abiName    string
	funcName   string
	color      string
	runArgs    string
	profile    string
	bench      int
	hex        bool
	native     bool
	stats      bool
	verbose    bool
}

var (
	tsParse     = timeslice.RegisterKind("ralloc::parse")
	tsPrepare   = timeslice.RegisterKind("ralloc::prepare")
	tsTranslate = timeslice.RegisterKind("ralloc::translate")
	tsEmit      = timeslice.RegisterKind("ralloc::emit")
	tsAssemble  = timeslice.RegisterKind("ralloc::assemble")
)

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var o options
	fs := flag.NewFlagSet("ralloc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", config.Filename, "configuration file")
	fs.StringVar(&o.abiName, "abi", "", "calling convention for functions without @conv (overrides the config)")
	fs.StringVar(&o.funcName, "func", "", "only compile this function")
	fs.StringVar(&o.color, "color", "auto", "colour the listing: auto, always or never")
	fs.StringVar(&o.runArgs, "run", "", "execute with comma separated arguments in the interpreter")
	fs.StringVar(&o.profile, "timeslice", "", "write phase timings to this file")
	fs.IntVar(&o.bench, "bench", 0, "compile each function this many times and report phase timings")
	fs.BoolVar(&o.hex, "hex", false, "print the encoded machine code")
	fs.BoolVar(&o.native, "native", false, "execute -run on the host CPU instead of the interpreter (linux/amd64, sysv, integers)")
	fs.BoolVar(&o.stats, "stats", false, "print allocator statistics and the frame layout")
	fs.BoolVar(&o.verbose, "v", false, "log allocation decisions")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: ralloc [flags] file.ir\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.native && o.runArgs == "" {
		return fmt.Errorf("-native needs -run")
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one input file")
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Register(); err != nil {
		return err
	}
	if o.abiName != "" {
		cfg.ABI = o.abiName
	}
	conv, err := cfg.Convention()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if o.verbose || cfg.Trace {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if o.profile != "" {
		f, err := os.Create(o.profile)
		if err != nil {
			return fmt.Errorf("create %s: %w", o.profile, err)
		}
		defer f.Close()
		w, err := timeslice.Open(f)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	rec := timeslice.NewRecorder()
	name := fs.Arg(0)
	in := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	funcs, err := ir.ParseConv(name, in, conv)
	if err != nil {
		return err
	}
	rec.Record(tsParse)

	color, err := useColor(o.color, stdout)
	if err != nil {
		return err
	}
	opts := ralloc.Options{Policy: cfg.AllocPolicy(), Logger: log}

	found := false
	for _, fn := range funcs {
		if o.funcName != "" && fn.Name != o.funcName {
			continue
		}
		found = true
		if o.bench > 0 {
			if err := benchmark(fn, opts, o.bench, stdout); err != nil {
				return err
			}
			continue
		}
		if err := compileOne(fn, opts, o, color, stdout); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("%s: no function named %q", name, o.funcName)
	}
	return nil
}

func compileOne(fn *ir.Function, opts ralloc.Options, o options, color bool, stdout io.Writer) error {
	cf, err := compile(fn, opts)
	if err != nil {
		return err
	}

	printListing(stdout, fn.Name, cf.out, color)
	if o.stats {
		printStats(stdout, cf.ctx)
	}
	if o.hex {
		fmt.Fprintf(stdout, "; %d bytes\n% x\n", cf.prog.Len(), cf.prog.Bytes())
	}
	if o.runArgs != "" {
		var result string
		if o.native {
			result, err = executeNative(fn, cf.prog, o.runArgs)
		} else {
			result, err = execute(fn, cf.out, o.runArgs)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", fn.Name, err)
		}
		fmt.Fprintf(stdout, "%s(%s) = %s\n", fn.Name, o.runArgs, result)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ralloc: %v\n", err)
		os.Exit(1)
	}
}
