package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/ralloc/internal/asm"
	"github.com/tinyrange/ralloc/internal/ralloc"
	"golang.org/x/term"
)

var (
	styleTitle = ansi.Style{}.Bold()
	styleOp    = ansi.Style{}.ForegroundColor(ansi.Green)
	styleReg   = ansi.Style{}.ForegroundColor(ansi.Cyan)
	styleMem   = ansi.Style{}.ForegroundColor(ansi.Magenta)
	styleImm   = ansi.Style{}.ForegroundColor(ansi.Yellow)
	styleLabel = ansi.Style{}.Bold().ForegroundColor(ansi.BrightBlue)
	styleNote  = ansi.Style{}.Faint()
)

func useColor(mode string, w io.Writer) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto":
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd())), nil
	}
	return false, fmt.Errorf("-color must be auto, always or never, not %q", mode)
}

func paint(s ansi.Style, text string, color bool) string {
	if !color {
		return text
	}
	return s.Styled(text)
}

func formatInst(inst asm.Inst, color bool) string {
	if inst.Op == asm.BIND {
		return paint(styleLabel, asm.Format(inst), color)
	}
	var b strings.Builder
	b.WriteString("\t")
	b.WriteString(paint(styleOp, inst.Op.String(), color))
	for i, o := range inst.Operands {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		text := asm.FormatOperand(o)
		switch o.(type) {
		case asm.Reg:
			text = paint(styleReg, text, color)
		case asm.Mem, asm.Slot:
			text = paint(styleMem, text, color)
		case asm.Imm:
			text = paint(styleImm, text, color)
		case asm.Label:
			text = paint(styleLabel, text, color)
		}
		b.WriteString(text)
	}
	return b.String()
}

func printListing(w io.Writer, name string, r *asm.Recorder, color bool) {
	fmt.Fprintln(w, paint(styleTitle, name+":", color))
	for _, inst := range r.Insts {
		fmt.Fprintln(w, formatInst(inst, color))
	}
}

func printStats(w io.Writer, c *ralloc.Context) {
	s := c.Stats()
	f := c.Frame()
	fmt.Fprintf(w, "; loads=%d stores=%d moves=%d swaps=%d trailers=%d\n",
		s.Loads, s.Stores, s.Moves, s.Swaps, s.Trailers)
	fmt.Fprintf(w, "; frame size=%d spill=%d@%d calls=%d pushes=%d xmm=%d fp=%v realign=%v\n",
		f.Size, f.SpillBytes, f.SpillBase, f.CallBytes, len(f.Pushes), len(f.XMMSaves), f.FramePointer, f.Realign)
}
