package terminal

import (
	"bufio"
	"fmt"
	"text/tabwriter"

	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

func disasmPrint(t *Term, insts []amd64.Instruction, pc uint64, bps map[uint64]bool, flavour amd64.AssemblyFlavour) {
	bw := bufio.NewWriter(t.stdout)
	defer bw.Flush()
	lookup := t.symbolLookup()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for i := range insts {
		inst := &insts[i]
		atbp := ""
		if bps[inst.PC] {
			atbp = "*"
		}
		atpc := ""
		if inst.PC == pc {
			atpc = t.highlight(ansiBlue, "=>")
		}
		loc := ""
		if lookup != nil {
			if name, base := lookup(inst.PC); name != "" {
				loc = fmt.Sprintf("%s+%#x", name, inst.PC-base)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x%s\t%x\t%s\n", atpc, loc, inst.PC, atbp, inst.Bytes, inst.Text(flavour, lookup))
	}
}
