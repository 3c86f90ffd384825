package amd64_test

import (
	"strings"
	"testing"

	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

func TestDisassemble(t *testing.T) {
	code := []byte{
		0x55,                         // push rbp
		0x48, 0x89, 0xe5,             // mov rbp, rsp
		0xe8, 0x00, 0x00, 0x00, 0x00, // call next
		0xcc, // int3
		0xc3, // ret
	}
	insts := amd64.Disassemble(code, 0x1000)
	if len(insts) != 5 {
		t.Fatalf("got %d instructions; want 5", len(insts))
	}
	wantPC := []uint64{0x1000, 0x1001, 0x1004, 0x1009, 0x100a}
	wantKind := []amd64.InstructionKind{amd64.OtherInstruction, amd64.OtherInstruction, amd64.CallInstruction, amd64.BreakInstruction, amd64.RetInstruction}
	for i, in := range insts {
		if in.PC != wantPC[i] || in.Kind != wantKind[i] {
			t.Errorf("instruction %d at %#x kind %d; want %#x kind %d", i, in.PC, in.Kind, wantPC[i], wantKind[i])
		}
	}
	if text := insts[1].Text(amd64.IntelFlavour, nil); !strings.HasPrefix(text, "mov rbp, rsp") {
		t.Errorf("intel text = %q", text)
	}
	if text := insts[1].Text(amd64.GNUFlavour, nil); !strings.Contains(text, "%rsp,%rbp") {
		t.Errorf("gnu text = %q", text)
	}
	if text := insts[2].Text(amd64.IntelFlavour, nil); !strings.Contains(text, "0x1009") {
		t.Errorf("call target not absolute: %q", text)
	}
}
