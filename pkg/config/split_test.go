package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitQuotedFields(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		quote rune
		want  []string
	}{
		{"alias", `x "examinemem -fmt hex"`, '"', []string{"x", "examinemem -fmt hex"}},
		{"write string", `-s init_task+0x30 "swapper\"/0"`, '"', []string{"-s", "init_task+0x30", `swapper"/0`}},
		{"quote inside field", `fie"l'd"C do_work`, '"', []string{"fiel'dC", "do_work"}},
		{"single quotes", `'vcpu 1' regs fie'l\'d'C`, '\'', []string{"vcpu 1", "regs", "fiel'dC"}},
		{"backslash outside quotes", `C:\Windows "a\\b"`, '"', []string{`C:\Windows`, `a\b`}},
		{"empty at the end", `field"A" "" `, '"', []string{"fieldA", ""}},
		{"empty at the beginning", ` "" field"A"`, '"', []string{"", "fieldA"}},
		{"only empty strings", ` "" "" """" `, '"', []string{"", "", ""}},
		{"lots of spaces", "   ps \t threads  ", '"', []string{"ps", "threads"}},
		{"nothing", "   ", '"', []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SplitQuotedFields(tc.in, tc.quote)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("SplitQuotedFields(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestSplitQuotedFieldsUnterminated(t *testing.T) {
	for _, in := range []string{`x "examinemem`, `"abc\"`, `a"`} {
		if got, err := SplitQuotedFields(in, '"'); err == nil {
			t.Errorf("SplitQuotedFields(%q) = %q; want an error", in, got)
		}
	}
}

func TestSplit2PartsBySpace(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"max-string-len 64", []string{"max-string-len", "64"}},
		{"alias x  examinemem", []string{"alias", "x  examinemem"}},
		{"gdbstub.addr", []string{"gdbstub.addr"}},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, Split2PartsBySpace(tc.in)); diff != "" {
			t.Errorf("Split2PartsBySpace(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestConfigureListByName(t *testing.T) {
	hops := 100
	conf := &Config{
		MaxIterHops:       &hops,
		DisassembleFlavor: "intel",
		OffsetsDir:        "/etc/vmi/offsets",
	}
	tests := []struct {
		name string
		want string
	}{
		{"max-iter-hops", "max-iter-hops\t100\n"},
		{"max-string-len", "max-string-len\t<not defined>\n"},
		{"disassemble-flavor", "disassemble-flavor\t\"intel\"\n"},
		{"offsets-dir", "offsets-dir\t\"/etc/vmi/offsets\"\n"},
		{"", ""},
		{"nonexistent", ""},
	}
	for _, tc := range tests {
		if got := ConfigureListByName(conf, tc.name, "yaml"); got != tc.want {
			t.Errorf("ConfigureListByName(%q) = %q; want %q", tc.name, got, tc.want)
		}
	}
}
