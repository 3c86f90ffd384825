package starbind

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.starlark.net/starlark"

	"github.com/go-delve/vmi/pkg/vmi/osi"
)

type bufEcho struct {
	bytes.Buffer
	echo strings.Builder
}

func (w *bufEcho) Echo(s string) { w.echo.WriteString(s) }
func (w *bufEcho) Flush()        {}

type scriptedLines struct {
	lines   []string
	prompts []string
	history []string
}

func (r *scriptedLines) Prompt(p string) (string, error) {
	r.prompts = append(r.prompts, p)
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedLines) AppendHistory(line string) { r.history = append(r.history, line) }

func TestScopePrompt(t *testing.T) {
	for _, tc := range []struct {
		scope Scope
		want  string
	}{
		{Scope{}, "vcpu 0 >>> "},
		{Scope{Vcpu: 3}, "vcpu 3 >>> "},
		{Scope{Vcpu: 1, View: 2}, "vcpu 1 view 2 >>> "},
		{Scope{Vcpu: 1, Pid: osi.ProcessID(100), Root: 0x4b10000}, "pid 100 >>> "},
	} {
		if got := scopePrompt(tc.scope); got != tc.want {
			t.Errorf("scopePrompt(%+v) = %q; want %q", tc.scope, got, tc.want)
		}
	}
}

func TestREPL(t *testing.T) {
	out := &bufEcho{}
	env := &Env{env: starlark.StringDict{"kernel_base": starlark.MakeUint64(0xffffffff81000000)}, out: out}
	rl := &scriptedLines{lines: []string{
		"offset = 0x1c0",
		"def sym(off):",
		"    return kernel_base + off",
		"",
		"\"%x\" % sym(offset)",
		"1 // 0",
		"Entry = sym(0)",
		"quit",
		"never read",
	}}
	if err := env.repl(rl, "vcpu 0 >>> "); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	if !strings.HasPrefix(got, "\"ffffffff810001c0\"\n") {
		t.Errorf("unexpected output %q", got)
	}
	if !strings.Contains(got, "division by zero") {
		t.Errorf("evaluation error not printed: %q", got)
	}
	if v, ok := env.env["Entry"]; !ok || v.String() != "18446744071578845184" {
		t.Errorf("exported Entry = %v", v)
	}
	if _, ok := env.env["offset"]; ok {
		t.Errorf("lowercase global exported")
	}
	wantPrompts := []string{"vcpu 0 >>> ", "vcpu 0 >>> ", "... ", "... ", "vcpu 0 >>> ", "vcpu 0 >>> ", "vcpu 0 >>> ", "vcpu 0 >>> "}
	if diff := cmp.Diff(wantPrompts, rl.prompts); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}
	if len(rl.lines) != 1 {
		t.Errorf("lines after quit were read")
	}
	if !strings.Contains(out.echo.String(), "vcpu 0 >>> \"%x\" % sym(offset)\n") {
		t.Errorf("input not echoed: %q", out.echo.String())
	}
}

func TestREPLEndOfInput(t *testing.T) {
	out := &bufEcho{}
	env := &Env{env: starlark.StringDict{}, out: out}
	rl := &scriptedLines{lines: []string{"Total = 2 + 2"}}
	if err := env.repl(rl, ">>> "); err != nil {
		t.Fatal(err)
	}
	if v := env.env["Total"]; v == nil || v.String() != "4" {
		t.Errorf("Total = %v", v)
	}
	if diff := cmp.Diff([]string{"Total = 2 + 2"}, rl.history); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadModule(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib.star")
	if err := os.WriteFile(lib, []byte("def task_offset():\n    return base + 0x18\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loop := filepath.Join(dir, "loop.star")
	if err := os.WriteFile(loop, []byte("load(\""+filepath.ToSlash(loop)+"\", \"x\")\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out := &bufEcho{}
	env := &Env{env: starlark.StringDict{"base": starlark.MakeInt(0x1000)}, out: out}
	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, "main.star", "load(\""+filepath.ToSlash(lib)+"\", \"task_offset\")\nr = task_offset()\n", env.env)
	if err != nil {
		t.Fatal(err)
	}
	if v := globals["r"]; v == nil || v.String() != "4120" {
		t.Errorf("r = %v", v)
	}

	_, err = starlark.ExecFile(env.newThread(), "main.star", "load(\""+filepath.ToSlash(loop)+"\", \"x\")\n", env.env)
	if err == nil || !strings.Contains(err.Error(), "cycle in load graph") {
		t.Errorf("unexpected error %v", err)
	}
}
