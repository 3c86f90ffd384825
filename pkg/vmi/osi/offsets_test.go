package osi_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/osi"
	"github.com/go-delve/vmi/pkg/vmi/vmitest"
)

const testProfile = `
[symbols]
init_task = 0x1a0c940
_text = 0

[structs.task_struct]
size = 0x100
[structs.task_struct.fields]
tasks = { offset = 0x10, size = 16 }
pid = { offset = 0x20, size = 4 }
flags = { offset = 0x24, size = 4, bit_position = 21, bit_length = 1 }

[structs.list_head]
size = 16
[structs.list_head.fields]
next = { offset = 0, size = 8 }
prev = { offset = 8, size = 8 }
`

func TestParseOffsets(t *testing.T) {
	o, err := osi.ParseOffsets([]byte(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"list_head", "task_struct"}, o.StructNames()); diff != "" {
		t.Errorf("struct names mismatch (-want +got):\n%s", diff)
	}
	f, err := o.Field("task_struct", "flags")
	if err != nil {
		t.Fatal(err)
	}
	if want := (vmi.Field{Offset: 0x24, Size: 4, BitPosition: 21, BitLength: 1}); f != want {
		t.Errorf("task_struct.flags = %v; want %v", f, want)
	}
	if got := f.Extract(1 << 21); got != 1 {
		t.Errorf("Extract = %d; want 1", got)
	}
	rva, err := o.Symbol("init_task")
	if err != nil || rva != 0x1a0c940 {
		t.Errorf("Symbol(init_task) = %#x, %v", rva, err)
	}
	if !o.HasField("list_head", "prev") || o.HasField("list_head", "head") {
		t.Errorf("HasField answers are wrong")
	}
}

func TestNearest(t *testing.T) {
	o, err := osi.ParseOffsets([]byte(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	const base = 0xffffffff81000000
	lookup := o.Nearest(base)
	tests := []struct {
		addr     uint64
		wantName string
		wantAddr uint64
	}{
		{base - 1, "", 0},
		{base, "_text", base},
		{base + 0x1a0c93f, "_text", base},
		{base + 0x1a0c940, "init_task", base + 0x1a0c940},
		{base + 0x1a0d000, "init_task", base + 0x1a0c940},
	}
	for _, tc := range tests {
		name, addr := lookup(tc.addr)
		if name != tc.wantName || addr != tc.wantAddr {
			t.Errorf("lookup(%#x) = %q, %#x; want %q, %#x", tc.addr, name, addr, tc.wantName, tc.wantAddr)
		}
	}
}

func TestMissingOffsets(t *testing.T) {
	o, err := osi.ParseOffsets([]byte(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		lookup func() error
		want   osi.MissingOffsetError
	}{
		{func() error { _, err := o.Field("mm_struct", "pgd"); return err }, osi.MissingOffsetError{Struct: "mm_struct"}},
		{func() error { _, err := o.Field("task_struct", "comm"); return err }, osi.MissingOffsetError{Struct: "task_struct", Field: "comm"}},
		{func() error { _, err := o.Symbol("PsActiveProcessHead"); return err }, osi.MissingOffsetError{Symbol: "PsActiveProcessHead"}},
	} {
		var merr *osi.MissingOffsetError
		err := tc.lookup()
		if !errors.As(err, &merr) {
			t.Errorf("error %v is not a *MissingOffsetError", err)
			continue
		}
		if *merr != tc.want {
			t.Errorf("error = %+v; want %+v", *merr, tc.want)
		}
	}

	defer func() {
		if recover() == nil {
			t.Errorf("MustField of a missing field did not panic")
		}
	}()
	o.MustField("task_struct", "comm")
}

func TestResolverFirstError(t *testing.T) {
	o, err := osi.ParseOffsets([]byte(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	r := osi.NewResolver(o)
	tasks := r.Field("task_struct", "tasks")
	r.Field("task_struct", "comm")
	r.Symbol("nope")
	if _, ok := r.OptionalField("task_struct", "thread_group"); ok {
		t.Errorf("OptionalField found a missing field")
	}
	if tasks.Offset != 0x10 {
		t.Errorf("tasks offset = %#x; want 0x10", tasks.Offset)
	}
	var merr *osi.MissingOffsetError
	if !errors.As(r.Err(), &merr) || merr.Field != "comm" {
		t.Errorf("Err() = %v; want the missing comm field", r.Err())
	}
}

func TestParseOffsetsErrors(t *testing.T) {
	for _, tc := range []struct {
		name, profile string
	}{
		{"syntax", "[symbols\n"},
		{"unknown key", "[structs.a]\nsize = 8\nalign = 8\n"},
		{"bitfield too long", "[structs.a]\nsize = 8\n[structs.a.fields]\nb = { offset = 0, size = 1, bit_position = 4, bit_length = 5 }\n"},
		{"field past end", "[structs.a]\nsize = 8\n[structs.a.fields]\nb = { offset = 4, size = 8 }\n"},
	} {
		if _, err := osi.ParseOffsets([]byte(tc.profile)); err == nil {
			t.Errorf("%s: ParseOffsets succeeded", tc.name)
		}
	}
}

func TestLoadOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(testProfile), 0o600); err != nil {
		t.Fatal(err)
	}
	o, err := osi.LoadOffsets(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Field("task_struct", "pid"); err != nil {
		t.Error(err)
	}
	if _, err := osi.LoadOffsets(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadOffsets of a missing file succeeded")
	}
}

func TestContextFields(t *testing.T) {
	const kernelBase = 0xffffffff81000000
	g := vmitest.NewGuest(t, 1)
	o, err := osi.ParseOffsets([]byte(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	s := osi.NewSession(g.Session, o, nil, kernelBase)

	task := vmi.VA(kernelBase + 0x1a0c940)
	g.Write(task, make([]byte, 0x100))
	g.WriteU32(task+0x20, 42)
	g.WriteU32(task+0x24, 1<<21|7)

	addr, err := s.SymbolAddress("init_task")
	if err != nil || addr != task {
		t.Fatalf("SymbolAddress = %s, %v; want %s", addr, err, task)
	}

	st, err := s.StateForVcpu(0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := st.Context()
	pid, err := ctx.ReadStructField(task, "task_struct", "pid")
	if err != nil || pid != 42 {
		t.Errorf("pid = %d, %v; want 42", pid, err)
	}
	if _, err := ctx.ReadStructField(task, "task_struct", "comm"); err == nil {
		t.Errorf("reading a missing field succeeded")
	}

	r, err := ctx.StructReader(task, "task_struct")
	if err != nil {
		t.Fatal(err)
	}
	flags, err := r.Read(o.MustField("task_struct", "flags"))
	if err != nil || flags != 1 {
		t.Errorf("flags = %d, %v; want 1", flags, err)
	}
	if len(r.Bytes()) != 0x100 {
		t.Errorf("struct reader holds %d bytes; want 0x100", len(r.Bytes()))
	}

	pctx := ctx.WithRoot(0x5000)
	if root, _ := pctx.Root(); root != 0x5000 || pctx.OSSession() != s {
		t.Errorf("WithRoot lost the root or the session")
	}
}
