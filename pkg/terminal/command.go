// Package terminal implements functions for responding to user
// input and dispatching to appropriate introspection commands.
package terminal

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/vmi/pkg/config"
	"github.com/go-delve/vmi/pkg/driver/elfdump"
	"github.com/go-delve/vmi/pkg/terminal/starbind"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
)

// maxExamineBytes bounds the memory read by a single examinemem command.
const maxExamineBytes = 1000

type callContext struct {
	// Vcpu is the VCPU the command applies to.
	Vcpu vmi.VcpuID
	// Scoped is true when the VCPU was given as a command prefix.
	Scoped bool
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	scopable       bool
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the introspection shell.
type Commands struct {
	cmds  []command
	names *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// VMICommands returns a Commands struct with default commands defined.
func VMICommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the shell.

	exit

If breakpoints are still inserted you are asked whether to remove them. A guest paused with the pause command is resumed.`},
		{aliases: []string{"info"}, cmdFn: info, helpMsg: `Prints information about the guest and the session.

	info

Shows the architecture, the guest memory size, the number of VCPUs, the views, the state of the caches and the operating system profile.`},
		{aliases: []string{"pause"}, group: vcpuCmds, cmdFn: pauseCmd, helpMsg: `Pauses the guest.

	pause

The guest stays paused until the resume command. Commands that need a consistent snapshot pause the guest on their own for their duration.`},
		{aliases: []string{"resume"}, group: vcpuCmds, cmdFn: resumeCmd, helpMsg: `Resumes a guest paused with the pause command.

	resume`},
		{aliases: []string{"vcpu"}, group: vcpuCmds, cmdFn: c.vcpuCommand, helpMsg: `Shows or changes the current VCPU.

	vcpu
	vcpu <id>
	vcpu <id> <command>

Called without arguments vcpu prints the current VCPU and its view. With an id it makes that VCPU the current one. If a command is given it is executed on the VCPU without changing the current one, for example:

	vcpu 1 regs`},
		{aliases: []string{"regs"}, group: vcpuCmds, scopable: true, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs`},
		{aliases: []string{"process", "proc"}, group: osCmds, cmdFn: processCommand, helpMsg: `Shows or changes the address space virtual addresses are resolved in.

	process
	process <pid>
	process -

With a pid, virtual addresses given to other commands are translated through the page tables of that process. "process -" goes back to the page tables of the current VCPU. Requires an operating system profile.`},
		{aliases: []string{"translate", "tr"}, group: dataCmds, scopable: true, cmdFn: translate, helpMsg: `Translates a virtual address to a physical address.

	translate <address>

See "help examinemem" for the syntax of addresses.`},
		{aliases: []string{"probe"}, group: dataCmds, scopable: true, cmdFn: probe, helpMsg: `Reports whether virtual addresses are resident, without faulting.

	probe <address> [length]

Prints "resident", "not resident" or "indeterminate". With a length every page of the range is probed and the first page that is not resident is reported.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, scopable: true, cmdFn: examineMemoryCmd, helpMsg: `Examine guest memory:

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] [-p] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of items (default 1) and it must be less than or equal to 1000.
Size is the size of each item in bytes (default 1) and it must be less than or equal to 8.
With -p the address is a guest physical address.

Addresses are numbers, symbols of the operating system profile or registers of the current VCPU, optionally followed by an offset:

	x -count 16 -size 8 0xffffffff81000000
	x -fmt dec -len 4 init_task+0x10
	x $rsp`},
		{aliases: []string{"string", "str"}, group: dataCmds, scopable: true, cmdFn: stringCmd, helpMsg: `Reads a string from guest memory.

	string [-max <n>] <address>
	string -utf16 <nbytes> <address>

Reads a NUL terminated string of at most max bytes, the max-string-len configuration option is used when -max is not given. With -utf16 a counted UTF-16 string of nbytes bytes is read.`},
		{aliases: []string{"write"}, group: dataCmds, scopable: true, cmdFn: writeCmd, helpMsg: `Writes bytes to guest memory.

	write [-p] <address> <hex bytes>
	write [-p] -s <address> <string>

For example:

	write 0xffffffff81000000 90909090
	write -s init_task+0x5c0 "swapper/0"

With -p the address is a guest physical address. With -s the argument is
written as text, without a terminating NUL. Quote it to include spaces.`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, scopable: true, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [-l <count>] [address]

Disassembles count bytes (default 64) starting at address, or at the program counter of the current VCPU. The syntax is chosen with the disassemble-flavor configuration option.`},
		{aliases: []string{"symbol", "sym"}, group: osCmds, cmdFn: symbolCmd, helpMsg: `Prints the address of a kernel symbol.

	symbol <name>`},
		{aliases: []string{"ps"}, group: osCmds, scopable: true, cmdFn: psCmd, helpMsg: `Lists the processes of the guest.

	ps

Processes that can not be read are reported and skipped.`},
		{aliases: []string{"threads"}, group: osCmds, scopable: true, cmdFn: threadsCmd, helpMsg: `Lists the threads of a process.

	threads [pid]

Without a pid the process selected with the process command is used.`},
		{aliases: []string{"regions", "vmas"}, group: osCmds, scopable: true, cmdFn: regionsCmd, helpMsg: `Lists the mapped regions of the address space of a process.

	regions [pid]`},
		{aliases: []string{"handles"}, group: osCmds, scopable: true, cmdFn: handlesCmd, helpMsg: `Lists the open handles of a process.

	handles [pid]

Only available for operating systems with handle tables.`},
		{aliases: []string{"list"}, group: osCmds, scopable: true, cmdFn: listWalkCmd, helpMsg: `Walks a circular doubly linked list.

	list <head> [offset]

Prints the address of every entry of the list whose head is at address head. Offset is the offset of the next pointer within an entry (default 0).`},
		{aliases: []string{"break", "b"}, group: breakCmds, scopable: true, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break [-hw] [-view <view>] <address>

Software breakpoints patch the guest memory, under a view other than the default view a shadow copy of the frame is patched instead. With -hw a debug register slot is reserved.

See also: "help clear", "help breakpoints"`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Print out info for active breakpoints.

	breakpoints`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearCmd, helpMsg: `Deletes breakpoint.

	clear <breakpoint id>`},
		{aliases: []string{"clearall"}, group: breakCmds, cmdFn: clearAll, helpMsg: `Deletes all breakpoints.

	clearall`},
		{aliases: []string{"view"}, group: viewCmds, cmdFn: viewCmd, helpMsg: `Manages physical memory views.

	view [list]
	view create
	view destroy <view>
	view remap <view> <gfn> <backing gfn>
	view reset <view> <gfn>
	view assign <vcpu> <view>

A view remaps guest frames to other frames. Each VCPU translates and reads memory through its active view.`},
		{aliases: []string{"cache"}, group: otherCmds, cmdFn: cacheCmd, helpMsg: `Inspects and controls the session caches.

	cache [stats]
	cache flush [gfn|v2p]
	cache on|off gfn|v2p`},
		{aliases: []string{"dump"}, group: otherCmds, cmdFn: dump, helpMsg: `Creates a dump of the guest.

	dump <output file>

The dump is an ELF file containing the registers of every VCPU and all readable guest memory. The guest is paused while it is written.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config <parameter>

Shows the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is specified and the output file exists it is truncated. If -x is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildNames()
	return c
}

func (c *Commands) buildNames() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

// complete returns the command names starting with prefix.
func (c *Commands) complete(prefix string) []string {
	r := c.names.PrefixSearch(prefix)
	sort.Strings(r)
	return r
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.names.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string, ctx callContext) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			if ctx.Scoped && !v.scopable {
				return notScopable
			}
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname, ctx)(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Vcpu: t.vcpu})
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildNames()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return errNoCmd
}

func notScopable(t *Term, ctx callContext, args string) error {
	return errors.New("command can not be applied to a vcpu")
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would, honoring quotes.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

// state returns the state of the VCPU of ctx under its active view.
func (t *Term) state(ctx callContext) (vmi.State, error) {
	return t.sess.Session.StateForVcpu(ctx.Vcpu)
}

// context returns the context commands read virtual memory through. It
// translates through the root of the selected process, if any.
func (t *Term) context(ctx callContext) (*vmi.Context, error) {
	st, err := t.state(ctx)
	if err != nil {
		return nil, err
	}
	c := st.Context()
	if t.process != nil && t.process.Root != 0 {
		c = c.WithRoot(t.process.Root)
	}
	return c, nil
}

var errNoOS = errors.New("no operating system profile loaded, use --offsets and --os")

// osContext returns the context OS plugin walks start from. It
// translates through the root of the VCPU, kernel structures are mapped
// there.
func (t *Term) osContext(ctx callContext) (*osi.Context, error) {
	if t.sess.OS == nil {
		return nil, errNoOS
	}
	st, err := t.sess.StateForVcpu(ctx.Vcpu)
	if err != nil {
		return nil, err
	}
	return st.Context(), nil
}

// evalAddr evaluates an address expression: a number, a register of the
// VCPU of ctx prefixed with '$' or a symbol of the profile, optionally
// followed by +offset or -offset.
func (t *Term) evalAddr(ctx callContext, expr string) (uint64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("no address specified")
	}
	if i := strings.LastIndexAny(expr, "+-"); i > 0 {
		base, err := t.evalAddr(ctx, expr[:i])
		if err != nil {
			return 0, err
		}
		off, err := strconv.ParseUint(strings.TrimSpace(expr[i+1:]), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid offset %q", expr[i+1:])
		}
		if expr[i] == '+' {
			return base + off, nil
		}
		return base - off, nil
	}
	if expr[0] == '$' {
		st, err := t.state(ctx)
		if err != nil {
			return 0, err
		}
		regs, err := st.Registers()
		if err != nil {
			return 0, err
		}
		for _, reg := range regs.Slice() {
			if strings.EqualFold(reg.Name, expr[1:]) {
				return starbind.RegisterValue(reg), nil
			}
		}
		return 0, fmt.Errorf("unknown register %q", expr[1:])
	}
	if n, err := strconv.ParseUint(expr, 0, 64); err == nil {
		return n, nil
	}
	if t.sess.Offsets == nil {
		return 0, fmt.Errorf("could not parse address %q", expr)
	}
	va, err := t.sess.SymbolAddress(expr)
	if err != nil {
		return 0, err
	}
	return uint64(va), nil
}

// parseVcpu parses a VCPU number and checks it against the guest.
func (t *Term) parseVcpu(s string) (vmi.VcpuID, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid vcpu %q", s)
	}
	if n >= uint64(t.sess.Info().Vcpus) {
		return 0, fmt.Errorf("vcpu %d out of range, the guest has %d vcpus", n, t.sess.Info().Vcpus)
	}
	return vmi.VcpuID(n), nil
}

func parseView(s string) (vmi.View, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid view %q", s)
	}
	return vmi.View(n), nil
}

func parseGFN(s string) (vmi.GFN, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame number %q", s)
	}
	return vmi.GFN(n), nil
}

func info(t *Term, ctx callContext, args string) error {
	info := t.sess.Info()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "Architecture:\t%s\n", t.sess.Arch().Name())
	fmt.Fprintf(w, "Page size:\t%#x\n", info.PageSize)
	fmt.Fprintf(w, "Memory:\t%d frames (highest %s)\n", uint64(info.MaxGFN)+1, info.MaxGFN)
	fmt.Fprintf(w, "VCPUs:\t%d (current %d)\n", info.Vcpus, t.vcpu)
	fmt.Fprintf(w, "Paused:\t%v\n", t.sess.Paused())
	views := make([]string, 0)
	for _, v := range t.sess.Views() {
		views = append(views, strconv.Itoa(int(v)))
	}
	fmt.Fprintf(w, "Views:\t%s\n", strings.Join(views, " "))
	gfns, translations := t.sess.CacheStats()
	fmt.Fprintf(w, "Caches:\t%d frames, %d translations\n", gfns, translations)
	fmt.Fprintf(w, "Max string length:\t%d\n", t.sess.MaxStringLength())
	if t.sess.OS != nil {
		fmt.Fprintf(w, "Operating system:\t%s\n", t.sess.OS.Name())
		fmt.Fprintf(w, "Kernel base:\t%s\n", t.sess.KernelBase)
	}
	if t.process != nil {
		fmt.Fprintf(w, "Process:\t%d %s\n", t.process.ID, t.process.Name)
	}
	return w.Flush()
}

func pauseCmd(t *Term, ctx callContext, args string) error {
	if t.guard != nil {
		return errors.New("guest already paused")
	}
	g, err := t.sess.Pause()
	if err != nil {
		return err
	}
	t.guard = g
	fmt.Fprintln(t.stdout, "Guest paused.")
	return nil
}

func resumeCmd(t *Term, ctx callContext, args string) error {
	if t.guard == nil {
		return errors.New("guest was not paused with the pause command")
	}
	err := t.guard.Release()
	t.guard = nil
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Guest resumed.")
	return nil
}

func (c *Commands) vcpuCommand(t *Term, ctx callContext, args string) error {
	if args == "" {
		v, err := t.sess.ActiveView(t.vcpu)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Current vcpu %d, %s\n", t.vcpu, v)
		return nil
	}
	v := config.Split2PartsBySpace(args)
	vcpu, err := t.parseVcpu(v[0])
	if err != nil {
		return err
	}
	if len(v) == 1 {
		t.vcpu = vcpu
		fmt.Fprintf(t.stdout, "Switched to vcpu %d\n", vcpu)
		return nil
	}
	return c.CallWithContext(v[1], t, callContext{Vcpu: vcpu, Scoped: true})
}

func regs(t *Term, ctx callContext, args string) error {
	st, err := t.state(ctx)
	if err != nil {
		return err
	}
	regs, err := st.Registers()
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', tabwriter.AlignRight)
	for _, reg := range regs.Slice() {
		fmt.Fprintf(w, "%s\t= %s\t\n", reg.Name, reg.Value)
	}
	return w.Flush()
}

func processCommand(t *Term, ctx callContext, args string) error {
	switch args {
	case "":
		if t.process == nil {
			fmt.Fprintf(t.stdout, "Using the page tables of vcpu %d\n", t.vcpu)
			return nil
		}
		fmt.Fprintf(t.stdout, "Process %d %s, root %s\n", t.process.ID, t.process.Name, t.process.Root)
		return nil
	case "-":
		t.process = nil
		fmt.Fprintf(t.stdout, "Using the page tables of vcpu %d\n", t.vcpu)
		return nil
	}
	pid, err := strconv.ParseUint(args, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid pid %q", args)
	}
	t.process = nil
	octx, err := t.osContext(ctx)
	if err != nil {
		return err
	}
	p, err := osi.FindProcess(octx, t.sess.OS, osi.ProcessID(pid))
	if err != nil {
		return err
	}
	t.process = &p
	fmt.Fprintf(t.stdout, "Switched to process %d %s, root %s\n", p.ID, p.Name, p.Root)
	return nil
}

func translate(t *Term, ctx callContext, args string) error {
	addr, err := t.evalAddr(ctx, args)
	if err != nil {
		return err
	}
	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	pa, err := c.Translate(vmi.VA(addr))
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s -> %s (%s)\n", vmi.VA(addr), pa, t.sess.Arch().GFNFromPA(pa))
	return nil
}

func probe(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments")
	}
	addr, err := t.evalAddr(ctx, v[0])
	if err != nil {
		return err
	}
	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	root, err := c.Root()
	if err != nil {
		return err
	}
	prober := c.State().Prober()
	if len(v) == 1 {
		r, err := prober.ProbeIn(root, vmi.VA(addr))
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s %s\n", vmi.VA(addr), t.formatResidency(r))
		return nil
	}
	n, err := strconv.ParseUint(v[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid length %q", v[1])
	}
	pageSize := t.sess.Info().PageSize
	end := addr + n
	for page := addr &^ (pageSize - 1); page < end; page += pageSize {
		r, err := prober.ProbeIn(root, vmi.VA(page))
		if err != nil {
			return err
		}
		if r != vmi.Resident {
			fmt.Fprintf(t.stdout, "%s %s\n", vmi.VA(page), t.formatResidency(r))
			return nil
		}
		if page+pageSize < page {
			break
		}
	}
	fmt.Fprintf(t.stdout, "%s-%s %s\n", vmi.VA(addr), vmi.VA(end), t.formatResidency(vmi.Resident))
	return nil
}

func (t *Term) formatResidency(r vmi.Residency) string {
	switch r {
	case vmi.Resident:
		return t.highlight(ansiGreen, r.String())
	case vmi.NotResident:
		return t.highlight(ansiRed, r.String())
	}
	return t.highlight(ansiYellow, r.String())
}

func examineMemoryCmd(t *Term, ctx callContext, args string) error {
	v := strings.FieldsFunc(args, func(c rune) bool {
		return c == ' '
	})

	var (
		address  uint64
		err      error
		ok       bool
		physical bool
		addrSet  bool
	)

	// Default value
	priFmt := byte('x')
	count := 1
	size := 1

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-fmt":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[v[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", v[i])
			}
		case "-count", "-len":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			var err error
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		case "-size":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -size")
			}
			var err error
			size, err = strconv.Atoi(v[i])
			if err != nil || size <= 0 || size > 8 {
				return fmt.Errorf("size must be a positive integer (<=8)")
			}
		case "-p":
			physical = true
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = t.evalAddr(ctx, v[i])
			if err != nil {
				return err
			}
			addrSet = true
		}
	}

	if count*size > maxExamineBytes {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to %d bytes", maxExamineBytes)
	}

	if !addrSet {
		return fmt.Errorf("no address specified")
	}

	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	memArea := make([]byte, count*size)
	if physical {
		err = c.Read(vmi.DirectAccess(vmi.PA(address)), memArea)
	} else {
		err = c.ReadAt(vmi.VA(address), memArea)
	}
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, prettyExamineMemory(address, memArea, priFmt, size))
	return nil
}

func stringCmd(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	var (
		max   int
		utf16 int
	)
	for len(v) > 1 {
		switch v[0] {
		case "-max", "-utf16":
			n, err := strconv.Atoi(v[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("argument of %s must be a positive integer", v[0])
			}
			if v[0] == "-max" {
				max = n
			} else {
				utf16 = n
			}
			v = v[2:]
		default:
			return fmt.Errorf("unknown option %q", v[0])
		}
	}
	if len(v) != 1 {
		return errors.New("no address specified")
	}
	addr, err := t.evalAddr(ctx, v[0])
	if err != nil {
		return err
	}
	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	var s string
	switch {
	case utf16 > 0:
		s, err = c.ReadUTF16(vmi.VA(addr), utf16)
	case max > 0:
		s, err = c.ReadStringN(vmi.VA(addr), max)
	default:
		s, err = c.ReadString(vmi.VA(addr))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%q\n", s)
	return nil
}

func writeCmd(t *Term, ctx callContext, args string) error {
	v, err := config.SplitQuotedFields(args, '"')
	if err != nil {
		return err
	}
	physical, text := false, false
	for len(v) > 0 && strings.HasPrefix(v[0], "-") {
		switch v[0] {
		case "-p":
			physical = true
		case "-s":
			text = true
		default:
			return fmt.Errorf("unknown option %q", v[0])
		}
		v = v[1:]
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments")
	}
	addr, err := t.evalAddr(ctx, v[0])
	if err != nil {
		return err
	}
	var data []byte
	if text {
		data = []byte(v[1])
	} else {
		data, err = hex.DecodeString(strings.TrimPrefix(v[1], "0x"))
		if err != nil {
			return fmt.Errorf("invalid hex bytes %q: %v", v[1], err)
		}
	}
	if len(data) == 0 {
		return errors.New("nothing to write")
	}
	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	if physical {
		err = c.Write(vmi.DirectAccess(vmi.PA(addr)), data)
	} else {
		err = c.WriteAt(vmi.VA(addr), data)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

func disassCommand(t *Term, ctx callContext, args string) error {
	const defaultDisassLen = 64

	v := strings.Fields(args)
	n := defaultDisassLen
	if len(v) >= 2 && v[0] == "-l" {
		var err error
		n, err = strconv.Atoi(v[1])
		if err != nil || n <= 0 || n > maxExamineBytes {
			return fmt.Errorf("length must be a positive integer (<=%d)", maxExamineBytes)
		}
		v = v[2:]
	}
	if len(v) > 1 {
		return errors.New("too many arguments")
	}

	st, err := t.state(ctx)
	if err != nil {
		return err
	}
	regs, err := st.Registers()
	if err != nil {
		return err
	}
	pc := regs.PC()
	addr := pc
	if len(v) == 1 {
		addr, err = t.evalAddr(ctx, v[0])
		if err != nil {
			return err
		}
	}

	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	mem := make([]byte, n)
	if err := c.ReadAt(vmi.VA(addr), mem); err != nil {
		return err
	}

	flavour := amd64.IntelFlavour
	switch strings.ToLower(t.conf.DisassembleFlavor) {
	case "", "intel":
	case "gnu", "att":
		flavour = amd64.GNUFlavour
	default:
		return fmt.Errorf("unknown disassemble flavor %q", t.conf.DisassembleFlavor)
	}

	bps := make(map[uint64]bool)
	view, _ := t.sess.ActiveView(ctx.Vcpu)
	for _, bp := range t.sess.Breakpoints() {
		if bp.View == view {
			bps[uint64(bp.Addr)] = true
		}
	}

	disasmPrint(t, amd64.Disassemble(mem, addr), pc, bps, flavour)
	return nil
}

// symbolLookup returns a function that names addresses with the symbols
// of the profile.
func (t *Term) symbolLookup() func(uint64) (string, uint64) {
	if t.sess.Offsets == nil {
		return nil
	}
	return t.sess.Offsets.Nearest(uint64(t.sess.KernelBase))
}

func symbolCmd(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	if t.sess.Offsets == nil {
		return errNoOS
	}
	va, err := t.sess.SymbolAddress(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %s\n", args, va)
	return nil
}

func psCmd(t *Term, ctx callContext, args string) error {
	octx, err := t.osContext(ctx)
	if err != nil {
		return err
	}
	it, err := t.sess.OS.Processes(octx)
	if err != nil {
		return err
	}
	t.longCommandStart()
	t.stdout.pw.PageMaybe(t.longCommandCancel)
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tNAME\tOBJECT\tROOT")
	for {
		if t.longCommandCanceled() {
			w.Flush()
			return errors.New("canceled")
		}
		p, err := it.Next()
		if err == iter.Done {
			break
		}
		if err != nil {
			fmt.Fprintf(w, "?\t<error: %v>\t\t\n", err)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.Object, p.Root)
	}
	return w.Flush()
}

// targetProcess returns the process named by args, or the selected one.
func (t *Term) targetProcess(octx *osi.Context, args string) (osi.Process, error) {
	if args == "" {
		if t.process == nil {
			return osi.Process{}, errors.New("no process selected, pass a pid or use the process command")
		}
		return *t.process, nil
	}
	pid, err := strconv.ParseUint(args, 0, 32)
	if err != nil {
		return osi.Process{}, fmt.Errorf("invalid pid %q", args)
	}
	return osi.FindProcess(octx, t.sess.OS, osi.ProcessID(pid))
}

func threadsCmd(t *Term, ctx callContext, args string) error {
	octx, err := t.osContext(ctx)
	if err != nil {
		return err
	}
	p, err := t.targetProcess(octx, args)
	if err != nil {
		return err
	}
	it, err := t.sess.OS.Threads(octx, p)
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TID\tOBJECT")
	for {
		th, err := it.Next()
		if err == iter.Done {
			break
		}
		if err != nil {
			fmt.Fprintf(w, "?\t<error: %v>\n", err)
			continue
		}
		tid, err := th.ID()
		obj, err2 := th.Object()
		switch {
		case err != nil:
			fmt.Fprintf(w, "?\t<error: %v>\n", err)
		case err2 != nil:
			fmt.Fprintf(w, "%d\t<error: %v>\n", tid, err2)
		default:
			fmt.Fprintf(w, "%d\t%s\n", tid, obj)
		}
	}
	return w.Flush()
}

func regionsCmd(t *Term, ctx callContext, args string) error {
	octx, err := t.osContext(ctx)
	if err != nil {
		return err
	}
	p, err := t.targetProcess(octx, args)
	if err != nil {
		return err
	}
	it, err := t.sess.OS.Regions(octx, p)
	if err != nil {
		return err
	}
	t.stdout.pw.PageMaybe(nil)
	for {
		r, err := it.Next()
		if err == iter.Done {
			break
		}
		if err != nil {
			fmt.Fprintf(t.stdout, "<error: %v>\n", err)
			continue
		}
		fmt.Fprintf(t.stdout, "%s %s\n", r, vmi.VA(r.Object))
	}
	return nil
}

func handlesCmd(t *Term, ctx callContext, args string) error {
	octx, err := t.osContext(ctx)
	if err != nil {
		return err
	}
	hl, ok := t.sess.OS.(osi.HandleLister)
	if !ok {
		return fmt.Errorf("handles are not supported for %s", t.sess.OS.Name())
	}
	p, err := t.targetProcess(octx, args)
	if err != nil {
		return err
	}
	it, err := hl.Handles(octx, p)
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tOBJECT")
	for {
		h, err := it.Next()
		if err == iter.Done {
			break
		}
		if err != nil {
			fmt.Fprintf(w, "?\t<error: %v>\n", err)
			continue
		}
		fmt.Fprintf(w, "%#x\t%s\n", h.Handle, h.Object)
	}
	return w.Flush()
}

func listWalkCmd(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments")
	}
	head, err := t.evalAddr(ctx, v[0])
	if err != nil {
		return err
	}
	var offset uint64
	if len(v) == 2 {
		offset, err = strconv.ParseUint(v[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q", v[1])
		}
	}
	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	t.longCommandStart()
	t.stdout.pw.PageMaybe(t.longCommandCancel)
	it := iter.NewList(c, vmi.VA(head), offset, t.limits())
	n := 0
	for {
		if t.longCommandCanceled() {
			return errors.New("canceled")
		}
		entry, err := it.Next()
		if err == iter.Done {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%d\t%s\n", n, entry)
		n++
	}
	fmt.Fprintf(t.stdout, "%d entries\n", n)
	return nil
}

// limits returns the bounds of guest structure walks.
func (t *Term) limits() iter.Limits {
	if t.sess.Limits != (iter.Limits{}) {
		return t.sess.Limits
	}
	return iter.Limits{MaxHops: t.conf.IterHops(), MaxErrors: t.conf.IterErrors()}
}

func breakpoint(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	kind := vmi.SoftwareBreakpoint
	view, err := t.sess.ActiveView(ctx.Vcpu)
	if err != nil {
		return err
	}
	for len(v) > 1 {
		switch v[0] {
		case "-hw":
			kind = vmi.HardwareBreakpoint
			v = v[1:]
		case "-view":
			view, err = parseView(v[1])
			if err != nil {
				return err
			}
			v = v[2:]
		default:
			return fmt.Errorf("unknown option %q", v[0])
		}
	}
	if len(v) != 1 {
		return errors.New("no address specified")
	}
	addr, err := t.evalAddr(ctx, v[0])
	if err != nil {
		return err
	}
	c, err := t.context(ctx)
	if err != nil {
		return err
	}
	root, err := c.Root()
	if err != nil {
		return err
	}
	bp, err := t.sess.InsertBreakpoint(vmi.Breakpoint{Addr: vmi.VA(addr), Root: root, View: view, Kind: kind})
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set at %s\n", formatBreakpointName(bp, true), t.formatBreakpointLocation(bp))
	return nil
}

func breakpoints(t *Term, ctx callContext, args string) error {
	bps := t.sess.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	for _, bp := range bps {
		fmt.Fprintf(t.stdout, "%s at %s\n", formatBreakpointName(bp, true), t.formatBreakpointLocation(bp))
	}
	return nil
}

func clearCmd(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("not enough arguments")
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid breakpoint id %q", args)
	}
	var bp *vmi.Breakpoint
	for _, b := range t.sess.Breakpoints() {
		if b.ID == vmi.BreakpointID(id) {
			b := b
			bp = &b
			break
		}
	}
	if bp == nil {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	if err := t.sess.RemoveBreakpoint(bp.ID); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s cleared at %s\n", formatBreakpointName(*bp, true), t.formatBreakpointLocation(*bp))
	return nil
}

func clearAll(t *Term, ctx callContext, args string) error {
	n := len(t.sess.Breakpoints())
	if err := t.clearAllBreakpoints(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Cleared %d breakpoints.\n", n)
	return nil
}

func formatBreakpointName(bp vmi.Breakpoint, upcase bool) string {
	thing := "breakpoint"
	if upcase {
		thing = "Breakpoint"
	}
	return fmt.Sprintf("%s %d", thing, bp.ID)
}

func (t *Term) formatBreakpointLocation(bp vmi.Breakpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) in %s, frame %s", bp.Addr, bp.Kind, bp.View, bp.GFN)
	if bp.Shadow != 0 {
		fmt.Fprintf(&b, " shadowed by %s", bp.Shadow)
	}
	if bp.Kind == vmi.HardwareBreakpoint {
		fmt.Fprintf(&b, " slot %d", bp.Slot)
	}
	if lookup := t.symbolLookup(); lookup != nil {
		if name, base := lookup(uint64(bp.Addr)); name != "" {
			if off := uint64(bp.Addr) - base; off != 0 {
				fmt.Fprintf(&b, " <%s+%#x>", name, off)
			} else {
				fmt.Fprintf(&b, " <%s>", name)
			}
		}
	}
	return b.String()
}

func viewCmd(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 {
		v = []string{"list"}
	}
	switch v[0] {
	case "list":
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "VIEW\tREMAPPED\tVCPUS")
		for _, view := range t.sess.Views() {
			remapped, err := t.sess.Remapped(view)
			if err != nil {
				return err
			}
			var vcpus []string
			for i := 0; i < int(t.sess.Info().Vcpus); i++ {
				if active, _ := t.sess.ActiveView(vmi.VcpuID(i)); active == view {
					vcpus = append(vcpus, strconv.Itoa(i))
				}
			}
			fmt.Fprintf(w, "%d\t%d\t%s\n", view, len(remapped), strings.Join(vcpus, ","))
		}
		return w.Flush()
	case "create":
		view, err := t.sess.CreateView()
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Created %s\n", view)
		return nil
	case "destroy":
		if len(v) != 2 {
			return errors.New("wrong number of arguments")
		}
		view, err := parseView(v[1])
		if err != nil {
			return err
		}
		if err := t.sess.DestroyView(view); err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Destroyed %s\n", view)
		return nil
	case "remap":
		if len(v) != 4 {
			return errors.New("wrong number of arguments")
		}
		view, err := parseView(v[1])
		if err != nil {
			return err
		}
		gfn, err := parseGFN(v[2])
		if err != nil {
			return err
		}
		backing, err := parseGFN(v[3])
		if err != nil {
			return err
		}
		return t.sess.RemapFrame(view, gfn, backing)
	case "reset":
		if len(v) != 3 {
			return errors.New("wrong number of arguments")
		}
		view, err := parseView(v[1])
		if err != nil {
			return err
		}
		gfn, err := parseGFN(v[2])
		if err != nil {
			return err
		}
		return t.sess.ResetFrame(view, gfn)
	case "assign":
		if len(v) != 3 {
			return errors.New("wrong number of arguments")
		}
		vcpu, err := t.parseVcpu(v[1])
		if err != nil {
			return err
		}
		view, err := parseView(v[2])
		if err != nil {
			return err
		}
		return t.sess.AssignView(vcpu, view)
	}
	return fmt.Errorf("unknown view subcommand %q", v[0])
}

func cacheCmd(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 {
		v = []string{"stats"}
	}
	switch v[0] {
	case "stats":
		gfns, translations := t.sess.CacheStats()
		fmt.Fprintf(t.stdout, "%d frames, %d translations\n", gfns, translations)
		return nil
	case "flush":
		which := "all"
		if len(v) > 1 {
			which = v[1]
		}
		switch which {
		case "all":
			t.sess.FlushGFNCache()
			t.sess.FlushV2PCache()
		case "gfn":
			t.sess.FlushGFNCache()
		case "v2p":
			t.sess.FlushV2PCache()
		default:
			return fmt.Errorf("unknown cache %q", which)
		}
		return nil
	case "on", "off":
		if len(v) != 2 {
			return errors.New("wrong number of arguments")
		}
		enabled := v[0] == "on"
		switch v[1] {
		case "gfn":
			return t.sess.SetGFNCacheEnabled(enabled)
		case "v2p":
			return t.sess.SetV2PCacheEnabled(enabled)
		}
		return fmt.Errorf("unknown cache %q", v[1])
	}
	return fmt.Errorf("unknown cache subcommand %q", v[0])
}

func dump(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return fmt.Errorf("not enough arguments")
	}
	fh, err := os.Create(v[0])
	if err != nil {
		return err
	}
	t.longCommandStart()
	dumpState := &elfdump.DumpState{Dumping: true, DoneChan: make(chan struct{})}
	go elfdump.Dump(fh, t.sess.Session, dumpState)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for done := false; !done; {
		select {
		case <-dumpState.DoneChan:
			done = true
		case <-tick.C:
			if t.longCommandCanceled() {
				dumpState.Mutex.Lock()
				dumpState.Canceled = true
				dumpState.Mutex.Unlock()
			}
		}
		dumpState.Mutex.Lock()
		if dumpState.VcpusDone != dumpState.VcpusTotal {
			fmt.Fprintf(t.stdout, "\rDumping vcpus %d / %d...", dumpState.VcpusDone, dumpState.VcpusTotal)
		} else {
			fmt.Fprintf(t.stdout, "\rDumping memory %d / %d...", dumpState.FramesDone, dumpState.FramesTotal)
		}
		dumpState.Mutex.Unlock()
	}
	fmt.Fprintf(t.stdout, "\n")

	dumpState.Mutex.Lock()
	defer dumpState.Mutex.Unlock()
	switch {
	case dumpState.Err != nil:
		return fmt.Errorf("error dumping: %v", dumpState.Err)
	case !dumpState.AllDone:
		fmt.Fprintf(t.stdout, "canceled\n")
	case dumpState.FramesDone != dumpState.FramesTotal:
		fmt.Fprintf(t.stdout, "Dump could be incomplete\n")
	}
	return nil
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

func transcript(t *Term, ctx callContext, args string) error {
	v := strings.Fields(args)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range v {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			} else {
				path = arg
			}
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits the shell.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
