package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-delve/vmi/cmd/vmi/cmds/helphelpers"
	"github.com/go-delve/vmi/pkg/config"
	"github.com/go-delve/vmi/pkg/driver/elfdump"
	"github.com/go-delve/vmi/pkg/driver/gdbstub"
	"github.com/go-delve/vmi/pkg/driver/xencore"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/terminal"
	"github.com/go-delve/vmi/pkg/version"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
	"github.com/go-delve/vmi/pkg/vmi/iter"
	"github.com/go-delve/vmi/pkg/vmi/osi"
	"github.com/go-delve/vmi/pkg/vmi/osi/linux"
	"github.com/go-delve/vmi/pkg/vmi/osi/windows"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// offsetsName is the offset profile, a path or a name in the offsets directory.
	offsetsName string
	// osName selects the OS plugin.
	osName string
	// kernelBase is the load address of the kernel image.
	kernelBase string
	// noCache disables the frame and translation caches.
	noCache bool

	// maxGFN is the highest guest frame number of a gdbstub target.
	maxGFN uint64

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const vmiCommandLongDesc = `vmi inspects the memory and virtual CPUs of a running or saved virtual machine.

It reads guest physical memory, translates guest virtual addresses through the
guest's own page tables, manages breakpoints and memory views, and walks kernel
data structures to list processes, threads, memory regions and handles.

Select the OS plugin with --os and point --offsets at the offset profile of the
guest kernel to enable the OS commands.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}

	// Main vmi root command.
	rootCommand = &cobra.Command{
		Use:   "vmi",
		Short: "vmi is a virtual machine introspection tool.",
		Long:  vmiCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'vmi help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'vmi help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal.")
	rootCommand.PersistentFlags().StringVar(&offsetsName, "offsets", "", "Offset profile of the guest kernel.")
	rootCommand.PersistentFlags().StringVar(&osName, "os", "linux", `OS plugin, "linux" or "windows".`)
	rootCommand.PersistentFlags().StringVar(&kernelBase, "kernel-base", "0", "Load address of the kernel, symbols of the offset profile are relative to it.")
	rootCommand.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Disable the frame and translation caches.")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect [addr]",
		Short: "Connect to the gdbstub of a running virtual machine.",
		Long: `Connect to the gdbstub of a running virtual machine.

The address defaults to gdbstub.addr of the configuration file. The
connection is retried until gdbstub.connect-timeout expires.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return errors.New("too many arguments")
			}
			return nil
		},
		Run: connectCmd,
	}
	connectCommand.Flags().Uint64Var(&maxGFN, "max-gfn", 0x3ffff, "Highest guest frame number, the stub can not report the memory size.")
	rootCommand.AddCommand(connectCommand)

	// 'xen' subcommand.
	xenCommand := &cobra.Command{
		Use:   "xen <core>",
		Short: "Examine a Xen core dump.",
		Long: `Examine a Xen core dump.

The xen command opens an ELF core file written by 'xl dump-core' and lets you
examine the guest as it was when the dump was taken. Writes are rejected.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a core file")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func() (vmi.Driver, error) {
				return xencore.Open(args[0])
			}))
		},
	}
	rootCommand.AddCommand(xenCommand)

	// 'core' subcommand.
	coreCommand := &cobra.Command{
		Use:   "core <dump>",
		Short: "Examine a dump written by the dump command.",
		Long: `Examine a dump written by the dump command.

The core command opens a physical memory dump, as written by the 'dump'
terminal command, together with the register state of every virtual CPU.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a dump file")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func() (vmi.Driver, error) {
				return elfdump.Open(args[0])
			}))
		},
	}
	rootCommand.AddCommand(coreCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vmi\n%s\n", version.VMIVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "drivers",
		Short: "Help about the available drivers.",
		Long: `Every subcommand opens the guest with a different driver:

	connect		Live guest behind a gdbstub (QEMU -s, KVM).
	xen		Xen core dump written by 'xl dump-core', read only.
	core		Dump written by the 'dump' terminal command, read only.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log session operations (caches, breakpoints, views)
	driver		Log driver operations
	gdbwire		Log the packets exchanged with the gdbstub
	iter		Log errors of kernel structure walks
	os		Log OS plugin operations
	terminal	Log terminal commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func connectCmd(cmd *cobra.Command, args []string) {
	addr := conf.GdbstubAddr()
	if len(args) > 0 {
		addr = args[0]
	}
	os.Exit(execute(func() (vmi.Driver, error) {
		timeout, err := conf.ConnectTimeout()
		if err != nil {
			return nil, err
		}
		return gdbstub.Connect(context.Background(), gdbstub.Config{
			Addr:           addr,
			ConnectTimeout: timeout,
			MaxGFN:         vmi.GFN(maxGFN),
		})
	}))
}

func execute(open func() (vmi.Driver, error)) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	base, err := parseKernelBase(kernelBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	driver, err := open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open the guest: %v\n", err)
		return 1
	}

	sess, err := vmi.NewSession(amd64.New(), driver, sessionOptions(conf, noCache)...)
	if err != nil {
		driver.Close()
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer sess.Close()

	osSess, err := newOSSession(sess, conf, offsetsName, osName, base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	term := terminal.New(osSess, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

func sessionOptions(conf *config.Config, noCache bool) []vmi.SessionOption {
	opts := []vmi.SessionOption{
		vmi.WithGFNCacheSize(conf.GFNCache()),
		vmi.WithV2PCacheSize(conf.V2PCache()),
		vmi.WithMaxStringLength(conf.StringLimit()),
		vmi.WithLogger(logflags.SessionLogger()),
	}
	if noCache {
		opts = append(opts, vmi.WithoutCaches())
	}
	return opts
}

// newOSSession loads the offset profile and instantiates the OS plugin.
// Without a profile the session has no OS plugin and only the commands
// that do not walk kernel structures work.
func newOSSession(sess *vmi.Session, conf *config.Config, offsetsName, osName string, base vmi.VA) (*osi.Session, error) {
	if offsetsName == "" {
		return osi.NewSession(sess, nil, nil, base), nil
	}
	offsets, err := osi.LoadOffsets(conf.OffsetsPath(offsetsName))
	if err != nil {
		return nil, err
	}
	var plugin osi.OS
	switch strings.ToLower(osName) {
	case "linux":
		plugin, err = linux.New(offsets)
	case "windows":
		plugin, err = windows.New(offsets)
	default:
		return nil, fmt.Errorf("unknown OS %q", osName)
	}
	if err != nil {
		return nil, err
	}
	s := osi.NewSession(sess, offsets, plugin, base)
	s.Limits = iter.Limits{MaxHops: conf.IterHops(), MaxErrors: conf.IterErrors()}
	return s, nil
}

func parseKernelBase(s string) (vmi.VA, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid kernel base %q: %v", s, err)
	}
	return vmi.VA(n), nil
}
