package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maskauth/gibbon/pkg/gibbon"
)

const helpFlag = "--help"

// Run is the main entry point. Returns exit code.
func Run(ctx context.Context, out, errOut io.Writer, args []string, env []string) int {
	o := NewIO(out, errOut)

	if len(args) < 2 {
		printUsage(o)

		return 0
	}

	flags, err := parseGlobalFlags(args[1:])
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	workDir := flags.workDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			o.ErrPrintln("error: cannot get working directory:", err)

			return 1
		}
	}

	if len(flags.remaining) == 0 {
		printUsage(o)

		return 0
	}

	cmd := flags.remaining[0]
	if cmd == "-h" || cmd == helpFlag {
		printUsage(o)

		return 0
	}

	for _, c := range commands(workDir, flags.configPath, env) {
		if c.Name() == cmd {
			return c.Run(ctx, o, flags.remaining[1:])
		}
	}

	o.ErrPrintln("error: unknown command:", cmd)
	printUsage(o)

	return 1
}

func commands(workDir, configPath string, env []string) []*Command {
	return []*Command{
		newInitCommand(workDir, configPath, env),
		newPrintConfigCommand(workDir, configPath, env),
	}
}

type globalFlags struct {
	workDir    string
	configPath string
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// parseFlag tries to parse a global flag at args[idx]. Returns the
// number of args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	if arg == "-C" || arg == "--cwd" {
		if idx+1 >= len(args) {
			return 0, fmt.Errorf("flag requires an argument: %s", arg)
		}

		flags.workDir = args[idx+1]

		return 2, nil
	}

	if after, ok := strings.CutPrefix(arg, "--cwd="); ok {
		flags.workDir = after

		return 1, nil
	}

	if arg == "-c" || arg == "--config" {
		if idx+1 >= len(args) {
			return 0, fmt.Errorf("flag requires an argument: %s", arg)
		}

		flags.configPath = args[idx+1]

		return 2, nil
	}

	if after, ok := strings.CutPrefix(arg, "--config="); ok {
		flags.configPath = after

		return 1, nil
	}

	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	if strings.HasPrefix(arg, "-") && arg != "-" {
		return 0, fmt.Errorf("unknown flag: %s", arg)
	}

	// Not a flag
	return 0, nil
}

func newPrintConfigCommand(workDir, configPath string, env []string) *Command {
	cmd := &Command{
		Usage: "print-config",
		Short: "Show resolved configuration",
	}
	cmd.Flags = newFlagSet(cmd)

	cmd.Exec = func(_ context.Context, o *IO, _ []string) error {
		cfg, sources, err := gibbon.LoadConfig(workDir, configPath, env)
		if err != nil {
			return err
		}

		formatted, err := gibbon.FormatConfig(cfg)
		if err != nil {
			return err
		}

		o.Println(formatted)
		o.Println("")
		o.Println("# Sources:")

		if sources.Global != "" {
			o.Println("#   global:", sources.Global)
		}

		if sources.Project != "" {
			o.Println("#   project:", sources.Project)
		}

		if sources.Global == "" && sources.Project == "" {
			o.Println("#   (using defaults only)")
		}

		return nil
	}

	return cmd
}

func printUsage(o *IO) {
	o.Println(`gibbon - bitmask authorization store

Usage: gibbon [options] <command> [args]

Options:
  -C, --cwd <dir>    Run as if started in <dir>
  -c, --config       Use specified config file

Commands:`)

	for _, c := range commands("", "", nil) {
		o.Println(c.HelpLine())
	}
}
