package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/launcher"
)

var shellCmd = &cobra.Command{
	Use:   "shell <archive>",
	Short: "Interactive shell against one launched instance",
	Long: `Launch one instance and drive it interactively.

Commands:
  version              Print the capsule version
  props                Print the property view
  attr <name>          Look up an attribute
  has <name>           Check whether an attribute is defined
  call <op> [payload]  Call a module operation
  entry                Print the entry point
  exit                 Quit (also Ctrl+D)

End a line with \ to continue a payload on the next line.`,
	Args: cobra.ExactArgs(1),
	Run:  runShell,
}

func init() {
	shellCmd.Flags().StringP("mode", "m", "", "Capsule mode for the launch")
	shellCmd.Flags().StringToString("prop", nil, "Property to set (repeatable, name=value)")
	shellCmd.Flags().String("history", "", "History file path (default: ~/.capsule_history)")
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".capsule_history")
	}

	l, err := launcher.Open(ctx, args[0], openOptions(cmd)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer l.Close(ctx)

	props, _ := cmd.Flags().GetStringToString("prop")
	for name, value := range props {
		l.SetProperty(name, value)
	}

	mode, _ := cmd.Flags().GetString("mode")
	f, err := l.Launch(ctx, launcher.WithMode(mode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "capsule shell on %s (type 'exit' to quit, Ctrl+D to exit)\n", f.Entry().Name)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
					continue
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if err := runShellCommand(ctx, f, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func runShellCommand(ctx context.Context, f *launcher.Facade, line string) error {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "version":
		v, err := f.GetVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)

	case "props":
		props, err := f.GetProperties(ctx)
		if err != nil {
			return err
		}
		return printJSON(props)

	case "attr":
		if len(rest) != 1 {
			return fmt.Errorf("usage: attr <name>")
		}
		val, err := f.GetAttribute(ctx, launcher.Attribute{Name: rest[0]})
		if err != nil {
			return err
		}
		return printJSON(val)

	case "has":
		if len(rest) != 1 {
			return fmt.Errorf("usage: has <name>")
		}
		ok, err := f.HasAttribute(ctx, launcher.Attribute{Name: rest[0]})
		if err != nil {
			return err
		}
		fmt.Println(ok)

	case "call":
		if len(rest) == 0 {
			return fmt.Errorf("usage: call <op> [payload]")
		}
		after := strings.TrimSpace(line[len("call"):])
		payload := strings.TrimSpace(after[len(rest[0]):])
		out, err := f.Call(ctx, rest[0], []byte(payload))
		if err != nil {
			return err
		}
		fmt.Println(string(out))

	case "entry":
		return printJSON(f.Entry())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
