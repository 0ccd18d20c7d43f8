package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/launcher"
)

var launchCmd = &cobra.Command{
	Use:   "launch <archive>",
	Short: "Launch a capsule instance and print what it reports",
	Long: `Launch one instance from a capsule archive and print its version and
property view as JSON.

Properties set with --prop are visible to the instance; --mode selects the
capsule mode for the construction window only. With --op the named module
operation is called after launch and its result included in the report.`,
	Args: cobra.ExactArgs(1),
	Run:  runLaunch,
}

func init() {
	launchCmd.Flags().StringP("mode", "m", "", "Capsule mode for this launch")
	launchCmd.Flags().String("wrapped", "", "Archive the instance must launch on our behalf")
	launchCmd.Flags().StringToString("prop", nil, "Property to set (repeatable, name=value)")
	launchCmd.Flags().String("cache-dir", "", "Application cache directory for the instance")
	launchCmd.Flags().StringSlice("arg", nil, "Extra argv entry (repeatable)")
	launchCmd.Flags().Bool("remote-management", false, "Append the remote management flag to argv")
	launchCmd.Flags().String("op", "", "Module operation to call after launch")
	launchCmd.Flags().String("payload", "", "Payload for --op")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

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
	if cacheDir, _ := cmd.Flags().GetString("cache-dir"); cacheDir != "" {
		l.SetCacheDir(cacheDir)
	}

	mode, _ := cmd.Flags().GetString("mode")
	wrapped, _ := cmd.Flags().GetString("wrapped")
	extra, _ := cmd.Flags().GetStringSlice("arg")
	if rm, _ := cmd.Flags().GetBool("remote-management"); rm {
		extra = launcher.EnableRemoteManagement(extra)
	}

	launchOpts := []launcher.LaunchOption{launcher.WithMode(mode), launcher.WithArgs(extra...)}
	if wrapped != "" {
		launchOpts = append(launchOpts, launcher.WithWrapped(wrapped))
	}

	f, err := l.Launch(ctx, launchOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close(ctx)

	report := map[string]any{
		"entry":    f.Entry(),
		"instance": f.InstanceID(),
	}
	if v, err := f.GetVersion(ctx); err == nil {
		report["version"] = v
	}
	if p, err := f.GetProperties(ctx); err == nil {
		report["properties"] = p
	}

	if op, _ := cmd.Flags().GetString("op"); op != "" {
		payload, _ := cmd.Flags().GetString("payload")
		out, err := f.Call(ctx, op, []byte(payload))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		report["result"] = string(out)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
