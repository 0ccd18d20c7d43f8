package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/launcher"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Describe a capsule archive without launching it",
	Long: `Resolve a capsule archive's entry point and print its manifest, lineage,
members, and the operations its entry module exports. Inspection shares
the loader's validation: an archive inspect accepts will also launch.`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) {
	info, err := launcher.Inspect(cmd.Context(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
