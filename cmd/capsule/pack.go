package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/archive"
	"github.com/caffeineduck/capsule/internal/wasmbin"
	"github.com/caffeineduck/capsule/launcher"
)

var packCmd = &cobra.Command{
	Use:   "pack <output> <main.wasm> [member...]",
	Short: "Build a capsule archive from WebAssembly modules",
	Long: `Build a capsule archive. The first module becomes the manifest's main
entry; further files are added as plain members.

A module compiled without a lineage section will not load, so --lineage
can stamp one in, child first:

  capsule pack app.capsule app.wasm --lineage MyCapsule --lineage Capsule`,
	Args: cobra.MinimumNArgs(2),
	Run:  runPack,
}

func init() {
	packCmd.Flags().String("name", "", "Capsule name (default: output file stem)")
	packCmd.Flags().String("version", "0.1.0", "Capsule version")
	packCmd.Flags().String("description", "", "Capsule description")
	packCmd.Flags().StringSlice("lineage", nil, "Lineage entry to stamp into the main module, child first (repeatable)")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) {
	output := args[0]

	members := make(map[string][]byte, len(args)-1)
	for _, path := range args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		members[filepath.Base(path)] = data
	}
	mainName := filepath.Base(args[1])

	if lineage, _ := cmd.Flags().GetStringSlice("lineage"); len(lineage) > 0 {
		stamped, err := wasmbin.AppendCustomSection(
			members[mainName], launcher.LineageSection, []byte(strings.Join(lineage, "\n")))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		members[mainName] = stamped
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))
	}
	version, _ := cmd.Flags().GetString("version")
	description, _ := cmd.Flags().GetString("description")

	manifest := archive.Manifest{
		Name:        name,
		Version:     version,
		Main:        mainName,
		Description: description,
	}
	if err := archive.WriteFile(output, manifest, members); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s (%d members, entry %s)\n", output, len(members), mainName)
}
