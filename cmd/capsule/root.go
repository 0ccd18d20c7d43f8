package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/launcher"
)

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Load, inspect, and launch capsule archives",
	Long: `capsule - Work with capsule archives: zip packages that ship WebAssembly
modules behind a single declared entry point.

Every archive runs in its own isolated runtime. Instances are driven
through a version-adaptive facade, so old and new capsule revisions answer
the same commands.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("cache", "", "Compilation cache directory")
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// openOptions is the option set shared by every command that opens an
// archive for launching.
func openOptions(cmd *cobra.Command) []launcher.Option {
	opts := []launcher.Option{
		launcher.WithLogger(newLogger(cmd)),
		launcher.WithStdout(os.Stdout),
		launcher.WithStderr(os.Stderr),
	}
	if cache, _ := cmd.Root().PersistentFlags().GetString("cache"); cache != "" {
		opts = append(opts, launcher.WithCompilationCache(cache))
	}
	return opts
}
