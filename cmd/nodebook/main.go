package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┌┐┌┌─┐┌┬┐┌─┐┌┐ ┌─┐┌─┐┬┌─
  │││││ │ ││├┤ ├┴┐│ ││ │├┴┐
  ┘└┘└─┘─┴┘└─┘└─┘└─┘└─┘┴ ┴
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "nodebook",
		Short: "Reactive notebook runtime",
		Long: `Nodebook runs reactive notebooks: JSON documents of inputs,
formulas, markdown and JavaScript code cells wired through a
versioned value store.

Writes propagate automatically. Changing an input re-evaluates
every formula, markdown template and code cell that reads it,
and WebSocket subscribers see each accepted change.

  • serve exposes a notebook over HTTP and WebSocket
  • run executes a notebook headless and prints the results`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the nodebook ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
