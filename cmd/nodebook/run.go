package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/nodebook-dev/nodebook/internal/config"
	"github.com/nodebook-dev/nodebook/pkg/blobstore"
	"github.com/nodebook-dev/nodebook/pkg/notebook"
)

func runCmd() *cobra.Command {
	var (
		configPath string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "run <notebook>",
		Short: "Execute a notebook and print the results",
		Long: `Load a notebook document, let every cell settle, and print the
resulting values in document order. The argument is a local file
or an s3:// ref.

The command exits non-zero when any cell fails.

Examples:
  nodebook run budget.json
  nodebook run s3://notebooks/budget.json --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotebook(configPath, args[0], jsonOut)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to nodebook.yaml (default ./nodebook.yaml)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the settled values as JSON")

	return cmd
}

func runNotebook(configPath, ref string, jsonOut bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}

	rt := notebook.NewRuntime(notebook.Config{
		Logger:            logger,
		Storage:           store,
		EvalTimeout:       cfg.Runtime.EvalTimeout.Std(),
		EvalBudget:        cfg.Runtime.EvalBudget,
		BudgetWindow:      cfg.Runtime.BudgetWindow.Std(),
		MaxConsoleEntries: cfg.Runtime.MaxConsoleEntries,
	})
	defer rt.Close()

	ctx := context.Background()

	var blobs blobstore.Source
	if blobstore.IsS3Ref(ref) {
		blobs, err = blobstore.NewS3SourceFromEnv(ctx)
		if err != nil {
			return err
		}
	}

	data, err := readNotebook(ctx, blobs, ref)
	if err != nil {
		return err
	}
	doc, err := notebook.ParseDocument(data)
	if err != nil {
		return err
	}

	result, err := rt.LoadNotebook(ctx, doc)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printSnapshot(rt); err != nil {
			return err
		}
	} else {
		printResults(rt, doc)
	}

	if result.Failed() {
		for _, f := range result.Failures {
			warn("%s", f)
		}
		return fmt.Errorf("%d of %d cells failed", len(result.Failures), result.CellCount)
	}
	return nil
}

func printResults(rt *notebook.Runtime, doc *notebook.Document) {
	for i := range doc.Cells {
		cell := &doc.Cells[i]
		switch cell.Kind {
		case notebook.KindInput:
			info("input    %s = %v", cell.Name, rt.Variable(cell.Name))

		case notebook.KindFormula:
			if err := rt.FormulaError(cell.Name); err != nil {
				warn("formula  %s: %v", cell.Name, err)
				continue
			}
			info("formula  %s = %v", cell.Name, rt.Variable(cell.Name))

		case notebook.KindMarkdown:
			rendered, _ := rt.RenderedMarkdown(cell.ID)
			info("markdown %s:", cell.ID)
			for _, line := range strings.Split(rendered, "\n") {
				info("  %s", line)
			}

		case notebook.KindCode:
			state, _ := rt.CellState(cell.ID)
			if err := rt.CellError(cell.ID); err != nil {
				warn("cell     %s (%s): %v", cell.ID, state, err)
			} else {
				info("cell     %s (%s)", cell.ID, state)
			}
			for _, name := range rt.CellExports(cell.ID) {
				info("  %s = %v", name, rt.Variable(name))
			}
			for _, entry := range rt.CellConsole(cell.ID) {
				info("  [%s] %s", entry.Level, entry.Text)
			}
		}
	}
}

// printSnapshot writes the settled values as JSON, leaving out the
// bookkeeping names cells maintain under the __cell prefix.
func printSnapshot(rt *notebook.Runtime) error {
	snapshot := rt.Snapshot()
	values := make(map[string]any, len(snapshot))
	for name, value := range snapshot {
		if strings.HasPrefix(name, "__") {
			continue
		}
		values[name] = value
	}

	data, err := sonic.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
