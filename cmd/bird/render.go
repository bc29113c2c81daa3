package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	playground "github.com/joshuadavidthomas/django-bird-playground"
	"github.com/spf13/cobra"
)

var renderCmd = &cobra.Command{
	Use:   "render [file]",
	Short: "Render a Django template",
	Long: `Render a template through the embedded Django runtime.

The template can be provided via:
  - File argument: bird render card.html
  - Inline flag: bird render -t 'Hello {{ name }}!'
  - Stdin: echo '{{ 1|add:1 }}' | bird render

Context is inline JSON via --context or a JSON file via --context-file.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRender,
}

func init() {
	addRenderFlags(renderCmd)
	rootCmd.AddCommand(renderCmd)
}

func addRenderFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("template", "t", "", "Template source to render")
	cmd.Flags().StringP("context", "c", "", "Template context as inline JSON")
	cmd.Flags().String("context-file", "", "Template context from a JSON file")
	cmd.Flags().StringSlice("packages", nil, "Install packages before rendering (repeatable)")
	cmd.Flags().Duration("timeout", 0, "Render timeout (default: request timeout)")
	cmd.Flags().StringP("output", "o", "", "Write output to file instead of stdout")
}

// readSource resolves command input from an inline flag, a file
// argument or stdin, in that order. A false return means help was
// shown because no input was available.
func readSource(cmd *cobra.Command, args []string, inline string) (string, bool) {
	switch {
	case inline != "":
		return inline, true
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return string(data), true
	default:
		// Check if stdin has data (not a terminal)
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			cmd.Help()
			return "", false
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(data) == 0 {
			cmd.Help()
			return "", false
		}
		return string(data), true
	}
}

func parseContext(inline, file string) (map[string]any, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use --context or --context-file, not both")
	case inline != "":
		data = []byte(inline)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	default:
		return nil, nil
	}
	var tctx map[string]any
	if err := json.Unmarshal(data, &tctx); err != nil {
		return nil, fmt.Errorf("invalid context JSON: %w", err)
	}
	return tctx, nil
}

func writeResult(out, path string) {
	if path == "" {
		fmt.Print(out)
		return
	}
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRender(cmd *cobra.Command, args []string) {
	inline, _ := cmd.Flags().GetString("template")
	ctxJSON, _ := cmd.Flags().GetString("context")
	ctxFile, _ := cmd.Flags().GetString("context-file")
	packages, _ := cmd.Flags().GetStringSlice("packages")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	outPath, _ := cmd.Flags().GetString("output")

	source, ok := readSource(cmd, args, inline)
	if !ok {
		return
	}

	tctx, err := parseContext(ctxJSON, ctxFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	pg := initPlayground(cmd)
	defer pg.Cleanup()

	var opts []playground.RenderOption
	if len(packages) > 0 {
		opts = append(opts, playground.WithPackages(packages...))
	}
	if timeout > 0 {
		opts = append(opts, playground.WithRenderTimeout(timeout))
	}

	out, err := pg.Render(context.Background(), source, tctx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	writeResult(out, outPath)
}
