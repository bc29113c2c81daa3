package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process [file]",
	Short: "Render declared templates inside an HTML document",
	Long: `Scan an HTML document for elements carrying data-bird-template
attributes, render each through the runtime and write the document back
with rendered content in place.

Elements declare their own context and packages; the element text is
the template source:

  <div data-bird-template
       data-bird-context='{"name": "World"}'
       data-bird-packages='["django-bird"]'>
    Hello {{ name }}!
  </div>

The document can be provided via a file argument or stdin.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runProcess,
}

func init() {
	processCmd.Flags().StringP("output", "o", "", "Write the document to file instead of stdout")
	processCmd.Flags().String("error-text", "", "Replacement markup for elements that fail to render")
	processCmd.Flags().Bool("strict", false, "Exit non-zero when any element fails to render")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) {
	outPath, _ := cmd.Flags().GetString("output")
	errorText, _ := cmd.Flags().GetString("error-text")
	strict, _ := cmd.Flags().GetBool("strict")

	source, ok := readSource(cmd, args, "")
	if !ok {
		return
	}

	pg := initPlayground(cmd)
	defer pg.Cleanup()

	opts := []autorender.Option{
		autorender.WithErrorCallback(func(el autorender.Element, err error) {
			fmt.Fprintf(os.Stderr, "element %d <%s>: %v\n", el.Index, el.Tag, err)
		}),
	}
	if errorText != "" {
		opts = append(opts, autorender.WithErrorText(errorText))
	}

	out, report, err := pg.ProcessDocument(context.Background(), source, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	writeResult(out, outPath)
	fmt.Fprintf(os.Stderr, "rendered %d of %d elements\n", report.Rendered, report.Elements)

	if strict && report.Failed > 0 {
		os.Exit(1)
	}
}
