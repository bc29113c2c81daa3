package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run Python code inside the runtime",
	Long: `Execute Python code in the runtime the templates render in.

Django is loaded and configured, so model-free Django APIs work
directly. Globals persist only within a single invocation.

Code can be provided via:
  - File argument: bird run script.py
  - Inline flag: bird run -c 'import django; print(django.get_version())'
  - Stdin: echo 'print(1+1)' | bird run`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	code, _ := cmd.Flags().GetString("code")

	source, ok := readSource(cmd, args, code)
	if !ok {
		return
	}

	pg := initPlayground(cmd)
	defer pg.Cleanup()

	out, err := pg.RunCode(context.Background(), source)
	fmt.Print(out)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
