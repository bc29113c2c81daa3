package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	playground "github.com/joshuadavidthomas/django-bird-playground"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive template session on a warm runtime",
	Long: `Start an interactive session against a single warm runtime.

Lines are rendered as Django templates with the current context.
Commands:
  :ctx [json]        Replace the context; with no argument, print it
  :py <code>         Run Python code in the runtime
  :install <pkgs>    Install packages from PyPI
  :packages          List installed packages
  :help              Show commands

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.bird_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) {
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".bird_history")
	}

	pg := initPlayground(cmd)
	defer pg.Cleanup()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "bird> ",
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

	fmt.Fprintf(os.Stderr, "bird REPL, %d packages available (:help for commands, Ctrl+D to exit)\n", len(pg.Packages()))

	tctx := map[string]any{}

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("bird> ")
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

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("  ... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("bird> ")
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed == "exit" || trimmed == "quit" {
			break
		}

		if strings.HasPrefix(strings.TrimSpace(line), ":") {
			replCommand(pg, &tctx, strings.TrimSpace(line))
			continue
		}

		out, err := pg.Render(context.Background(), line, tctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		printWithNewline(out)
	}
}

func printWithNewline(out string) {
	if out == "" {
		return
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
}

func replCommand(pg *playground.Playground, tctx *map[string]any, line string) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case ":help":
		fmt.Print(`:ctx [json]        Replace the context; with no argument, print it
:py <code>         Run Python code in the runtime
:install <pkgs>    Install packages from PyPI
:packages          List installed packages
:help              Show commands
`)

	case ":ctx":
		if rest == "" {
			data, _ := json.MarshalIndent(*tctx, "", "  ")
			fmt.Println(string(data))
			return
		}
		var next map[string]any
		if err := json.Unmarshal([]byte(rest), &next); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid context JSON: %v\n", err)
			return
		}
		*tctx = next

	case ":py":
		if rest == "" {
			fmt.Fprintln(os.Stderr, "usage: :py <code>")
			return
		}
		out, err := pg.RunCode(context.Background(), rest)
		printWithNewline(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}

	case ":install":
		if rest == "" {
			fmt.Fprintln(os.Stderr, "usage: :install <packages>")
			return
		}
		report, err := pg.InstallPackages(context.Background(), strings.Fields(rest))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		for _, pkg := range report.Installed {
			fmt.Printf("installed %s\n", pkg)
		}
		for pkg, msg := range report.Failed {
			fmt.Fprintf(os.Stderr, "failed %s: %s\n", pkg, msg)
		}

	case ":packages":
		for _, pkg := range pg.Packages() {
			fmt.Println(pkg)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (:help for commands)\n", name)
	}
}
