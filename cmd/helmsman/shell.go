package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kination/helmsman/internal/engine"
	"github.com/kination/helmsman/internal/environment"
)

const (
	historyFile = ".helmsman_history"
	promptMain  = "helmsman> "
	shellHelp   = `Type a request to compile and run it. Commands:
  :plan <request>   compile only and print the tree
  :load <file>      run a task document
  :set name=value   bind a root variable for later runs
  :stats            show executions and reparses so far
  :quit             leave the shell`
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive request shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		return runShell(cmd.Context(), e)
	},
}

func runShell(ctx context.Context, e *engine.Engine) error {
	fmt.Printf("⚓ Helmsman %s (backends: %v)\n%s\n", version, e.Backends(), shellHelp)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	vars := map[string]string{}
	for {
		line, err := ln.Prompt(promptMain)
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)

		if !strings.HasPrefix(line, ":") {
			runRequest(ctx, e, engine.Request{Query: line, Bindings: vars})
			continue
		}

		command, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch strings.ToLower(command) {
		case ":quit", ":q":
			return nil
		case ":help":
			fmt.Println(shellHelp)
		case ":plan":
			node, err := e.Plan(ctx, engine.Request{Query: arg})
			if err != nil {
				fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
				continue
			}
			fmt.Println(node.String())
		case ":load":
			data, err := os.ReadFile(arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
				continue
			}
			runRequest(ctx, e, engine.Request{Document: string(data), Bindings: vars})
		case ":set":
			name, value, ok := strings.Cut(arg, "=")
			if !ok || strings.TrimSpace(name) == "" {
				fmt.Println("usage: :set name=value")
				continue
			}
			vars[strings.TrimSpace(name)] = value
		case ":stats":
			s := e.Evaluator().Stats()
			fmt.Printf("   - Executions: %d, reparses: %d, failures: %d\n", s.Executions, s.Reparses, s.Failures)
		default:
			fmt.Println("unknown command. Type :help for a list or :quit to exit.")
		}
	}
}

func runRequest(ctx context.Context, e *engine.Engine, req engine.Request) {
	_, report, err := e.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		return
	}
	fmt.Println(environment.Format(report.Result))
	if report.Stats.Reparses > 0 {
		fmt.Printf("   (repaired with %d reparses)\n", report.Stats.Reparses)
	}
}
