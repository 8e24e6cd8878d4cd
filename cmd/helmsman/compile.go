package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kination/helmsman/internal/ast"
	"github.com/kination/helmsman/internal/compiler"
)

var (
	outputFormat string
	operatorOnly bool
)

var compileCmd = &cobra.Command{
	Use:   "compile [query]",
	Short: "Compile a request into a task tree without running it",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(args)
		if err != nil {
			return err
		}
		e, err := newEngine()
		if err != nil {
			return err
		}
		node, err := e.Plan(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("compile failed: %w", err)
		}
		return printNode(node, outputFormat)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a task document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read document error: %w", err)
		}

		c := compiler.New(nil, nil)
		if operatorOnly {
			op, err := c.CompileOperator(data)
			if err != nil {
				return err
			}
			fmt.Printf("✅ %s is a valid %s operator\n", args[0], op.Type)
			return nil
		}

		node, err := c.CompileDocument(data)
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s is valid (%d nodes)\n", args[0], node.Size())
		return nil
	},
}

func init() {
	addRequestFlags(compileCmd)
	compileCmd.Flags().StringVarP(&outputFormat, "output", "o", "tree", "Output format (tree, yaml, json)")
	checkCmd.Flags().BoolVar(&operatorOnly, "operator", false, "Validate a single operator record (no subtasks)")
}

func printNode(node *ast.Node, format string) error {
	switch format {
	case "tree", "":
		fmt.Println(node.String())
	case "yaml":
		out, err := yaml.Marshal(node.Document())
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	case "json":
		out, err := json.MarshalIndent(node.Document(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}
