package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kination/helmsman/internal/manifest"
)

var (
	sourcesPath string
	outputDir   string
	planName    string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Generate Plan manifests for the controller",
	Long: `Generate Plan manifests either from every plan program and task document
listed in a sources file (--sources), or from a single document (--file --name)
printed to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if documentPath != "" {
			return printManifest()
		}
		if sourcesPath == "" {
			return errors.New("pass --sources or --file")
		}

		fmt.Println("🚀 Starting manifest generation...")
		sources, err := manifest.LoadSources(sourcesPath)
		if err != nil {
			return err
		}
		results, err := manifest.Build(cmd.Context(), sources, outputDir)
		for _, r := range results {
			fmt.Printf("   - [%s] %s -> %s\n", r.Source, r.Plan.Name, r.Output)
		}
		if err != nil {
			return err
		}
		fmt.Printf("✅ Generated %d manifests in %s\n", len(results), outputDir)
		return nil
	},
}

func init() {
	manifestCmd.Flags().StringVar(&sourcesPath, "sources", "", "YAML list of {name, location} source directories")
	manifestCmd.Flags().StringVar(&outputDir, "out", "build", "Directory for generated manifests")
	manifestCmd.Flags().StringVarP(&documentPath, "file", "f", "", "Single task document to wrap")
	manifestCmd.Flags().StringVar(&planName, "name", "", "Plan name for --file")
}

func printManifest() error {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return fmt.Errorf("read document error: %w", err)
	}
	if planName == "" {
		return errors.New("--name is required with --file")
	}
	plan, err := manifest.PlanFor(planName, data)
	if err != nil {
		return err
	}
	out, err := manifest.Marshal(plan)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
