// Package manifest turns plan programs and task documents into Plan manifests.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	k8syaml "sigs.k8s.io/yaml"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/taskstructure"
)

var log = ctrl.Log.WithName("manifest")

// Source is a directory scanned for plan programs and documents
type Source struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Result records one generated manifest
type Result struct {
	Source string
	Output string
	Plan   *workflowv1.Plan
}

// LoadSources reads a YAML list of sources
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config error: %w", err)
	}

	var sources []Source
	if err := yaml.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}
	return sources, nil
}

// Build scans every source and writes one Plan manifest per program or document.
// Go programs run with `go run`, Python programs with `python3`; both must print
// a Plan as JSON. YAML, JSON and XML task documents are wrapped in a Plan.
func Build(ctx context.Context, sources []Source, outputDir string) ([]Result, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var results []Result
	for _, src := range sources {
		log.Info("Scanning source", "name", src.Name, "location", src.Location)

		err := filepath.WalkDir(src.Location, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			var plan *workflowv1.Plan
			switch filepath.Ext(d.Name()) {
			case ".py":
				plan, err = runProgram(ctx, "python3", []string{path}, path)
			case ".go":
				if strings.HasSuffix(d.Name(), "_test.go") {
					return nil
				}
				plan, err = runProgram(ctx, "go", []string{"run", path}, path)
			case ".yaml", ".yml", ".json", ".xml":
				plan, err = wrapDocument(path)
			default:
				return nil
			}
			if err != nil {
				return err
			}
			if plan == nil {
				return nil
			}

			out, err := writePlan(plan, path, outputDir)
			if err != nil {
				return err
			}
			results = append(results, Result{Source: path, Output: out, Plan: plan})
			return nil
		})
		if err != nil {
			return results, fmt.Errorf("walk error in %s: %w", src.Location, err)
		}
	}
	return results, nil
}

// PlanFor wraps a task document in a Plan named name
func PlanFor(name string, document []byte) (*workflowv1.Plan, error) {
	if _, err := taskstructure.Compile(document); err != nil {
		return nil, err
	}
	return &workflowv1.Plan{
		TypeMeta: metav1.TypeMeta{
			APIVersion: workflowv1.GroupVersion.String(),
			Kind:       "Plan",
		},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       workflowv1.PlanSpec{Document: string(document)},
	}, nil
}

// Marshal renders a Plan as a Kubernetes YAML manifest
func Marshal(plan *workflowv1.Plan) ([]byte, error) {
	return k8syaml.Marshal(plan)
}

// runProgram executes a plan program and decodes the Plan it prints
func runProgram(ctx context.Context, name string, args []string, srcPath string) (*workflowv1.Plan, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "HELMSMAN_PLAN_NAME="+planName(srcPath))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("execution failed for %s\n[Stderr]: %s", srcPath, stderr.String())
	}

	output := stdout.Bytes()
	if len(bytes.TrimSpace(output)) == 0 {
		log.Info("Program produced no output, skipping", "source", srcPath)
		return nil, nil
	}

	var plan workflowv1.Plan
	if err := json.Unmarshal(output, &plan); err != nil {
		return nil, fmt.Errorf("decode plan from %s: %w", srcPath, err)
	}
	if _, err := taskstructure.Compile([]byte(plan.Spec.Document)); err != nil {
		return nil, fmt.Errorf("plan from %s: %w", srcPath, err)
	}
	return &plan, nil
}

func wrapDocument(path string) (*workflowv1.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document error: %w", err)
	}
	plan, err := PlanFor(planName(path), data)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", path, err)
	}
	return plan, nil
}

func writePlan(plan *workflowv1.Plan, srcPath, outputDir string) (string, error) {
	output, err := Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan from %s: %w", srcPath, err)
	}

	savePath := filepath.Join(outputDir, planName(srcPath)+".yaml")
	if err := os.WriteFile(savePath, output, 0644); err != nil {
		return "", fmt.Errorf("write error: %w", err)
	}
	return savePath, nil
}

// planName derives a resource name from a file name (build_and_test.go -> build-and-test)
func planName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ToLower(strings.ReplaceAll(base, "_", "-"))
}
