package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/engine"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/evaluator"
	"github.com/kination/helmsman/internal/executor/pod"
	"github.com/kination/helmsman/internal/failure"
)

var (
	documentPath string
	bindings     map[string]string
	executorName string
	maxAttempts  int
	verbose      bool
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Compile a request and evaluate it",
	Long: `Compile a natural-language query (through the configured translator) or a
task document (--file) and evaluate the resulting tree. Failing atomic tasks
are reparsed up to the configured number of attempts.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(args)
		if err != nil {
			return err
		}
		if executorName != "" {
			cfg.Executor.Default = executorName
		}
		if maxAttempts != 0 {
			cfg.Evaluator.MaxReparseAttempts = maxAttempts
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []engine.Option
		if verbose {
			opts = append(opts, engine.WithEvaluatorOptions(evaluator.WithObserver(evaluator.ObserverFunc(printTransition))))
		}
		e, err := newEngine(opts...)
		if err != nil {
			return err
		}

		fmt.Println("🚀 Starting Helmsman run...")
		_, report, err := e.Run(ctx, req)
		if report != nil {
			fmt.Printf("   - Run: %s\n", report.RunID)
			fmt.Printf("   - Executions: %d, reparses: %d, took %s\n",
				report.Stats.Executions, report.Stats.Reparses, report.Duration.Round(time.Millisecond))
		}
		if err != nil {
			if xerr, ok := failure.As(err); ok && xerr.Kind == failure.KindMaxReparseExceeded {
				return fmt.Errorf("gave up on %q after %d reparse attempts: %w", xerr.Task, xerr.Attempts, err)
			}
			return fmt.Errorf("run failed: %w", err)
		}

		fmt.Println("✅ Run completed")
		fmt.Println(environment.Format(report.Result))
		return nil
	},
}

func init() {
	addRequestFlags(runCmd)
	runCmd.Flags().StringVarP(&executorName, "executor", "e", "", "Default execution backend (shell, pod)")
	runCmd.Flags().IntVar(&maxAttempts, "max-reparse", 0, "Override the reparse budget per failing task")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every node transition")
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&documentPath, "file", "f", "", "Task document (YAML, JSON or XML); - reads stdin")
	cmd.Flags().StringToStringVar(&bindings, "set", nil, "Root bindings as name=value")
}

// buildRequest reads the document flag or joins the positional query
func buildRequest(args []string) (engine.Request, error) {
	req := engine.Request{Bindings: bindings}
	switch {
	case documentPath == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return req, err
		}
		req.Document = string(data)
	case documentPath != "":
		data, err := os.ReadFile(documentPath)
		if err != nil {
			return req, fmt.Errorf("read document error: %w", err)
		}
		req.Document = string(data)
	case len(args) > 0:
		req.Query = strings.Join(args, " ")
	default:
		return req, errors.New("pass a query or --file")
	}
	return req, nil
}

// newEngine builds the engine from cfg, adding the pod backend when enabled
func newEngine(opts ...engine.Option) (*engine.Engine, error) {
	if cfg.Executor.Pod.Enabled {
		backend, err := newPodBackend()
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithBackend(backend))
	}
	return engine.New(cfg, opts...)
}

func newPodBackend() (*pod.Executor, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	_ = workflowv1.AddToScheme(scheme)

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	return pod.New(pod.ExecutorConfig{
		Client:    c,
		Scheme:    scheme,
		Logs:      pod.ClientsetLogReader{Clientset: clientset},
		Namespace: cfg.Executor.Pod.Namespace,
		Image:     cfg.Executor.Pod.Image,
		KeepPods:  cfg.Executor.Pod.KeepPods,
	}), nil
}

func printTransition(t evaluator.Transition) {
	icon := "•"
	switch t.To {
	case workflowv1.NodeSucceeded:
		icon = "✅"
	case workflowv1.NodeFailed:
		icon = "⚠️ "
	case workflowv1.NodeReparsing:
		icon = "🔁"
	case workflowv1.NodePermanentlyFailed:
		icon = "❌"
	case workflowv1.NodeExecuting:
		icon = "▶️ "
	}
	fmt.Printf("   %s [%s] %s %s (depth %d)\n", icon, t.Type, t.Path, t.Task, t.Depth)
}
