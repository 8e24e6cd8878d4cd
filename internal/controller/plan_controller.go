package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/config"
	"github.com/kination/helmsman/internal/engine"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/executor/pod"
	"github.com/kination/helmsman/internal/failure"
)

// MaxResultBytes caps the evaluation result stored in the Plan status
const MaxResultBytes = 32 * 1024

// PlanReconciler reconciles a Plan object
// +kubebuilder:rbac:groups=workflow.helmsman.io,resources=plans,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=workflow.helmsman.io,resources=plans/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=workflow.helmsman.io,resources=plans/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=pods/log,verbs=get
type PlanReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Config config.Config

	// Logs reads task pod output for the pod backend
	Logs pod.LogReader

	// EngineOptions are appended to the options built for every Plan
	EngineOptions []engine.Option
}

func (r *PlanReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	// Bring Plan CR
	var plan workflowv1.Plan
	if err := r.Get(ctx, req.NamespacedName, &plan); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	// Finished plans are never evaluated again
	if plan.Status.State.IsTerminal() {
		return ctrl.Result{}, nil
	}

	// Mark as executing before the (long) evaluation starts
	now := metav1.Now()
	plan.Status.State = workflowv1.NodeExecuting
	plan.Status.StartTime = &now
	plan.Status.Message = ""
	if err := r.Status().Update(ctx, &plan); err != nil {
		return ctrl.Result{}, err
	}

	e, err := r.engineFor(&plan)
	if err != nil {
		log.Error(err, "Failed to build engine", "plan", plan.Name)
		return ctrl.Result{}, r.finish(ctx, &plan, err)
	}

	log.Info("Evaluating plan", "plan", plan.Name, "backends", e.Backends())
	_, report, runErr := e.Run(ctx, engine.Request{
		Query:    plan.Spec.Query,
		Document: plan.Spec.Document,
		Bindings: plan.Spec.Bindings,
	})
	if runErr != nil && ctx.Err() != nil {
		// shutting down; the next leader resumes the plan
		return ctrl.Result{}, ctx.Err()
	}

	if report != nil {
		plan.Status.Reparses = int(report.Stats.Reparses)
		plan.Status.Executions = int(report.Stats.Executions)
		if runErr == nil {
			plan.Status.Result = truncate(environment.Format(report.Result), MaxResultBytes)
		}
	}
	if err := r.finish(ctx, &plan, runErr); err != nil {
		return ctrl.Result{}, err
	}

	log.Info("Plan finished", "plan", plan.Name, "state", plan.Status.State, "reparses", plan.Status.Reparses)
	return ctrl.Result{}, nil
}

// finish records the terminal state of plan
func (r *PlanReconciler) finish(ctx context.Context, plan *workflowv1.Plan, runErr error) error {
	end := metav1.Now()
	plan.Status.EndTime = &end
	if runErr != nil {
		plan.Status.State = workflowv1.NodePermanentlyFailed
		plan.Status.Message = runErr.Error()
		if kind := failure.KindOf(runErr); kind != "" {
			plan.Status.Message = fmt.Sprintf("%s: %s", kind, runErr.Error())
		}
	} else {
		plan.Status.State = workflowv1.NodeSucceeded
	}
	return r.Status().Update(ctx, plan)
}

// engineFor builds an engine honoring the Plan's overrides
func (r *PlanReconciler) engineFor(plan *workflowv1.Plan) (*engine.Engine, error) {
	cfg := r.Config
	if plan.Spec.MaxReparseAttempts > 0 {
		cfg.Evaluator.MaxReparseAttempts = plan.Spec.MaxReparseAttempts
	}

	opts := []engine.Option{}
	if cfg.Executor.Pod.Enabled {
		opts = append(opts, engine.WithBackend(pod.New(pod.ExecutorConfig{
			Client:    r.Client,
			Scheme:    r.Scheme,
			Logs:      r.Logs,
			Namespace: plan.Namespace,
			Image:     cfg.Executor.Pod.Image,
			Owner:     plan,
			KeepPods:  cfg.Executor.Pod.KeepPods,
		})))
	}
	opts = append(opts, r.EngineOptions...)
	return engine.New(cfg, opts...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// SetupWithManager sets up the controller with the Manager.
func (r *PlanReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&workflowv1.Plan{}).
		Owns(&corev1.Pod{}).
		Complete(r)
}
