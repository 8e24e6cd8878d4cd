// Package pod provides the pod Executor for running atomic tasks as Kubernetes Pods.
package pod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/executor/shell"
	"github.com/kination/helmsman/internal/failure"
)

var log = ctrl.Log.WithName("pod-executor")

// BackendName is the registry name of the pod executor
const BackendName = "pod"

const containerName = "task-runner"

// errPodActive signals the poller that the pod has not finished yet
var errPodActive = errors.New("pod still active")

// LogReader fetches the output of a finished pod
type LogReader interface {
	PodLogs(ctx context.Context, namespace, name string) (string, error)
}

// ClientsetLogReader reads pod logs through client-go
type ClientsetLogReader struct {
	Clientset kubernetes.Interface
}

// PodLogs returns the task container's log
func (r ClientsetLogReader) PodLogs(ctx context.Context, namespace, name string) (string, error) {
	raw, err := r.Clientset.CoreV1().Pods(namespace).
		GetLogs(name, &corev1.PodLogOptions{Container: containerName}).
		DoRaw(ctx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ExecutorConfig holds configuration for the pod executor
type ExecutorConfig struct {
	Client client.Client
	Scheme *runtime.Scheme
	Logs   LogReader

	Namespace string
	Image     string // Defaults to ubuntu:latest

	// Owner, if set, becomes the controller reference of every pod
	Owner client.Object

	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// KeepPods leaves finished pods in place for inspection
	KeepPods bool
}

// DefaultExecutorConfig returns the default pod executor configuration
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Namespace:       "default",
		Image:           "ubuntu:latest",
		PollInterval:    time.Second,
		MaxPollInterval: 15 * time.Second,
	}
}

// Executor implements executor.Backend by running each task in its own Pod
type Executor struct {
	config ExecutorConfig
}

// New creates a new pod Executor
func New(cfg ExecutorConfig) *Executor {
	defaults := DefaultExecutorConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.Image == "" {
		cfg.Image = defaults.Image
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = defaults.MaxPollInterval
	}
	return &Executor{config: cfg}
}

// Name returns the backend name
func (e *Executor) Name() string {
	return BackendName
}

// Execute creates a Pod for task, waits for it to finish and returns its log.
func (e *Executor) Execute(ctx context.Context, task string, env *environment.Environment) (any, error) {
	pod := e.buildPod(ctx, newPodName(), task, env)

	// Set owner reference (Pod will be deleted when the owner is deleted)
	if e.config.Owner != nil {
		if err := controllerutil.SetControllerReference(e.config.Owner, pod, e.config.Scheme); err != nil {
			return nil, fmt.Errorf("failed to set owner reference: %w", err)
		}
	}

	if err := e.config.Client.Create(ctx, pod); err != nil {
		return nil, failure.Wrap(failure.KindExecutionFailure, task, fmt.Errorf("failed to create pod: %w", err))
	}
	log.Info("Created task pod", "pod", pod.Name, "namespace", pod.Namespace)

	if !e.config.KeepPods {
		defer func() {
			// the task context may already be done
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Cleanup(cleanupCtx, pod.Name); err != nil {
				log.Error(err, "Failed to delete task pod", "pod", pod.Name)
			}
		}()
	}

	finished, err := e.wait(ctx, pod.Name)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.Wrap(failure.KindResourceExhaustion, task, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Wrap(failure.KindExecutionFailure, task, err)
	}

	output := e.readLogs(ctx, finished)
	if finished.Status.Phase == corev1.PodSucceeded {
		return strings.TrimRight(output, "\n"), nil
	}
	return nil, classifyFailure(task, finished, output)
}

// GetStatus returns the pod's current phase; a missing pod is Pending
func (e *Executor) GetStatus(ctx context.Context, name string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	err := e.config.Client.Get(ctx, types.NamespacedName{
		Name:      name,
		Namespace: e.config.Namespace,
	}, pod)
	if err != nil {
		if apierrors.IsNotFound(err) {
			pod.Name = name
			pod.Status.Phase = corev1.PodPending
			return pod, nil
		}
		return nil, err
	}
	return pod, nil
}

// Cleanup removes the Pod
func (e *Executor) Cleanup(ctx context.Context, name string) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.config.Namespace,
		},
	}

	if err := e.config.Client.Delete(ctx, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// wait polls the pod with exponential backoff until it succeeds or fails
func (e *Executor) wait(ctx context.Context, name string) (*corev1.Pod, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.PollInterval
	b.MaxInterval = e.config.MaxPollInterval
	b.MaxElapsedTime = 0

	var finished *corev1.Pod
	op := func() error {
		pod, err := e.GetStatus(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			finished = pod
			return nil
		default:
			return errPodActive
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return finished, nil
}

func (e *Executor) readLogs(ctx context.Context, pod *corev1.Pod) string {
	if e.config.Logs == nil {
		return ""
	}
	out, err := e.config.Logs.PodLogs(ctx, pod.Namespace, pod.Name)
	if err != nil {
		log.Error(err, "Failed to read pod logs", "pod", pod.Name)
		return ""
	}
	return out
}

// classifyFailure maps a failed pod to an ExecutionError
func classifyFailure(task string, pod *corev1.Pod, output string) error {
	if pod.Status.Reason == "DeadlineExceeded" || pod.Status.Reason == "Evicted" {
		return failure.New(failure.KindResourceExhaustion, task, fmt.Sprintf("pod %s: %s", pod.Status.Reason, pod.Status.Message))
	}

	for _, cs := range pod.Status.ContainerStatuses {
		term := cs.State.Terminated
		if term == nil {
			continue
		}
		if term.Reason == "OOMKilled" {
			return failure.New(failure.KindResourceExhaustion, task, "container OOMKilled")
		}
		return failure.New(failure.KindVerificationFailure, task,
			fmt.Sprintf("exit status %d: %s", term.ExitCode, strings.TrimSpace(output)))
	}
	return failure.New(failure.KindVerificationFailure, task, strings.TrimSpace("pod failed: "+pod.Status.Message+" "+output))
}

// buildPod converts an atomic task to a Pod
func (e *Executor) buildPod(ctx context.Context, name, task string, env *environment.Environment) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":    "helmsman",
				"app.kubernetes.io/part-of": "helmsman",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    containerName,
					Image:   e.config.Image,
					Command: []string{"/bin/bash", "-c"},
					Args:    []string{task},
					Env:     buildEnv(env),
				},
			},
		},
	}

	// Let the kubelet enforce the task deadline as well
	if deadline, ok := ctx.Deadline(); ok {
		seconds := int64(time.Until(deadline).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		pod.Spec.ActiveDeadlineSeconds = &seconds
	}
	return pod
}

// buildEnv converts visible bindings to an EnvVar slice
func buildEnv(env *environment.Environment) []corev1.EnvVar {
	if env == nil {
		return nil
	}
	vars := env.Vars()
	names := env.Names()
	envVars := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		envVars = append(envVars, corev1.EnvVar{
			Name:  shell.EnvName(name),
			Value: vars[name],
		})
	}
	return envVars
}

// newPodName generates a unique pod name per task attempt
func newPodName() string {
	return "helmsman-task-" + uuid.NewString()[:8]
}
