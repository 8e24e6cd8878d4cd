package controller

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	workflowv1 "github.com/kination/helmsman/api/v1"
	"github.com/kination/helmsman/internal/config"
	"github.com/kination/helmsman/internal/engine"
	"github.com/kination/helmsman/internal/environment"
	"github.com/kination/helmsman/internal/executor"
	"github.com/kination/helmsman/internal/failure"
	"github.com/kination/helmsman/internal/translator"
)

const buildAndTestDoc = `
type: sequence
description: build and test
subtasks:
  - type: atomic
    description: run build
  - type: atomic
    description: run tests
`

var _ = Describe("PlanReconciler", func() {
	var (
		ctx        context.Context
		k8sClient  client.Client
		reconciler *PlanReconciler
		calls      []string
		key        types.NamespacedName
	)

	newPlan := func(spec workflowv1.PlanSpec) *workflowv1.Plan {
		return &workflowv1.Plan{
			ObjectMeta: metav1.ObjectMeta{Name: key.Name, Namespace: key.Namespace},
			Spec:       spec,
		}
	}

	reconcile := func() workflowv1.PlanStatus {
		_, err := reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: key})
		Expect(err).NotTo(HaveOccurred())

		var plan workflowv1.Plan
		Expect(k8sClient.Get(ctx, key, &plan)).To(Succeed())
		return plan.Status
	}

	setup := func(plan *workflowv1.Plan, opts ...engine.Option) {
		k8sClient = fake.NewClientBuilder().
			WithScheme(scheme).
			WithObjects(plan).
			WithStatusSubresource(&workflowv1.Plan{}).
			Build()
		reconciler = &PlanReconciler{
			Client:        k8sClient,
			Scheme:        scheme,
			Config:        config.DefaultConfig(),
			EngineOptions: opts,
		}
	}

	backend := func(fail func(task string) bool) engine.Option {
		return engine.WithBackend(executor.Named("shell", executor.Func(
			func(ctx context.Context, task string, env *environment.Environment) (any, error) {
				calls = append(calls, task)
				if fail(task) {
					return nil, failure.New(failure.KindVerificationFailure, task, "exit status 1")
				}
				return "ok:" + task, nil
			})))
	}

	BeforeEach(func() {
		ctx = context.Background()
		calls = nil
		key = types.NamespacedName{Name: "build", Namespace: "default"}
	})

	It("evaluates a document plan to success", func() {
		setup(newPlan(workflowv1.PlanSpec{Document: buildAndTestDoc}),
			backend(func(string) bool { return false }))

		status := reconcile()
		Expect(status.State).To(Equal(workflowv1.NodeSucceeded))
		Expect(status.Result).To(Equal("ok:build and test"))
		Expect(status.Executions).To(Equal(3))
		Expect(status.Reparses).To(BeZero())
		Expect(status.StartTime).NotTo(BeNil())
		Expect(status.EndTime).NotTo(BeNil())
		Expect(calls).To(Equal([]string{"run build", "run tests", "build and test"}))
	})

	It("reparses a failing step through the translator", func() {
		replay := translator.NewReplay([]byte("type: atomic\ndescription: run build (retry)\n"))
		setup(newPlan(workflowv1.PlanSpec{Document: buildAndTestDoc}),
			engine.WithTranslator(replay),
			backend(func(task string) bool { return task == "run build" }))

		status := reconcile()
		Expect(status.State).To(Equal(workflowv1.NodeSucceeded))
		Expect(status.Reparses).To(Equal(1))
		Expect(calls).To(Equal([]string{"run build", "run build (retry)", "run tests", "build and test"}))
	})

	It("fails permanently once the reparse budget is spent", func() {
		replay := translator.NewReplay(
			[]byte("description: deploy v2\n"),
			[]byte("description: deploy v3\n"),
		)
		setup(newPlan(workflowv1.PlanSpec{Document: "description: deploy\n", MaxReparseAttempts: 2}),
			engine.WithTranslator(replay),
			backend(func(task string) bool { return strings.HasPrefix(task, "deploy") }))

		status := reconcile()
		Expect(status.State).To(Equal(workflowv1.NodePermanentlyFailed))
		Expect(status.Message).To(HavePrefix(string(failure.KindMaxReparseExceeded)))
		Expect(status.Reparses).To(Equal(2))
		Expect(calls).To(HaveLen(3))
	})

	It("reports malformed documents without executing anything", func() {
		setup(newPlan(workflowv1.PlanSpec{Document: "type: sequence\ndescription: empty\n"}),
			backend(func(string) bool { return false }))

		status := reconcile()
		Expect(status.State).To(Equal(workflowv1.NodePermanentlyFailed))
		Expect(status.Message).To(ContainSubstring(string(failure.KindMalformedTaskStructure)))
		Expect(calls).To(BeEmpty())
	})

	It("does not evaluate finished plans again", func() {
		plan := newPlan(workflowv1.PlanSpec{Document: "description: deploy\n"})
		plan.Status.State = workflowv1.NodeSucceeded
		setup(plan, backend(func(string) bool { return false }))

		status := reconcile()
		Expect(status.State).To(Equal(workflowv1.NodeSucceeded))
		Expect(calls).To(BeEmpty())
	})

	It("ignores plans that no longer exist", func() {
		setup(newPlan(workflowv1.PlanSpec{Document: "description: deploy\n"}))

		_, err := reconciler.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Name: "gone", Namespace: "default"},
		})
		Expect(err).NotTo(HaveOccurred())
	})
})
