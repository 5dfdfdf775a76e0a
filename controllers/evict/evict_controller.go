// Package evict implements the reconciler that drives a pod through the
// Evicting state: it runs the local PDB decrement (pkg/pdb) and, once
// permitted, hands the pod off to Draining. It watches only pods carrying
// the draining label's Evicting value; controllers/drain owns the rest of
// the lifecycle.
//
// The reconciler scaffolding follows the same pattern controllers/drain
// uses.
package evict

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/election"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/events"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/pdb"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/protocol"
	runtimeerrors "github.com/pod-graceful-drain/pod-graceful-drain/pkg/runtime"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/transition"
)

const controllerName = "evict"

// minRetryAfter is the floor applied to a PDB TooManyRequests hint of 0
// seconds: evict-after is always pushed at least this far into the future.
const minRetryAfter = 1 * time.Second

// Reconciler decrements the PDB budget for Evicting pods and, once allowed,
// transitions them to Draining. When the PDB refuses, it pushes the pod's
// evict-after annotation out and requeues for that delta.
type Reconciler struct {
	Client      client.Client
	Decrementer *pdb.Decrementer
	Reporter    *events.Reporter
	Metrics     metrics.Collector
	InstanceID  string

	Logger logr.Logger

	// Now defaults to time.Now; overridable in tests.
	Now func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=policy,resources=poddisruptionbudgets,verbs=get;list;watch
// +kubebuilder:rbac:groups=policy,resources=poddisruptionbudgets/status,verbs=get;update;patch

// Reconcile implements the controller-runtime Reconciler interface.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	return runtimeerrors.HandleReconcileError(r.reconcile(ctx, req), r.Logger)
}

func (r *Reconciler) reconcile(ctx context.Context, req ctrl.Request) error {
	pod := &corev1.Pod{}
	if err := r.Client.Get(ctx, req.NamespacedName, pod); err != nil {
		return client.IgnoreNotFound(err)
	}

	if pod.DeletionTimestamp != nil {
		return nil
	}

	if wait, ok := r.waitForElection(pod); ok {
		r.Metrics.ObserveReconcileRequeue(controllerName, "waiting-for-election")
		return runtimeerrors.NewRequeueNeededAfter("yielding to the elected owner", wait)
	}

	err := r.Decrementer.Decrement(ctx, pod)
	switch {
	case err == nil:
		return r.patchToDraining(ctx, pod)
	default:
		var tooMany *patch.TooManyRequests
		if errors.As(err, &tooMany) {
			return r.patchToEvictLater(ctx, pod, tooMany.RetryAfterSeconds)
		}
		return r.handleOtherError(pod, err)
	}
}

// waitForElection reports whether this instance should defer to the
// stable-jitter election before acting, and if so, for how long
// A pod whose evict-after annotation is
// absent or malformed is acted on immediately.
func (r *Reconciler) waitForElection(pod *corev1.Pod) (time.Duration, bool) {
	evictAfter, ok := protocol.GetEvictAfter(pod)
	if !ok {
		return 0, false
	}
	amOwner := protocol.AmIDrainController(pod, r.InstanceID)
	effective := election.EffectiveInstant(evictAfter, amOwner, r.InstanceID, pod.Namespace, pod.Name)
	now := r.now()
	if now.Before(effective) {
		return effective.Sub(now), true
	}
	return 0, false
}

// patchToDraining performs the Evicting -> Draining transition once the PDB
// decrement succeeds. ToDraining is called with preserveDeleteOptions=false
// since the reconciler (a Controller caller, not the eviction webhook)
// carries no DeleteOptions of its own to protect.
func (r *Reconciler) patchToDraining(ctx context.Context, pod *corev1.Pod) error {
	result, err := patch.Apply(ctx, r.Client, pod, transition.ToDraining(r.now(), r.InstanceID, false))
	if err != nil {
		r.Metrics.ObserveReconcileRequeue(controllerName, "patch-error")
		return runtimeerrors.ErrorPolicy(err)
	}
	if !result.Gone {
		r.Reporter.Report(pod, events.ReasonDelayDeletion, events.ActionDrain, "pod disruption budget allowed eviction")
	}
	return nil
}

// patchToEvictLater pushes the pod's evict-after annotation out by
// max(retryAfterSeconds, 1) seconds and requeues for that same delta.
func (r *Reconciler) patchToEvictLater(ctx context.Context, pod *corev1.Pod, retryAfterSeconds int) error {
	delay := time.Duration(retryAfterSeconds) * time.Second
	if delay < minRetryAfter {
		delay = minRetryAfter
	}
	now := r.now()
	evictAfter := now.Add(delay)

	_, err := patch.Apply(ctx, r.Client, pod, transition.ToEvictAfter(evictAfter, r.InstanceID))
	if err != nil {
		r.Metrics.ObserveReconcileRequeue(controllerName, "patch-error")
		return runtimeerrors.ErrorPolicy(err)
	}

	r.Reporter.Report(pod, events.ReasonInterceptEvict, events.ActionWaitingForPDB, "pod disruption budget denied eviction")
	r.Metrics.ObservePDBDecrement("denied")
	r.Metrics.ObserveReconcileRequeue(controllerName, "waiting-for-pdb")
	return runtimeerrors.NewRequeueNeededAfter("waiting for pod disruption budget", delay)
}

// handleOtherError surfaces a Bug or NotMyFault condition as a warning
// event before handing it to the shared error policy.
func (r *Reconciler) handleOtherError(pod *corev1.Pod, err error) error {
	var notMyFault *patch.NotMyFault
	if errors.As(err, &notMyFault) {
		r.Reporter.ReportWarning(pod, events.ReasonAllow, events.ActionAllow, err.Error())
		r.Metrics.ObserveReconcileRequeue(controllerName, "not-my-fault")
		return runtimeerrors.NewRequeueNeededAfter(err.Error(), time.Hour)
	}
	var bug *patch.Bug
	if errors.As(err, &bug) {
		r.Reporter.ReportWarning(pod, events.ReasonAllow, events.ActionAllow, err.Error())
	}
	r.Metrics.ObserveReconcileRequeue(controllerName, "error")
	return runtimeerrors.ErrorPolicy(err)
}

// SetupWithManager registers the evict reconciler on mgr, watching only
// pods whose draining label is set to the Evicting value.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager, maxConcurrentReconciles int) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named(controllerName).
		For(&corev1.Pod{}, builder.WithPredicates(predicate.NewPredicateFuncs(isEvictingPod))).
		WithOptions(controller.Options{MaxConcurrentReconciles: maxConcurrentReconciles}).
		Complete(r)
}

func isEvictingPod(obj client.Object) bool {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return false
	}
	state, _ := protocol.GetDrainingLabel(pod)
	return state == protocol.Evicting
}
