// Package drain implements the reconciler that performs the final delete of
// a pod once its drain window has elapsed. It watches only pods carrying
// the draining label's Draining value; the Evicting half of the state
// machine is the evict reconciler's job (controllers/evict).
//
// The reconcile body mirrors the rest of this repo's reconcilers: a thin
// Reconcile that delegates to an unexported reconcile returning a plain
// error, translated by pkg/runtime.HandleReconcileError.
package drain

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/election"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/events"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/protocol"
	runtimeerrors "github.com/pod-graceful-drain/pod-graceful-drain/pkg/runtime"
)

const controllerName = "drain"

// longRequeue is used when a Draining pod carries no usable drain
// timestamp: there is nothing useful to do until something else (the
// webhook, an operator) fixes the pod up, so back off for a long time
// rather than busy-loop.
const longRequeue = time.Hour

// Reconciler deletes pods once their drain window has elapsed, deferring to
// whichever replica the stable-jitter election elects when this instance
// does not already own the pod.
type Reconciler struct {
	Client     client.Client
	Reporter   *events.Reporter
	Metrics    metrics.Collector
	InstanceID string

	// DeleteAfter is the drain window between isolation and deletion
	// (the --delete-after flag).
	DeleteAfter time.Duration

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

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

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

	ts, ok := protocol.GetDrainTimestamp(pod)
	if !ok {
		r.Metrics.ObserveReconcileRequeue(controllerName, "no-drain-timestamp")
		return runtimeerrors.NewRequeueNeededAfter("pod carries no valid drain timestamp", longRequeue)
	}

	drainUntil := ts.Add(r.DeleteAfter)
	amOwner := protocol.AmIDrainController(pod, r.InstanceID)
	effective := election.EffectiveInstant(drainUntil, amOwner, r.InstanceID, pod.Namespace, pod.Name)

	now := r.now()
	if now.Before(effective) {
		r.Metrics.ObserveReconcileRequeue(controllerName, "waiting-for-drain-window")
		return runtimeerrors.NewRequeueNeededAfter("drain window has not elapsed", effective.Sub(now))
	}

	return r.deletePod(ctx, pod)
}

// deletePod performs the final delete that ends a pod's life in the drain
// protocol, using preconditions on uid and resourceVersion taken from the
// pod we just read so a pod that has meanwhile changed under us is refused
// by the server rather than silently deleted.
func (r *Reconciler) deletePod(ctx context.Context, pod *corev1.Pod) error {
	opts, err := protocol.GetDeleteOptions(pod)
	if err != nil {
		r.Logger.Info("failed to parse delete-options annotation, deleting with defaults", "pod", pod.Name, "error", err.Error())
		opts = metav1.DeleteOptions{}
	}

	deleteOpts := []client.DeleteOption{
		client.Preconditions{UID: &pod.UID, ResourceVersion: &pod.ResourceVersion},
	}
	if opts.GracePeriodSeconds != nil {
		deleteOpts = append(deleteOpts, client.GracePeriodSeconds(*opts.GracePeriodSeconds))
	}
	if opts.PropagationPolicy != nil {
		deleteOpts = append(deleteOpts, client.PropagationPolicy(*opts.PropagationPolicy))
	}

	err = r.Client.Delete(ctx, pod, deleteOpts...)
	switch {
	case err == nil:
		r.Reporter.Report(pod, events.ReasonAllowDeletion, events.ActionDrain, "drain window elapsed, pod deleted")
		return nil
	case apierrors.IsNotFound(err):
		return nil
	default:
		r.Metrics.ObserveReconcileRequeue(controllerName, "delete-error")
		return runtimeerrors.ErrorPolicy(err)
	}
}

// SetupWithManager registers the drain reconciler on mgr, watching only
// pods whose draining label is set to the Draining value.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager, maxConcurrentReconciles int) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named(controllerName).
		For(&corev1.Pod{}, builder.WithPredicates(predicate.NewPredicateFuncs(isDrainingPod))).
		WithOptions(controller.Options{MaxConcurrentReconciles: maxConcurrentReconciles}).
		Complete(r)
}

func isDrainingPod(obj client.Object) bool {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return false
	}
	state, _ := protocol.GetDrainingLabel(pod)
	return state == protocol.Draining
}
