// Package transition builds the pkg/patch.MutateFunc closures that drive a
// pod through the graceful-drain protocol states. It is the one place that
// knows both the label/annotation protocol (pkg/protocol) and the patch loop
// (pkg/patch); both admission handlers and reconcilers share it so the
// monotonic-progress and idempotence invariants live in a single spot.
//
// Every state-advancing mutation here also stamps the controller-identity
// annotation (pod-graceful-drain/controller), claiming ownership of the
// pod for whichever instance performed the transition.
package transition

import (
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/protocol"
)

// Result is what every transition in this package converges to: either the
// pod is Gone, or its resulting protocol state plus whichever timestamps
// that state carries.
type Result struct {
	Gone bool

	State protocol.DrainState

	DrainTimestamp    time.Time
	HasDrainTimestamp bool

	EvictAfter    time.Time
	HasEvictAfter bool
}

func goneOutcome() (patch.Outcome[*corev1.Pod, Result], error) {
	return patch.Desired[*corev1.Pod, Result](Result{Gone: true}), nil
}

func bugOutcome(msg string) (patch.Outcome[*corev1.Pod, Result], error) {
	var zero patch.Outcome[*corev1.Pod, Result]
	return zero, &patch.Bug{Message: msg}
}

func drainingResult(pod *corev1.Pod) Result {
	ts, ok := protocol.GetDrainTimestamp(pod)
	return Result{State: protocol.Draining, DrainTimestamp: ts, HasDrainTimestamp: ok}
}

func evictingResult(pod *corev1.Pod) Result {
	ea, ok := protocol.GetEvictAfter(pod)
	return Result{State: protocol.Evicting, EvictAfter: ea, HasEvictAfter: ok}
}

// ToDraining reaches (or confirms) the Draining state, isolating the pod the
// first time it gets there (from Untouched or from Evicting alike). Calling
// it on an already-Draining pod is a no-op: Draining never regresses.
//
// instanceID is stamped as the pod's new drain controller (ownership always
// transfers to whoever performs the transition). preserveDeleteOptions
// mirrors the Rust PatchToDrainCaller distinction: the delete webhook
// (Webhook caller) leaves any existing delete-options annotation alone,
// while the evict reconciler's Evicting -> Draining handoff (Controller
// caller) clears it, since that caller carries no DeleteOptions of its own.
func ToDraining(now time.Time, instanceID string, preserveDeleteOptions bool) patch.MutateFunc[*corev1.Pod, Result] {
	return func(obj *corev1.Pod, exists bool) (patch.Outcome[*corev1.Pod, Result], error) {
		if !exists {
			return goneOutcome()
		}
		state, raw := protocol.GetDrainingLabel(obj)
		if state == protocol.Invalid {
			return bugOutcome("cannot drain a pod with an invalid draining label: " + raw)
		}
		if state == protocol.Draining {
			return patch.Desired[*corev1.Pod, Result](drainingResult(obj)), nil
		}

		newState := obj.DeepCopy()
		if _, err := protocol.IsolateForDraining(newState, now); err != nil {
			return bugOutcome(err.Error())
		}
		protocol.ClearEvictAfter(newState)
		protocol.SetDrainController(newState, instanceID)
		if !preserveDeleteOptions {
			protocol.ClearDeleteOptions(newState)
		}
		return patch.RequirePatch[*corev1.Pod, Result](newState), nil
	}
}

// ToEvicting reaches (or confirms) the Evicting state from Untouched. A pod
// that has already progressed to Draining is reported as-is: Evicting can
// never be reached once Draining has (monotonic progress), so the caller
// sees Draining in the result and reacts accordingly.
//
// now is stamped onto evict-after purely as an eligibility marker for the
// evict reconciler's stable-jitter election, not a real deadline.
// deleteOptions is persisted so
// the eventual delete (performed later by the drain reconciler) can honor the
// options the original eviction request carried.
func ToEvicting(now time.Time, instanceID string, deleteOptions metav1.DeleteOptions) patch.MutateFunc[*corev1.Pod, Result] {
	return func(obj *corev1.Pod, exists bool) (patch.Outcome[*corev1.Pod, Result], error) {
		if !exists {
			return goneOutcome()
		}
		state, raw := protocol.GetDrainingLabel(obj)
		switch state {
		case protocol.Invalid:
			return bugOutcome("cannot evict a pod with an invalid draining label: " + raw)
		case protocol.Draining:
			return patch.Desired[*corev1.Pod, Result](drainingResult(obj)), nil
		case protocol.Evicting:
			return patch.Desired[*corev1.Pod, Result](evictingResult(obj)), nil
		}

		newState := obj.DeepCopy()
		if _, err := protocol.TrySetDrainingLabel(newState, protocol.Evicting); err != nil {
			return bugOutcome(err.Error())
		}
		protocol.SetDrainController(newState, instanceID)
		protocol.SetEvictAfter(newState, now)
		if err := protocol.SetDeleteOptions(newState, deleteOptions); err != nil {
			return bugOutcome(err.Error())
		}
		return patch.RequirePatch[*corev1.Pod, Result](newState), nil
	}
}

// ToEvictAfter pushes the evict-after instant to at least evictAfter, never
// regressing it, and never regressing Evicting back from Draining. Used by
// the evict reconciler when a PDB denies the decrement and the pod must wait
// before the next attempt. Calling it on an Untouched pod is a bug: only a
// pod that has already gone through ToEvicting carries the evict-after
// bookkeeping this advances (mirrors mutate_to_evict_later's
// "pod is not waiting for evicting" case).
func ToEvictAfter(evictAfter time.Time, instanceID string) patch.MutateFunc[*corev1.Pod, Result] {
	return func(obj *corev1.Pod, exists bool) (patch.Outcome[*corev1.Pod, Result], error) {
		if !exists {
			return goneOutcome()
		}
		state, raw := protocol.GetDrainingLabel(obj)
		switch state {
		case protocol.Invalid:
			return bugOutcome("cannot schedule a retry on a pod with an invalid draining label: " + raw)
		case protocol.Draining:
			return patch.Desired[*corev1.Pod, Result](drainingResult(obj)), nil
		case protocol.Untouched:
			return bugOutcome("pod is not waiting for evicting")
		}

		current, ok := protocol.GetEvictAfter(obj)
		if ok && !current.Before(evictAfter) {
			return patch.Desired[*corev1.Pod, Result](evictingResult(obj)), nil
		}

		newState := obj.DeepCopy()
		protocol.SetDrainController(newState, instanceID)
		protocol.SetEvictAfter(newState, evictAfter)
		return patch.RequirePatch[*corev1.Pod, Result](newState), nil
	}
}
