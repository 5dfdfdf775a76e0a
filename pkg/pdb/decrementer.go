// Package pdb is a local reimplementation of the Kubernetes API server's
// PodDisruptionBudget admission check and decrement. The evict reconciler
// calls this instead of issuing a real eviction (which would itself
// re-enter this system's mutating webhook), so the decrement semantics
// have to match upstream exactly.
package pdb

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/exposure"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
)

// MaxDisruptedPods is the upstream constant capping disruptedPods map size.
const MaxDisruptedPods = 2000

// ConditionDisruptionAllowed is the PDB status condition this package
// maintains.
const (
	ConditionDisruptionAllowed = "DisruptionAllowed"
	ConditionStatusTrue        = "True"
	ConditionStatusFalse       = "False"
	ReasonSufficientPods       = "SufficientPods"
	ReasonInsufficientPods     = "InsufficientPods"
)

// Decrementer performs the server-side PDB decrement algorithm against a
// real Kubernetes client, writing the result back via Status().Update (the
// Go client's equivalent of a replaceStatus PUT).
type Decrementer struct {
	client client.Client
	now    func() time.Time
}

// NewDecrementer constructs a Decrementer backed by c.
func NewDecrementer(c client.Client) *Decrementer {
	return &Decrementer{client: c, now: time.Now}
}

// Decrement runs the full check-and-decrement algorithm for pod:
//   - zero matching PDBs: returns nil (evict allowed, no PDB work).
//   - more than one matching PDB: *patch.NotMyFault.
//   - pod not Ready and policy AlwaysAllow: returns nil (skip PDB).
//   - pod not Ready and policy IfHealthyBudget (or absent): allowed only if
//     currentHealthy >= desiredHealthy and desiredHealthy > 0, else enforce
//     the budget below.
//   - pod not Ready and any other explicit policy: *patch.NotMyFault.
//   - observedGeneration stale: *patch.TooManyRequests{RetryAfterSeconds: 10}.
//   - disruptionsAllowed < 0: *patch.NotMyFault.
//   - len(disruptedPods) > MaxDisruptedPods: *patch.NotMyFault.
//   - disruptionsAllowed == 0: *patch.TooManyRequests{RetryAfterSeconds: 0}.
//   - otherwise decrements, updates the condition and disruptedPods map, and
//     persists via Status().Update. A 404 while persisting means the PDB is
//     gone: treated as success (nil).
func (d *Decrementer) Decrement(ctx context.Context, pod *corev1.Pod) error {
	budget, err := FindMatching(ctx, d.client, pod)
	if err != nil {
		return err
	}
	if budget == nil {
		return nil
	}

	if !exposure.IsPodReady(pod) {
		allow, err := d.unhealthyPodPolicyAllows(budget)
		if err != nil {
			return err
		}
		if allow {
			return nil
		}
	}

	if err := preDecrementCheck(budget); err != nil {
		return err
	}

	applyDecrement(budget, pod.Name, d.now())

	if err := d.client.Status().Update(ctx, budget); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// unhealthyPodPolicyAllows implements the unhealthy-pod policy branch. An
// absent policy defaults to IfHealthyBudget (the upstream default), not a
// hard failure.
func (d *Decrementer) unhealthyPodPolicyAllows(budget *policyv1.PodDisruptionBudget) (bool, error) {
	policy := policyv1.IfHealthyBudget
	if budget.Spec.UnhealthyPodEvictionPolicy != nil {
		policy = *budget.Spec.UnhealthyPodEvictionPolicy
	}
	switch policy {
	case policyv1.AlwaysAllow:
		return true, nil
	case policyv1.IfHealthyBudget:
		healthy := budget.Status.CurrentHealthy >= budget.Status.DesiredHealthy && budget.Status.DesiredHealthy > 0
		return healthy, nil
	default:
		return false, &patch.NotMyFault{Message: "unknown unhealthyPodEvictionPolicy"}
	}
}

// preDecrementCheck runs the four checks the upstream API server performs
// before decrementing, in the same order the server itself applies them.
func preDecrementCheck(budget *policyv1.PodDisruptionBudget) error {
	if budget.Status.ObservedGeneration < budget.Generation {
		return &patch.TooManyRequests{RetryAfterSeconds: 10}
	}
	if budget.Status.DisruptionsAllowed < 0 {
		return &patch.NotMyFault{Message: "disruptionsAllowed is negative"}
	}
	if len(budget.Status.DisruptedPods) > MaxDisruptedPods {
		return &patch.NotMyFault{Message: "too many disrupted pods tracked on this PodDisruptionBudget"}
	}
	if budget.Status.DisruptionsAllowed == 0 {
		return &patch.TooManyRequests{RetryAfterSeconds: 0}
	}
	return nil
}

// applyDecrement performs the actual mutation: decrements
// disruptionsAllowed, refreshes the DisruptionAllowed condition when it
// reaches zero, and records podName in disruptedPods.
func applyDecrement(budget *policyv1.PodDisruptionBudget, podName string, now time.Time) {
	budget.Status.DisruptionsAllowed--

	if budget.Status.DisruptionsAllowed == 0 {
		setDisruptionAllowedCondition(budget, ConditionStatusFalse, ReasonInsufficientPods, now)
	}

	if budget.Status.DisruptedPods == nil {
		budget.Status.DisruptedPods = map[string]metav1.Time{}
	}
	budget.Status.DisruptedPods[podName] = metav1.NewTime(now)
}

// setDisruptionAllowedCondition sets the DisruptionAllowed condition,
// updating LastTransitionTime only when the status actually changes —
// preserving the sentinel zero-value ("0001-01-01T00:00:00Z") semantics a
// fresh condition starts from, matching
// update_disruption_allowed_condition.
func setDisruptionAllowedCondition(budget *policyv1.PodDisruptionBudget, status, reason string, now time.Time) {
	for i := range budget.Status.Conditions {
		cond := &budget.Status.Conditions[i]
		if cond.Type != ConditionDisruptionAllowed {
			continue
		}
		if cond.Status != metav1.ConditionStatus(status) {
			cond.LastTransitionTime = metav1.NewTime(now)
		}
		cond.Status = metav1.ConditionStatus(status)
		cond.Reason = reason
		cond.ObservedGeneration = budget.Generation
		return
	}
	budget.Status.Conditions = append(budget.Status.Conditions, metav1.Condition{
		Type:               ConditionDisruptionAllowed,
		Status:             metav1.ConditionStatus(status),
		Reason:             reason,
		LastTransitionTime: metav1.NewTime(now),
		ObservedGeneration: budget.Generation,
	})
}
