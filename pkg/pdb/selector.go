package pdb

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
)

// FindMatching lists every PodDisruptionBudget in pod's namespace and
// returns the one whose selector matches pod's labels. A nil selector
// matches nothing; an empty-but-non-nil selector matches everything;
// matchLabels and matchExpressions are conjoined with In/NotIn/Exists/
// DoesNotExist operator support — all of this comes directly from
// metav1.LabelSelectorAsSelector + k8s.io/apimachinery/pkg/labels, so
// there is no hand-rolled operator logic here (see DESIGN.md).
//
// More than one match in the namespace is a cluster misconfiguration this
// system cannot resolve: it returns a *patch.NotMyFault. Zero matches
// returns (nil, nil).
func FindMatching(ctx context.Context, c client.Client, pod *corev1.Pod) (*policyv1.PodDisruptionBudget, error) {
	list := &policyv1.PodDisruptionBudgetList{}
	if err := c.List(ctx, list, client.InNamespace(pod.Namespace)); err != nil {
		return nil, err
	}

	var matched *policyv1.PodDisruptionBudget
	for i := range list.Items {
		candidate := &list.Items[i]
		selector, err := metav1.LabelSelectorAsSelector(candidate.Spec.Selector)
		if err != nil {
			return nil, &patch.Bug{Message: "invalid PDB selector", Cause: err}
		}
		if !matches(selector, pod.Labels) {
			continue
		}
		if matched != nil {
			return nil, &patch.NotMyFault{Message: "does not support more than one pod disruption budget"}
		}
		matched = candidate
	}
	return matched, nil
}

func matches(selector labels.Selector, podLabels map[string]string) bool {
	return selector.Matches(labels.Set(podLabels))
}
