// Package exposure answers "is this pod currently receiving traffic", the
// question both admission handlers need before they are allowed to isolate
// a pod. The default path walks TargetGroupBinding->Service->selector;
// passing --experimental-general-ingress switches to an
// Ingress->Service->selector path instead.
package exposure

import (
	"context"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	elbv2api "github.com/pod-graceful-drain/pod-graceful-drain/apis/elbv2/v1beta1"
)

// IsPodRunning reports whether pod is in a state the drain protocol should
// act on at all: phase Running and not already marked for deletion.
// Pending/Succeeded/Failed pods, or pods with a deletionTimestamp already
// set, are not "running" for drain purposes.
func IsPodRunning(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil {
		return false
	}
	return pod.Status.Phase == corev1.PodRunning
}

// IsPodReady reports whether pod's Ready condition is currently True.
func IsPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// Detector answers exposure questions against the live cluster state
// reachable through its client (in production, a reflector-backed cache;
// the cache itself is not this package's concern).
type Detector struct {
	client            client.Client
	useGeneralIngress bool
}

// NewDetector constructs a Detector. useGeneralIngress mirrors
// --experimental-general-ingress: true selects the Ingress-based path,
// false selects the TargetGroupBinding-based path.
func NewDetector(c client.Client, useGeneralIngress bool) *Detector {
	return &Detector{client: c, useGeneralIngress: useGeneralIngress}
}

// IsExposed reports whether pod is reachable via a routing path this
// system understands. In general-ingress mode that is only
// Ingress->Service->selector. In the default mode it is
// TargetGroupBinding->Service->selector, or the pod itself carrying an AWS
// target-health readiness gate left over from a vanished
// TargetGroupBinding (GLOSSARY "Exposure"); the readiness gate is not
// consulted in general-ingress mode.
func (d *Detector) IsExposed(ctx context.Context, pod *corev1.Pod) (bool, error) {
	if d.useGeneralIngress {
		exposed, err := d.isExposedViaIngress(ctx, pod)
		if err != nil {
			return false, err
		}
		if exposed {
			return true, nil
		}
		return false, nil
	}

	exposed, err := d.isExposedViaTargetGroupBinding(ctx, pod)
	if err != nil {
		return false, err
	}
	if exposed {
		return true, nil
	}
	return hasTargetHealthReadinessGate(pod), nil
}

// isExposedViaTargetGroupBinding walks every IP-type TargetGroupBinding in
// the pod's namespace to its bound Service and tests the Service's
// selector against the pod's labels, mirroring
// fetchTGBsForDelayedDeletion's own walk.
func (d *Detector) isExposedViaTargetGroupBinding(ctx context.Context, pod *corev1.Pod) (bool, error) {
	tgbList := &elbv2api.TargetGroupBindingList{}
	if err := d.client.List(ctx, tgbList, client.InNamespace(pod.Namespace)); err != nil {
		return false, err
	}
	for _, tgb := range tgbList.Items {
		if tgb.Spec.TargetType == nil || *tgb.Spec.TargetType != elbv2api.TargetTypeIP {
			continue
		}
		matched, err := d.serviceSelectorMatches(ctx, pod, types.NamespacedName{
			Namespace: tgb.Namespace,
			Name:      tgb.Spec.ServiceRef.Name,
		})
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// isExposedViaIngress walks every Ingress in the pod's namespace to its
// backend Services and tests each Service's selector against the pod's
// labels.
func (d *Detector) isExposedViaIngress(ctx context.Context, pod *corev1.Pod) (bool, error) {
	ingList := &networkingv1.IngressList{}
	if err := d.client.List(ctx, ingList, client.InNamespace(pod.Namespace)); err != nil {
		return false, err
	}
	for _, ing := range ingList.Items {
		for _, svcName := range backendServiceNames(&ing) {
			matched, err := d.serviceSelectorMatches(ctx, pod, types.NamespacedName{
				Namespace: pod.Namespace,
				Name:      svcName,
			})
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}

// backendServiceNames collects every Service name an Ingress's rules (and
// its default backend) route to.
func backendServiceNames(ing *networkingv1.Ingress) []string {
	var names []string
	if ing.Spec.DefaultBackend != nil && ing.Spec.DefaultBackend.Service != nil {
		names = append(names, ing.Spec.DefaultBackend.Service.Name)
	}
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			if path.Backend.Service != nil {
				names = append(names, path.Backend.Service.Name)
			}
		}
	}
	return names
}

// serviceSelectorMatches fetches the named Service and tests its selector
// against pod's labels. A nil or empty selector (ExternalName services, or
// services not selector-managed) matches nothing, matching real Service
// semantics and the teacher's own TGB->Service exposure walk.
func (d *Detector) serviceSelectorMatches(ctx context.Context, pod *corev1.Pod, key types.NamespacedName) (bool, error) {
	svc := &corev1.Service{}
	if err := d.client.Get(ctx, key, svc); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if len(svc.Spec.Selector) == 0 {
		return false, nil
	}
	selector := labels.SelectorFromSet(svc.Spec.Selector)
	return selector.Matches(labels.Set(pod.Labels)), nil
}

// hasTargetHealthReadinessGate reports whether pod still carries a readiness
// gate condition type left over from being bound to a load balancer target
// group, even if the TargetGroupBinding object itself has since vanished.
func hasTargetHealthReadinessGate(pod *corev1.Pod) bool {
	for _, gate := range pod.Spec.ReadinessGates {
		if strings.HasPrefix(string(gate.ConditionType), elbv2api.TargetHealthPodConditionTypePrefix) {
			return true
		}
	}
	return false
}
