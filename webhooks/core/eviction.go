package core

import (
	"context"
	"fmt"
	"time"

	jsonpatch "gomodules.xyz/jsonpatch/v2"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/events"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/exposure"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/protocol"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/transition"
)

// EvictionHandler is the mutating webhook for the pods/eviction subresource.
// It is the only handler in this system that can
// deny a request outright, and only when a pod's draining label carries an
// unrecognized value. Every other outcome either allows the eviction
// outright or intercepts it: it patches the Eviction's DeleteOptions to
// dryRun=["All"] so the apiserver reports success to the caller without
// actually evicting, while the drain/evict reconcilers carry out the real
// disruption on their own schedule.
type EvictionHandler struct {
	Client     client.Client
	Decoder    admission.Decoder
	Detector   *exposure.Detector
	Reporter   *events.Reporter
	Self       SelfRecognition
	Metrics    metrics.Collector
	InstanceID string
	Now        func() time.Time
}

// HandlerFunc returns the pkg/webhook.HandlerFunc to register on the
// mutating path.
func (h *EvictionHandler) HandlerFunc() func(ctx context.Context, req admission.Request, deadline time.Time) admission.Response {
	return dispatch("mutate", h.Self, h.Metrics, h.handle)
}

func (h *EvictionHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *EvictionHandler) handle(ctx context.Context, req admission.Request, _ time.Time) (admission.Response, error) {
	eviction := &policyv1.Eviction{}
	if err := h.Decoder.DecodeRaw(req.Object, eviction); err != nil {
		return admission.Response{}, &patch.Bug{Message: "failed to decode eviction request's object", Cause: err}
	}

	// The caller already asked for a real dry-run: nothing we intercept
	// would run anyway, so let the apiserver answer directly.
	if eviction.DeleteOptions != nil && len(eviction.DeleteOptions.DryRun) > 0 {
		return admission.Allowed("eviction request is already a dry run"), nil
	}

	pod := &corev1.Pod{}
	err := h.Client.Get(ctx, client.ObjectKey{Namespace: req.Namespace, Name: req.Name}, pod)
	if apierrors.IsNotFound(err) {
		return admission.Allowed("pod already gone"), nil
	}
	if err != nil {
		return admission.Response{}, err
	}

	state, raw := protocol.GetDrainingLabel(pod)
	if state == protocol.Invalid {
		return admission.Denied(fmt.Sprintf("pod carries an unrecognized draining label value %q", raw)), nil
	}

	if state == protocol.Draining || state == protocol.Evicting {
		return h.intercept(pod, state, eviction), nil
	}
	return h.handleUntouched(ctx, pod, eviction)
}

func (h *EvictionHandler) handleUntouched(ctx context.Context, pod *corev1.Pod, eviction *policyv1.Eviction) (admission.Response, error) {
	exposed, err := h.Detector.IsExposed(ctx, pod)
	if err != nil {
		return admission.Response{}, err
	}
	if !exposed {
		h.Reporter.Report(pod, events.ReasonAllowDeletion, events.ActionNotExposed, "")
		return admission.Allowed("pod is not exposed"), nil
	}
	if !exposure.IsPodReady(pod) {
		return admission.Allowed("pod is not ready"), nil
	}

	result, err := patch.Apply(ctx, h.Client, pod, transition.ToEvicting(h.now(), h.InstanceID, carryableDeleteOptions(eviction)))
	if err != nil {
		return admission.Response{}, err
	}
	if result.Gone {
		return admission.Allowed("pod already deleted"), nil
	}
	return h.intercept(pod, result.State, eviction), nil
}

// carryableDeleteOptions strips the parts of the Eviction's own DeleteOptions
// that only make sense for this one admission call (DryRun, Preconditions,
// and TypeMeta) before handing it to the pod annotation the drain reconciler
// will eventually read to perform the real delete.
func carryableDeleteOptions(eviction *policyv1.Eviction) metav1.DeleteOptions {
	if eviction.DeleteOptions == nil {
		return metav1.DeleteOptions{}
	}
	return metav1.DeleteOptions{
		GracePeriodSeconds: eviction.DeleteOptions.GracePeriodSeconds,
		OrphanDependents:   eviction.DeleteOptions.OrphanDependents,
		PropagationPolicy:  eviction.DeleteOptions.PropagationPolicy,
	}
}

// intercept builds the dryRun=["All"] patch response for a pod that is
// already (or has just become) subject to the drain protocol. The patch
// merges into whatever DeleteOptions the Eviction already carried instead of
// replacing the field outright.
func (h *EvictionHandler) intercept(pod *corev1.Pod, state protocol.DrainState, eviction *policyv1.Eviction) admission.Response {
	h.Reporter.Report(pod, events.ReasonInterceptEvict, events.ActionWaitingForPDB, fmt.Sprintf("pod draining state is %s", state))

	resp := admission.Allowed("intercepted: draining is managed asynchronously")
	resp.Patches = dryRunPatch(eviction)
	return resp
}

// dryRunPatch reports the minimal JSON-Patch operations needed to set
// deleteOptions.dryRun = ["All"] while leaving every other field of an
// existing deleteOptions object untouched.
func dryRunPatch(eviction *policyv1.Eviction) []jsonpatch.Operation {
	if eviction.DeleteOptions == nil {
		return []jsonpatch.Operation{{
			Operation: "add",
			Path:      "/deleteOptions",
			Value: map[string]interface{}{
				"dryRun": []string{"All"},
			},
		}}
	}
	op := "replace"
	if len(eviction.DeleteOptions.DryRun) == 0 {
		op = "add"
	}
	return []jsonpatch.Operation{{
		Operation: op,
		Path:      "/deleteOptions/dryRun",
		Value:     []string{"All"},
	}}
}
