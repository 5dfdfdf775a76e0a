package core

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/events"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/exposure"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/protocol"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/transition"
)

// DeleteHandler is the validating webhook for pod DELETE requests.
// It never denies a deletion; it only ever stalls one
// up to the remaining part of the admission deadline, giving the drain
// window a chance to elapse before the apiserver actually removes the pod.
type DeleteHandler struct {
	Client      client.Client
	Decoder     admission.Decoder
	Detector    *exposure.Detector
	Reporter    *events.Reporter
	Self        SelfRecognition
	Metrics     metrics.Collector
	DeleteAfter time.Duration
	InstanceID  string
	// Now defaults to time.Now; overridable in tests.
	Now func() time.Time
}

// HandlerFunc returns the pkg/webhook.HandlerFunc to register on the
// validating path.
func (h *DeleteHandler) HandlerFunc() func(ctx context.Context, req admission.Request, deadline time.Time) admission.Response {
	return dispatch("validate", h.Self, h.Metrics, h.handle)
}

func (h *DeleteHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *DeleteHandler) handle(ctx context.Context, req admission.Request, deadline time.Time) (admission.Response, error) {
	pod := &corev1.Pod{}
	if err := h.Decoder.DecodeRaw(req.OldObject, pod); err != nil {
		return admission.Response{}, &patch.Bug{Message: "failed to decode delete request's old object", Cause: err}
	}

	if !exposure.IsPodRunning(pod) {
		return admission.Allowed("pod is not running"), nil
	}

	state, raw := protocol.GetDrainingLabel(pod)
	if state == protocol.Invalid {
		h.Reporter.ReportWarning(pod, events.ReasonAllow, events.ActionAllow, fmt.Sprintf("unrecognized draining label value %q", raw))
		return admission.Allowed("unrecognized draining label"), nil
	}

	if state == protocol.Draining {
		return h.handleAlreadyDraining(ctx, pod, deadline)
	}
	return h.handleUntouchedOrEvicting(ctx, pod, deadline)
}

func (h *DeleteHandler) handleAlreadyDraining(ctx context.Context, pod *corev1.Pod, deadline time.Time) (admission.Response, error) {
	ts, ok := protocol.GetDrainTimestamp(pod)
	if !ok {
		return admission.Allowed("draining pod carries no drain timestamp"), nil
	}
	expiry := ts.Add(h.DeleteAfter)
	if err := stallUntil(ctx, expiry, deadline, h.now); err != nil {
		return admission.Response{}, err
	}
	return admission.Allowed("drain window elapsed"), nil
}

func (h *DeleteHandler) handleUntouchedOrEvicting(ctx context.Context, pod *corev1.Pod, deadline time.Time) (admission.Response, error) {
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

	result, err := patch.Apply(ctx, h.Client, pod, transition.ToDraining(h.now(), h.InstanceID, true))
	if err != nil {
		return admission.Response{}, err
	}
	if result.Gone {
		return admission.Allowed("pod already deleted"), nil
	}

	h.Reporter.Report(pod, events.ReasonDelayDeletion, events.ActionDrain, fmt.Sprintf("delaying deletion up to %s", h.DeleteAfter))

	expiry := result.DrainTimestamp.Add(h.DeleteAfter)
	if err := stallUntil(ctx, expiry, deadline, h.now); err != nil {
		return admission.Response{}, err
	}
	return admission.Allowed("drain window elapsed"), nil
}

// stallUntil blocks until whichever of until or deadline comes first, or
// until ctx is cancelled. It never returns an error for ctx cancellation
// that is simply the caller giving up; it returns nil so the caller still
// allows the operation: this handler never denies.
func stallUntil(ctx context.Context, until, deadline time.Time, now func() time.Time) error {
	target := until
	if deadline.Before(target) {
		target = deadline
	}
	d := target.Sub(now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}
