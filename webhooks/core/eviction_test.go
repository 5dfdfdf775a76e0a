package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	admissionv1 "k8s.io/api/admission/v1"

	elbv2api "github.com/pod-graceful-drain/pod-graceful-drain/apis/elbv2/v1beta1"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/events"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/exposure"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/protocol"
)

func newEvictionHandler(t *testing.T, pod *corev1.Pod, exposed bool, now time.Time) *EvictionHandler {
	t.Helper()
	h, _ := newEvictionHandlerWithRecorder(t, pod, exposed, now)
	return h
}

func newEvictionHandlerWithRecorder(t *testing.T, pod *corev1.Pod, exposed bool, now time.Time) (*EvictionHandler, *record.FakeRecorder) {
	t.Helper()
	scheme := deleteTestScheme(t)
	builder := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pod)
	if exposed {
		svc := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "svc"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "web"}},
		}
		ipTarget := elbv2api.TargetTypeIP
		tgb := &elbv2api.TargetGroupBinding{
			ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "tgb"},
			Spec:       elbv2api.TargetGroupBindingSpec{TargetType: &ipTarget, ServiceRef: elbv2api.ServiceReference{Name: "svc", Port: intstr.FromInt(80)}},
		}
		builder = builder.WithObjects(svc, tgb)
	}
	c := builder.Build()
	decoder, err := admission.NewDecoder(scheme)
	require.NoError(t, err)
	recorder := record.NewFakeRecorder(10)
	return &EvictionHandler{
		Client:     c,
		Decoder:    decoder,
		Detector:   exposure.NewDetector(c, false),
		Reporter:   events.NewReporter(recorder),
		Self:       SelfRecognition{Namespace: "kube-system", ServiceAccount: "pod-graceful-drain"},
		Metrics:    metrics.NewCollector(nil),
		InstanceID: "instance-1",
		Now:        func() time.Time { return now },
	}, recorder
}

func evictionRequestFor(t *testing.T, pod *corev1.Pod, eviction *policyv1.Eviction) admission.Request {
	t.Helper()
	raw, err := json.Marshal(eviction)
	require.NoError(t, err)
	return admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
		Namespace: pod.Namespace,
		Name:      pod.Name,
		Object:    runtime.RawExtension{Raw: raw},
	}}
}

func TestEvictionHandler_UntouchedExposedReady_InterceptsWithDryRunPatch(t *testing.T) {
	pod := readyExposedPod()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h := newEvictionHandler(t, pod, true, now)

	eviction := &policyv1.Eviction{ObjectMeta: metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name}}
	resp, err := h.handle(context.Background(), evictionRequestFor(t, pod, eviction), time.Time{})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	require.Len(t, resp.Patches, 1)
	assert.Equal(t, "/deleteOptions", resp.Patches[0].Path)

	var stored corev1.Pod
	require.NoError(t, h.Client.Get(context.Background(), client.ObjectKeyFromObject(pod), &stored))
	state, _ := protocol.GetDrainingLabel(&stored)
	assert.Equal(t, protocol.Evicting, state)
}

func TestEvictionHandler_AlreadyRealDryRun_AllowsWithoutTouchingPod(t *testing.T) {
	pod := readyExposedPod()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h := newEvictionHandler(t, pod, true, now)

	eviction := &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name},
		DeleteOptions: &metav1.DeleteOptions{DryRun: []string{"All"}},
	}
	resp, err := h.handle(context.Background(), evictionRequestFor(t, pod, eviction), time.Time{})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Empty(t, resp.Patches)

	var stored corev1.Pod
	require.NoError(t, h.Client.Get(context.Background(), client.ObjectKeyFromObject(pod), &stored))
	state, _ := protocol.GetDrainingLabel(&stored)
	assert.Equal(t, protocol.Untouched, state)
}

func TestEvictionHandler_InvalidDrainingLabel_Denied(t *testing.T) {
	pod := readyExposedPod()
	pod.Labels[protocol.DrainingLabelKey] = "bogus"
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h := newEvictionHandler(t, pod, true, now)

	eviction := &policyv1.Eviction{ObjectMeta: metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name}}
	resp, err := h.handle(context.Background(), evictionRequestFor(t, pod, eviction), time.Time{})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
}

func TestEvictionHandler_PreservesExistingDeleteOptionsFields(t *testing.T) {
	pod := readyExposedPod()
	pod.Labels[protocol.DrainingLabelKey] = "evicting"
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h := newEvictionHandler(t, pod, true, now)

	grace := int64(30)
	eviction := &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name},
		DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: &grace},
	}
	resp, err := h.handle(context.Background(), evictionRequestFor(t, pod, eviction), time.Time{})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	require.Len(t, resp.Patches, 1)
	assert.Equal(t, "add", resp.Patches[0].Operation)
	assert.Equal(t, "/deleteOptions/dryRun", resp.Patches[0].Path)
}

func TestEvictionHandler_NotExposed_Allows(t *testing.T) {
	pod := readyExposedPod()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h, recorder := newEvictionHandlerWithRecorder(t, pod, false, now)

	eviction := &policyv1.Eviction{ObjectMeta: metav1.ObjectMeta{Namespace: pod.Namespace, Name: pod.Name}}
	resp, err := h.handle(context.Background(), evictionRequestFor(t, pod, eviction), time.Time{})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Empty(t, resp.Patches)

	select {
	case evt := <-recorder.Events:
		assert.Contains(t, evt, events.ReasonAllowDeletion)
		assert.Contains(t, evt, events.ActionNotExposed)
	default:
		t.Fatal("expected an AllowDeletion/NotExposed event to be recorded")
	}
}
