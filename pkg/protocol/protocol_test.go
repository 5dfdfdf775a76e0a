package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func newPod(labels map[string]string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Labels: labels}}
}

func TestGetDrainingLabel(t *testing.T) {
	cases := []struct {
		name  string
		pod   *corev1.Pod
		state DrainState
	}{
		{"absent", newPod(nil), Untouched},
		{"draining", newPod(map[string]string{DrainingLabelKey: "true"}), Draining},
		{"evicting", newPod(map[string]string{DrainingLabelKey: "evicting"}), Evicting},
		{"garbage", newPod(map[string]string{DrainingLabelKey: "yes"}), Invalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := GetDrainingLabel(tc.pod)
			assert.Equal(t, tc.state, got)
		})
	}
}

func TestTrySetDrainingLabel_MonotonicProgress(t *testing.T) {
	pod := newPod(map[string]string{DrainingLabelKey: "true"})
	applied, err := TrySetDrainingLabel(pod, Evicting)
	assert.Error(t, err, "Draining -> Evicting must be rejected")
	assert.False(t, applied)
	state, _ := GetDrainingLabel(pod)
	assert.Equal(t, Draining, state)
}

func TestTrySetDrainingLabel_Idempotent(t *testing.T) {
	pod := newPod(map[string]string{DrainingLabelKey: "true"})
	applied, err := TrySetDrainingLabel(pod, Draining)
	require.NoError(t, err)
	assert.False(t, applied, "same-value transitions are idempotent no-ops")
}

func TestTrySetDrainingLabel_AllowedTransitions(t *testing.T) {
	pod := newPod(nil)
	applied, err := TrySetDrainingLabel(pod, Evicting)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = TrySetDrainingLabel(pod, Draining)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestTrySetDrainTimestamp_Stability(t *testing.T) {
	pod := newPod(nil)
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := TrySetDrainTimestamp(pod, t1)
	assert.True(t, ok)

	t2 := t1.Add(time.Hour)
	ok = TrySetDrainTimestamp(pod, t2)
	assert.False(t, ok, "a valid timestamp must never be overwritten")

	got, ok := GetDrainTimestamp(pod)
	require.True(t, ok)
	assert.Equal(t, t1.Unix(), got.Unix())
}

func TestTrySetDrainTimestamp_RecoversMalformed(t *testing.T) {
	pod := newPod(nil)
	pod.Annotations = map[string]string{DrainTimestampAnnotationKey: "not-a-time"}
	ok := TrySetDrainTimestamp(pod, time.Now())
	assert.True(t, ok, "a malformed timestamp may be recovered")
}

func TestSetEvictAfter_NoRegressionIsCallerResponsibility(t *testing.T) {
	pod := newPod(nil)
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	changed := SetEvictAfter(pod, t1)
	assert.True(t, changed)

	changed = SetEvictAfter(pod, t1)
	assert.False(t, changed, "setting the same value reports no change")

	t2 := t1.Add(time.Minute)
	changed = SetEvictAfter(pod, t2)
	assert.True(t, changed)
}

func TestClearEvictAfter(t *testing.T) {
	pod := newPod(nil)
	assert.False(t, ClearEvictAfter(pod))

	SetEvictAfter(pod, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, ClearEvictAfter(pod))
	_, ok := GetEvictAfter(pod)
	assert.False(t, ok)
	assert.False(t, ClearEvictAfter(pod), "already cleared")
}

func TestClearDeleteOptions(t *testing.T) {
	pod := newPod(nil)
	require.NoError(t, SetDeleteOptions(pod, metav1.DeleteOptions{DryRun: []string{"All"}}))
	ClearDeleteOptions(pod)
	_, present := pod.Annotations[DeleteOptionsAnnotationKey]
	assert.False(t, present)
}

func TestTryBackupOriginalLabels_ExcludesDrainingLabel(t *testing.T) {
	pod := newPod(map[string]string{
		"app":            "test",
		DrainingLabelKey: "true",
	})
	ok, err := TryBackupOriginalLabels(pod)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, pod.Annotations[OriginalLabelsAnnotationKey], `"app":"test"`)
	assert.NotContains(t, pod.Annotations[OriginalLabelsAnnotationKey], DrainingLabelKey)
}

func TestTryBackupOriginalLabels_SuffixExhaustion(t *testing.T) {
	pod := newPod(map[string]string{"app": "test"})
	pod.Annotations = map[string]string{OriginalLabelsAnnotationKey: "taken"}
	for i := 1; i <= maxOriginalLabelsSuffix; i++ {
		pod.Annotations[OriginalLabelsAnnotationKey+"_"+itoa(i)] = "taken"
	}
	ok, err := TryBackupOriginalLabels(pod)
	require.NoError(t, err)
	assert.False(t, ok, "gives up silently after nine suffix attempts")
}

func itoa(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return ""
}

func TestAmIDrainController(t *testing.T) {
	pod := newPod(nil)
	assert.False(t, AmIDrainController(pod, "me"))
	changed := SetDrainController(pod, "me")
	assert.True(t, changed)
	assert.True(t, AmIDrainController(pod, "me"))

	changed = SetDrainController(pod, "someone-else")
	assert.True(t, changed, "controller identity may always be reassigned")
	assert.False(t, AmIDrainController(pod, "me"))
}

func TestIsolateForDraining(t *testing.T) {
	pod := newPod(map[string]string{"app": "test"})
	pod.OwnerReferences = []metav1.OwnerReference{
		{Kind: "ReplicaSet", Name: "rs", Controller: boolPtr(true)},
		{Kind: "Node", Name: "node1", Controller: boolPtr(true)},
	}

	applied, err := IsolateForDraining(pod, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, map[string]string{DrainingLabelKey: "true"}, pod.Labels)
	assert.Contains(t, pod.Annotations[OriginalLabelsAnnotationKey], `"app":"test"`)
	assert.Nil(t, pod.OwnerReferences[0].Controller, "ReplicaSet owner control must be cleared")
	assert.NotNil(t, pod.OwnerReferences[1].Controller, "non-ReplicaSet owners are untouched")

	_, ok := GetDrainTimestamp(pod)
	assert.True(t, ok)

	applied, err = IsolateForDraining(pod, time.Now())
	require.NoError(t, err)
	assert.False(t, applied, "isolating an already-Draining pod is a no-op")
}

func boolPtr(b bool) *bool { return &b }
