package pdb

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
)

func readyPod() *corev1.Pod {
	p := pod(map[string]string{"app": "test"})
	p.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
	return p
}

func basicBudget(disruptionsAllowed int32) *policyv1.PodDisruptionBudget {
	return &policyv1.PodDisruptionBudget{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "pdb", Generation: 1},
		Spec:       policyv1.PodDisruptionBudgetSpec{Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "test"}}},
		Status: policyv1.PodDisruptionBudgetStatus{
			ObservedGeneration: 1,
			DisruptionsAllowed: disruptionsAllowed,
		},
	}
}

func TestDecrement_NoMatchingPDB(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).Build()
	d := NewDecrementer(c)
	err := d.Decrement(context.Background(), readyPod())
	require.NoError(t, err)
}

func TestDecrement_DecrementsAndRecordsPod(t *testing.T) {
	budget := basicBudget(2)
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixedNow }

	err := d.Decrement(context.Background(), readyPod())
	require.NoError(t, err)

	var got policyv1.PodDisruptionBudget
	require.NoError(t, c.Get(context.Background(), client.ObjectKeyFromObject(budget), &got))
	assert.Equal(t, int32(1), got.Status.DisruptionsAllowed)

	gotUnix := map[string]int64{}
	for name, ts := range got.Status.DisruptedPods {
		gotUnix[name] = ts.Time.Unix()
	}
	want := map[string]int64{"some-pod": fixedNow.Unix()}
	if diff := cmp.Diff(want, gotUnix); diff != "" {
		t.Errorf("disruptedPods mismatch (-want +got):\n%s", diff)
	}
}

func TestDecrement_ZeroDisruptionsAllowedIsTooManyRequests(t *testing.T) {
	budget := basicBudget(0)
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	err := d.Decrement(context.Background(), readyPod())
	require.Error(t, err)
	var tmr *patch.TooManyRequests
	require.ErrorAs(t, err, &tmr)
	assert.Equal(t, 0, tmr.RetryAfterSeconds)
}

func TestDecrement_LastDisruptionSetsConditionFalse(t *testing.T) {
	budget := basicBudget(1)
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	err := d.Decrement(context.Background(), readyPod())
	require.NoError(t, err)

	var got policyv1.PodDisruptionBudget
	require.NoError(t, c.Get(context.Background(), client.ObjectKeyFromObject(budget), &got))
	require.Len(t, got.Status.Conditions, 1)
	assert.Equal(t, metav1.ConditionFalse, got.Status.Conditions[0].Status)
	assert.Equal(t, ReasonInsufficientPods, got.Status.Conditions[0].Reason)
}

func TestDecrement_StaleObservedGenerationIsTooManyRequests(t *testing.T) {
	budget := basicBudget(2)
	budget.Generation = 5
	budget.Status.ObservedGeneration = 1
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	err := d.Decrement(context.Background(), readyPod())
	require.Error(t, err)
	var tmr *patch.TooManyRequests
	require.ErrorAs(t, err, &tmr)
	assert.Equal(t, 10, tmr.RetryAfterSeconds)
}

func TestDecrement_NegativeDisruptionsAllowedIsNotMyFault(t *testing.T) {
	budget := basicBudget(-1)
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	err := d.Decrement(context.Background(), readyPod())
	require.Error(t, err)
	var nmf *patch.NotMyFault
	require.ErrorAs(t, err, &nmf)
}

func TestDecrement_UnhealthyPodAlwaysAllowSkipsPDB(t *testing.T) {
	budget := basicBudget(0)
	policy := policyv1.AlwaysAllow
	budget.Spec.UnhealthyPodEvictionPolicy = &policy
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	notReady := pod(map[string]string{"app": "test"})
	err := d.Decrement(context.Background(), notReady)
	require.NoError(t, err)
}

func TestDecrement_UnhealthyPodIfHealthyBudgetEnforced(t *testing.T) {
	budget := basicBudget(2)
	budget.Status.CurrentHealthy = 1
	budget.Status.DesiredHealthy = 2
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	notReady := pod(map[string]string{"app": "test"})
	err := d.Decrement(context.Background(), notReady)
	require.NoError(t, err)

	var got policyv1.PodDisruptionBudget
	require.NoError(t, c.Get(context.Background(), client.ObjectKeyFromObject(budget), &got))
	assert.Equal(t, int32(1), got.Status.DisruptionsAllowed, "budget enforced because not enough healthy pods")
}

func TestDecrement_UnknownUnhealthyPolicyIsNotMyFault(t *testing.T) {
	budget := basicBudget(2)
	policy := policyv1.UnhealthyPodEvictionPolicyType("Bogus")
	budget.Spec.UnhealthyPodEvictionPolicy = &policy
	c := fake.NewClientBuilder().WithScheme(scheme(t)).WithStatusSubresource(&policyv1.PodDisruptionBudget{}).WithObjects(budget).Build()
	d := NewDecrementer(c)

	notReady := pod(map[string]string{"app": "test"})
	err := d.Decrement(context.Background(), notReady)
	require.Error(t, err)
	var nmf *patch.NotMyFault
	require.ErrorAs(t, err, &nmf)
}
