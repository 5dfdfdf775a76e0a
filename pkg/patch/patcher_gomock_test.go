package patch

import (
	"context"
	"reflect"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// mockPatchClient is a hand-rolled gomock mock of client.Client, narrowed to
// the two methods the patch loop actually calls (Get, Patch). Embedding the
// real interface satisfies every other method so this stays correct across
// controller-runtime versions without reproducing their full surface.
type mockPatchClient struct {
	client.Client
	ctrl     *gomock.Controller
	recorder *mockPatchClientRecorder
}

type mockPatchClientRecorder struct {
	mock *mockPatchClient
}

func newMockPatchClient(ctrl *gomock.Controller) *mockPatchClient {
	m := &mockPatchClient{ctrl: ctrl}
	m.recorder = &mockPatchClientRecorder{m}
	return m
}

func (m *mockPatchClient) EXPECT() *mockPatchClientRecorder {
	return m.recorder
}

func (m *mockPatchClient) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	varargs := []interface{}{ctx, key, obj}
	for _, o := range opts {
		varargs = append(varargs, o)
	}
	ret := m.ctrl.Call(m, "Get", varargs...)
	err, _ := ret[0].(error)
	return err
}

func (m *mockPatchClientRecorder) Get(ctx, key, obj interface{}) *gomock.Call {
	return m.mock.ctrl.RecordCallWithMethodType(m.mock, "Get", reflect.TypeOf((*mockPatchClient)(nil).Get), ctx, key, obj)
}

func (m *mockPatchClient) Patch(ctx context.Context, obj client.Object, p client.Patch, opts ...client.PatchOption) error {
	varargs := []interface{}{ctx, obj, p}
	for _, o := range opts {
		varargs = append(varargs, o)
	}
	ret := m.ctrl.Call(m, "Patch", varargs...)
	err, _ := ret[0].(error)
	return err
}

func (m *mockPatchClientRecorder) Patch(ctx, obj, p interface{}) *gomock.Call {
	return m.mock.ctrl.RecordCallWithMethodType(m.mock, "Patch", reflect.TypeOf((*mockPatchClient)(nil).Patch), ctx, obj, p)
}

// TestApply_ConflictThenRefreshSucceeds exercises the refresh-and-retry path
// that the fake client cannot reliably trigger: a first Patch call comes
// back as a 409 conflict, Apply refreshes the object with Get, and the
// second Patch call (against the refreshed resourceVersion) succeeds.
func TestApply_ConflictThenRefreshSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	mc := newMockPatchClient(ctrl)

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Namespace: "ns", Name: "p", UID: "u1", ResourceVersion: "1",
	}}
	conflictErr := apierrors.NewConflict(schema.GroupResource{Resource: "pods"}, "p", assert.AnError)

	gomock.InOrder(
		mc.EXPECT().Patch(gomock.Any(), gomock.Any(), gomock.Any()).Return(conflictErr),
		mc.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ client.ObjectKey, obj client.Object) error {
				refreshed := obj.(*corev1.Pod)
				*refreshed = *pod
				refreshed.ResourceVersion = "2"
				return nil
			}),
		mc.EXPECT().Patch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	calls := 0
	result, err := Apply(context.Background(), mc, pod, func(obj *corev1.Pod, exists bool) (Outcome[*corev1.Pod, string], error) {
		calls++
		if obj != nil && obj.Labels["draining"] == "true" {
			return Desired[*corev1.Pod, string]("converged"), nil
		}
		next := pod.DeepCopy()
		if obj != nil && obj.ResourceVersion != "" {
			next.ResourceVersion = obj.ResourceVersion
		}
		if next.Labels == nil {
			next.Labels = map[string]string{}
		}
		next.Labels["draining"] = "true"
		return RequirePatch[*corev1.Pod, string](next), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "converged", result)
	assert.GreaterOrEqual(t, calls, 2)
}
