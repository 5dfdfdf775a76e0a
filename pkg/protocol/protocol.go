// Package protocol implements the labels-and-annotations protocol that
// encodes a pod's drain state directly on the pod object. There is no
// external store: the pod is the single source of truth.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	keyPrefix = "pod-graceful-drain"

	// DrainingLabelKey encodes the pod's drain state.
	DrainingLabelKey = keyPrefix + "/draining"

	drainingValueDraining = "true"
	drainingValueEvicting = "evicting"

	// DrainTimestampAnnotationKey records when the pod entered Draining.
	DrainTimestampAnnotationKey = keyPrefix + "/drain-timestamp"
	// EvictAfterAnnotationKey records the next PDB retry instant.
	EvictAfterAnnotationKey = keyPrefix + "/evict-after"
	// ControllerAnnotationKey identifies the drain instance owning the pod.
	ControllerAnnotationKey = keyPrefix + "/controller"
	// OriginalLabelsAnnotationKey backs up the pod's labels at isolation time.
	OriginalLabelsAnnotationKey = keyPrefix + "/original-labels"
	// DeleteOptionsAnnotationKey carries the DeleteOptions across the
	// webhook-to-reconciler hand-off.
	DeleteOptionsAnnotationKey = keyPrefix + "/delete-options"

	maxOriginalLabelsSuffix = 9
)

// DrainState is one of the pod's observable drain states.
type DrainState int

const (
	// Untouched means the pod has not entered the protocol yet.
	Untouched DrainState = iota
	// Draining means the pod is isolated and scheduled for deletion.
	Draining
	// Evicting means the pod is waiting on PDB accounting.
	Evicting
	// Invalid means the draining label carries an unrecognized value.
	Invalid
)

func (s DrainState) String() string {
	switch s {
	case Untouched:
		return "Untouched"
	case Draining:
		return "Draining"
	case Evicting:
		return "Evicting"
	default:
		return "Invalid"
	}
}

// Bug marks an internal invariant violation (never a user-facing error).
type Bug struct {
	Message string
}

func (b *Bug) Error() string { return "bug: " + b.Message }

// GetDrainingLabel parses the draining label into a DrainState. The raw
// value is returned verbatim so callers can report it when Invalid.
func GetDrainingLabel(pod *corev1.Pod) (DrainState, string) {
	raw, ok := pod.Labels[DrainingLabelKey]
	if !ok {
		return Untouched, ""
	}
	switch raw {
	case drainingValueDraining:
		return Draining, raw
	case drainingValueEvicting:
		return Evicting, raw
	default:
		return Invalid, raw
	}
}

// TrySetDrainingLabel mutates pod towards target, enforcing monotonic
// progress (Draining -> Evicting is forbidden). Same-value transitions are
// idempotent and report applied=false since nothing changed. It never
// touches an Invalid label; callers must resolve that out of band.
func TrySetDrainingLabel(pod *corev1.Pod, target DrainState) (applied bool, err error) {
	if target != Draining && target != Evicting {
		return false, &Bug{Message: fmt.Sprintf("cannot set draining label to %s", target)}
	}
	current, raw := GetDrainingLabel(pod)
	if current == Invalid {
		return false, &Bug{Message: fmt.Sprintf("draining label is invalid: %q", raw)}
	}
	if current == target {
		return false, nil
	}
	if current == Draining && target == Evicting {
		return false, &Bug{Message: "Draining -> Evicting is not a valid transition"}
	}

	value := drainingValueDraining
	if target == Evicting {
		value = drainingValueEvicting
	}
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[DrainingLabelKey] = value
	return true, nil
}

// GetDrainTimestamp reads the drain-timestamp annotation. ok is true only
// when the value parses as RFC 3339.
func GetDrainTimestamp(pod *corev1.Pod) (t time.Time, ok bool) {
	raw, present := pod.Annotations[DrainTimestampAnnotationKey]
	if !present {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// TrySetDrainTimestamp sets drain-timestamp iff no valid timestamp already
// exists, so a malformed value may still be recovered.
func TrySetDrainTimestamp(pod *corev1.Pod, t time.Time) bool {
	if _, ok := GetDrainTimestamp(pod); ok {
		return false
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[DrainTimestampAnnotationKey] = t.UTC().Truncate(time.Second).Format(time.RFC3339)
	return true
}

// GetEvictAfter reads the evict-after annotation.
func GetEvictAfter(pod *corev1.Pod) (t time.Time, ok bool) {
	raw, present := pod.Annotations[EvictAfterAnnotationKey]
	if !present {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// SetEvictAfter overwrites evict-after unconditionally and reports whether
// the stored value actually changed.
func SetEvictAfter(pod *corev1.Pod, t time.Time) bool {
	formatted := t.UTC().Truncate(time.Second).Format(time.RFC3339)
	if pod.Annotations != nil && pod.Annotations[EvictAfterAnnotationKey] == formatted {
		return false
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[EvictAfterAnnotationKey] = formatted
	return true
}

// ClearEvictAfter removes the evict-after annotation if present, reporting
// whether it was actually there to remove.
func ClearEvictAfter(pod *corev1.Pod) bool {
	if pod.Annotations == nil {
		return false
	}
	if _, ok := pod.Annotations[EvictAfterAnnotationKey]; !ok {
		return false
	}
	delete(pod.Annotations, EvictAfterAnnotationKey)
	return true
}

// GetController reads the controller-identity annotation.
func GetController(pod *corev1.Pod) (string, bool) {
	v, ok := pod.Annotations[ControllerAnnotationKey]
	return v, ok
}

// AmIDrainController reports whether localID already owns this pod.
func AmIDrainController(pod *corev1.Pod, localID string) bool {
	v, ok := GetController(pod)
	return ok && v == localID
}

// SetDrainController overwrites the controller-identity annotation; it may
// always be reassigned to hand off ownership.
func SetDrainController(pod *corev1.Pod, localID string) bool {
	if pod.Annotations != nil && pod.Annotations[ControllerAnnotationKey] == localID {
		return false
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[ControllerAnnotationKey] = localID
	return true
}

// TryBackupOriginalLabels captures pod's current labels (minus the draining
// key) into the original-labels annotation, trying suffixed keys _1.._9 on
// collision. Returns false (fails closed) if all nine are already taken.
func TryBackupOriginalLabels(pod *corev1.Pod) (bool, error) {
	toBackup := make(map[string]string, len(pod.Labels))
	for k, v := range pod.Labels {
		if k == DrainingLabelKey {
			continue
		}
		toBackup[k] = v
	}
	encoded, err := json.Marshal(toBackup)
	if err != nil {
		return false, &Bug{Message: "failed to marshal original labels: " + err.Error()}
	}

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	key := OriginalLabelsAnnotationKey
	if _, exists := pod.Annotations[key]; !exists {
		pod.Annotations[key] = string(encoded)
		return true, nil
	}
	for i := 1; i <= maxOriginalLabelsSuffix; i++ {
		candidate := fmt.Sprintf("%s_%d", OriginalLabelsAnnotationKey, i)
		if _, exists := pod.Annotations[candidate]; !exists {
			pod.Annotations[candidate] = string(encoded)
			return true, nil
		}
	}
	return false, nil
}

// GetDeleteOptions reads the delete-options annotation. Absent or malformed
// values return default zero-value options, matching the reconciler's
// "default empty options on parse failure" handling.
func GetDeleteOptions(pod *corev1.Pod) (metav1.DeleteOptions, error) {
	raw, ok := pod.Annotations[DeleteOptionsAnnotationKey]
	if !ok {
		return metav1.DeleteOptions{}, nil
	}
	var opts metav1.DeleteOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return metav1.DeleteOptions{}, err
	}
	return opts, nil
}

// SetDeleteOptions JSON-serializes opts onto the pod.
func SetDeleteOptions(pod *corev1.Pod, opts metav1.DeleteOptions) error {
	encoded, err := json.Marshal(opts)
	if err != nil {
		return &Bug{Message: "failed to marshal delete options: " + err.Error()}
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[DeleteOptionsAnnotationKey] = string(encoded)
	return nil
}

// ClearDeleteOptions removes the delete-options annotation, used when a
// caller that does not carry its own DeleteOptions (the evict reconciler's
// Evicting -> Draining transition) takes over a pod.
func ClearDeleteOptions(pod *corev1.Pod) {
	if pod.Annotations != nil {
		delete(pod.Annotations, DeleteOptionsAnnotationKey)
	}
}

// IsolateForDraining performs the Untouched -> Draining transition's full
// side effects in one call: backs up original labels, clears all labels
// except the draining one, neutralizes ReplicaSet owner references, and
// sets the draining label and drain timestamp. It is idempotent: calling it
// on an already-Draining pod is a no-op.
func IsolateForDraining(pod *corev1.Pod, now time.Time) (bool, error) {
	state, _ := GetDrainingLabel(pod)
	if state == Draining {
		return false, nil
	}
	if state == Invalid {
		return false, &Bug{Message: "cannot isolate a pod with an invalid draining label"}
	}

	if _, err := TryBackupOriginalLabels(pod); err != nil {
		return false, err
	}
	pod.Labels = map[string]string{
		DrainingLabelKey: drainingValueDraining,
	}
	removeReplicaSetOwnerControl(pod)
	TrySetDrainTimestamp(pod, now)
	return true, nil
}

// removeReplicaSetOwnerControl clears the Controller pointer on owner
// references of Kind ReplicaSet so the ReplicaSet garbage collector does
// not recreate or reap the isolated pod.
func removeReplicaSetOwnerControl(pod *corev1.Pod) {
	for i := range pod.OwnerReferences {
		if pod.OwnerReferences[i].Kind == "ReplicaSet" {
			pod.OwnerReferences[i].Controller = nil
		}
	}
}
