package patch

import (
	"context"
	"encoding/json"
	"time"

	jsonpatch "gomodules.xyz/jsonpatch/v2"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// backoffPolicy is the patcher's refresh-and-retry schedule: base 100ms,
// jittered, capped at 5 retries.
var backoffPolicy = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.3,
	Steps:    5,
}

// Outcome is the result a Mutate function reports for the object it was
// handed: either the desired state has already been reached (Desired), or a
// patch is required to reach it (Patched, holding the full desired object).
type Outcome[K client.Object, D any] struct {
	isDesired bool
	desired   D
	patched   K
}

// Desired reports that the current state already satisfies the caller.
func Desired[K client.Object, D any](value D) Outcome[K, D] {
	return Outcome[K, D]{isDesired: true, desired: value}
}

// RequirePatch reports that newState should be patched onto the resource.
func RequirePatch[K client.Object, D any](newState K) Outcome[K, D] {
	return Outcome[K, D]{isDesired: false, patched: newState}
}

// MutateFunc inspects the last known state of the resource (obj is the zero
// value and exists is false once the resource has been observed gone) and
// reports an Outcome.
type MutateFunc[K client.Object, D any] func(obj K, exists bool) (Outcome[K, D], error)

// Apply runs the patch loop: it calls mutate with the last known state of
// start, and on RequirePatch computes a minimal JSON-Patch document (guarded
// by optimistic-concurrency "test" operations on uid and resourceVersion),
// applies it, classifies the result, and retries until mutate reports
// Desired. A 404/410 anywhere in the loop is treated as success: exists
// becomes false and the next mutate call observes that.
func Apply[K client.Object, D any](ctx context.Context, c client.Client, start K, mutate MutateFunc[K, D]) (D, error) {
	lastKnown := start
	exists := true

	for {
		outcome, err := mutate(lastKnown, exists)
		if err != nil {
			var zero D
			return zero, err
		}
		if outcome.isDesired {
			return outcome.desired, nil
		}

		newState := outcome.patched
		if !exists {
			var zero D
			return zero, &Bug{Message: "mutate requested a patch on a resource already observed gone"}
		}

		err = tryPatch(ctx, c, lastKnown, newState)
		switch {
		case err == nil:
			lastKnown = newState
			continue
		case Classify(err) == KindGone:
			exists = false
			var zeroK K
			lastKnown = zeroK
			continue
		case isRefreshable(err):
			refreshed, stillExists, rerr := refreshWithBackoff(ctx, c, newState)
			if rerr != nil {
				var zero D
				return zero, rerr
			}
			lastKnown = refreshed
			exists = stillExists
			continue
		default:
			var zero D
			return zero, err
		}
	}
}

func isRefreshable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindConflict, KindInvalidForJSONPatchTest:
		return true
	default:
		return false
	}
}

// tryPatch computes the JSON-Patch between oldState and newState, prepends
// uid/resourceVersion test operations, and sends it.
func tryPatch[K client.Object](ctx context.Context, c client.Client, oldState, newState K) error {
	patchBytes, err := buildPatch(oldState, newState)
	if err != nil {
		return &Bug{Message: "failed to build patch", Cause: err}
	}
	if len(patchBytes) == 0 {
		return &Bug{Message: "tried to patch with an empty patch"}
	}
	return c.Patch(ctx, newState, client.RawPatch(types.JSONPatchType, patchBytes))
}

// buildPatch diffs before/after JSON representations and prepends
// optimistic-concurrency test operations on metadata.uid and
// metadata.resourceVersion, mirroring
// prepend_uid_and_resource_version_test from the original design.
func buildPatch(before, after client.Object) ([]byte, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}

	ops, err := jsonpatch.CreatePatch(beforeJSON, afterJSON)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	var preconditions []jsonpatch.JsonPatchOperation
	if uid := before.GetUID(); uid != "" {
		preconditions = append(preconditions, jsonpatch.JsonPatchOperation{
			Operation: "test",
			Path:      "/metadata/uid",
			Value:     string(uid),
		})
	}
	if rv := before.GetResourceVersion(); rv != "" {
		preconditions = append(preconditions, jsonpatch.JsonPatchOperation{
			Operation: "test",
			Path:      "/metadata/resourceVersion",
			Value:     rv,
		})
	}
	ops = append(preconditions, ops...)

	return json.Marshal(ops)
}

// refreshWithBackoff re-fetches newState's identity from the API server,
// retrying transient failures with bounded exponential backoff. A 404
// during refresh is reported as gone, not as an error.
func refreshWithBackoff[K client.Object](ctx context.Context, c client.Client, newState K) (K, bool, error) {
	var zero K
	key := client.ObjectKeyFromObject(newState)
	knownUID := newState.GetUID()

	backoff := backoffPolicy
	maxRetries := backoff.Steps
	attempts := 0
	for {
		refreshed := newState.DeepCopyObject().(K)
		err := c.Get(ctx, key, refreshed)
		switch {
		case err == nil:
			if knownUID != "" && refreshed.GetUID() != knownUID {
				// the resource identity changed under us; the one we knew is gone.
				return zero, false, nil
			}
			return refreshed, true, nil
		case apierrors.IsNotFound(err):
			return zero, false, nil
		case Classify(err) == KindTransient:
			attempts++
			if attempts > maxRetries {
				return zero, false, err
			}
			time.Sleep(backoff.Step())
			continue
		default:
			return zero, false, err
		}
	}
}
