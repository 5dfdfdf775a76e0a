package patch

import (
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind partitions API errors into the six policies the rest of the system
// reacts to.
type Kind int

const (
	// KindOther is any error that must be propagated as-is.
	KindOther Kind = iota
	// KindTransient covers 408/429/500-ServerTimeout/502/503/504.
	KindTransient
	// KindConflict is an optimistic-concurrency 409.
	KindConflict
	// KindGone is a 404/410: the object vanished mid-operation.
	KindGone
	// KindInvalidForJSONPatchTest is the 422 the API server returns when a
	// JSON-Patch "test" operation fails.
	KindInvalidForJSONPatchTest
	// KindBug is an internal invariant violation, never a server response.
	KindBug
	// KindNotMyFault is a cluster-misconfiguration condition the system
	// cannot resolve on its own (e.g. two PDBs matching one pod).
	KindNotMyFault
)

// invalidForJSONPatchTestMessage is the exact string the API server uses to
// signal that a JSON-Patch "test" operation failed. It arrives as a 422,
// which would otherwise be indistinguishable from a validation error.
const invalidForJSONPatchTestMessage = "the server rejected our request due to an error in our request"

// Classify maps a Kubernetes API error onto a Kind. Non-API errors (nil
// status) classify as KindOther.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if apierrors.IsNotFound(err) || apierrors.IsGone(err) {
		return KindGone
	}
	if apierrors.IsConflict(err) {
		return KindConflict
	}
	status, ok := err.(apierrors.APIStatus)
	if !ok {
		return KindOther
	}
	code := status.Status().Code
	if code == http.StatusUnprocessableEntity && strings.Contains(status.Status().Message, invalidForJSONPatchTestMessage) {
		return KindInvalidForJSONPatchTest
	}
	if isTransientCode(code) || apierrors.IsServerTimeout(err) || apierrors.IsTooManyRequests(err) {
		return KindTransient
	}
	return KindOther
}

func isTransientCode(code int32) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Bug marks a condition the system believes can never happen in correct
// operation (e.g. an empty computed patch).
type Bug struct {
	Message string
	Cause   error
}

func (b *Bug) Error() string {
	if b.Cause != nil {
		return "bug: " + b.Message + ": " + b.Cause.Error()
	}
	return "bug: " + b.Message
}

func (b *Bug) Unwrap() error { return b.Cause }

// NotMyFault marks a cluster-misconfiguration condition this system cannot
// resolve by retrying.
type NotMyFault struct {
	Message string
	Cause   error
}

func (n *NotMyFault) Error() string {
	if n.Cause != nil {
		return n.Message + ": " + n.Cause.Error()
	}
	return n.Message
}

func (n *NotMyFault) Unwrap() error { return n.Cause }

// TooManyRequests carries the retry-after hint the PDB decrementer and the
// admission error envelope both need.
type TooManyRequests struct {
	RetryAfterSeconds int
}

func (t *TooManyRequests) Error() string { return "too many requests, retry later" }
