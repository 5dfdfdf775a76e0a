// Package runtime supplies the small reconcile-error vocabulary the
// drain/evict controllers return from Reconcile: a plain error means "log it
// and let controller-runtime's default backoff take over", while
// RequeueNeeded/RequeueNeededAfter mean "this isn't a failure, just
// schedule another pass."
package runtime

import (
	"errors"
	"time"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
)

// RequeueNeededAfter signals that the reconciler should be requeued after
// Duration has elapsed; it is not logged as an error.
type RequeueNeededAfter struct {
	message  string
	duration time.Duration
}

// NewRequeueNeededAfter constructs a RequeueNeededAfter carrying message for
// logging purposes and the requested requeue delay.
func NewRequeueNeededAfter(message string, duration time.Duration) *RequeueNeededAfter {
	return &RequeueNeededAfter{message: message, duration: duration}
}

func (e *RequeueNeededAfter) Error() string          { return e.message }
func (e *RequeueNeededAfter) Duration() time.Duration { return e.duration }

// RequeueNeeded signals that the reconciler should be requeued immediately;
// it is not logged as an error.
type RequeueNeeded struct {
	message string
}

// NewRequeueNeeded constructs a RequeueNeeded carrying message for logging
// purposes.
func NewRequeueNeeded(message string) *RequeueNeeded {
	return &RequeueNeeded{message: message}
}

func (e *RequeueNeeded) Error() string { return e.message }

// HandleReconcileError converts a Reconcile error into the (ctrl.Result,
// error) pair controller-runtime expects: nil stays nil, RequeueNeededAfter
// and RequeueNeeded become a requeue with no error, and anything else is
// returned as-is for controller-runtime's own backoff and logging.
func HandleReconcileError(err error, logger logr.Logger) (ctrl.Result, error) {
	if err == nil {
		return ctrl.Result{}, nil
	}

	var requeueNeededAfter *RequeueNeededAfter
	if errors.As(err, &requeueNeededAfter) {
		logger.V(1).Info("requeue after", "reason", requeueNeededAfter.message, "after", requeueNeededAfter.duration)
		return ctrl.Result{RequeueAfter: requeueNeededAfter.duration}, nil
	}

	var requeueNeeded *RequeueNeeded
	if errors.As(err, &requeueNeeded) {
		logger.V(1).Info("requeue", "reason", requeueNeeded.message)
		return ctrl.Result{Requeue: true}, nil
	}

	return ctrl.Result{}, err
}

// conflictRequeueDelay is the delay the generic error policy uses for a
// 409 conflict: the same 10s value as pkg/election's exclusive window.
// Kept as a literal here rather than importing pkg/election to avoid
// coupling this low-level error vocabulary to the election package's
// domain concern.
const conflictRequeueDelay = 10 * time.Second

const transientRequeueDelay = 5 * time.Second

const defaultRequeueDelay = 10 * time.Second

// ErrorPolicy classifies a reconcile-time error into a RequeueNeededAfter
// per the drain/evict reconcilers' shared policy: a 409 conflict is
// requeued after the exclusivity window, a transient server error after
// 5s, and everything else (Bug, NotMyFault, or any other error) after 10s.
// A nil error stays nil.
func ErrorPolicy(err error) error {
	if err == nil {
		return nil
	}
	switch patch.Classify(err) {
	case patch.KindConflict:
		return NewRequeueNeededAfter("conflict, retrying: "+err.Error(), conflictRequeueDelay)
	case patch.KindTransient:
		return NewRequeueNeededAfter("transient error, retrying: "+err.Error(), transientRequeueDelay)
	default:
		return NewRequeueNeededAfter("reconcile error: "+err.Error(), defaultRequeueDelay)
	}
}
