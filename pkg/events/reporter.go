// Package events carries the event reason/action vocabulary the admission
// handlers and reconcilers report against the pod object, and the
// 1024-byte char-boundary note truncation every emitted event note goes
// through.
package events

import (
	"unicode/utf8"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
)

// ReporterName is the event source/reporting-controller string used on
// every event this system emits.
const ReporterName = "pod-graceful-drain"

// Reason/action strings emitted against the pod object across its
// lifecycle.
const (
	ReasonDelayDeletion  = "DelayDeletion"
	ReasonInterceptEvict = "InterceptEviction"
	ReasonAllowDeletion  = "AllowDeletion"
	ReasonAllow          = "Allow"

	ActionDrain         = "Drain"
	ActionWaitingForPDB = "WaitingForPodDisruptionBudget"
	ActionNotExposed    = "NotExposed"
	ActionDryRun        = "DryRun"
	ActionAllow         = "Allow"
)

// maxNoteBytes is the truncation limit for any emitted event note.
const maxNoteBytes = 1024

// Truncate cuts s to at most maxNoteBytes bytes, backing off to the nearest
// preceding UTF-8 rune boundary, and appends "..." when truncation
// occurred. Strings already within the limit are returned unchanged.
func Truncate(s string) string {
	if len(s) <= maxNoteBytes {
		return s
	}
	cut := maxNoteBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Reporter emits events against pods using the Kubernetes EventRecorder,
// truncating every note before it leaves the process.
type Reporter struct {
	recorder record.EventRecorder
}

// NewReporter constructs a Reporter backed by recorder, the same
// mgr.GetEventRecorderFor(...) handle the controllers use.
func NewReporter(recorder record.EventRecorder) *Reporter {
	return &Reporter{recorder: recorder}
}

// Report emits a Normal event with the given reason/action against pod. The
// note is truncated to maxNoteBytes before being handed to the recorder.
func (r *Reporter) Report(pod *corev1.Pod, reason, action, note string) {
	r.recorder.Event(pod, corev1.EventTypeNormal, reason, reportMessage(action, note))
}

// ReportWarning emits a Warning event, used for NotMyFault/Bug surfacing.
func (r *Reporter) ReportWarning(pod *corev1.Pod, reason, action, note string) {
	r.recorder.Event(pod, corev1.EventTypeWarning, reason, reportMessage(action, note))
}

func reportMessage(action, note string) string {
	msg := action
	if note != "" {
		msg = action + ": " + note
	}
	return Truncate(msg)
}
