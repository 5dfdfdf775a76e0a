// Package core implements the two admission handlers that intercept pod
// delete and eviction requests: the validating Delete handler and the
// mutating Eviction handler. Both share the same pre-dispatch steps:
// recognize and bypass the controller's own reentrant calls, pass dry-run
// requests straight through, and translate handler errors into the Status
// envelope pkg/webhook builds.
package core

import (
	"context"
	"time"

	authenticationv1 "k8s.io/api/authentication/v1"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	corewebhook "github.com/pod-graceful-drain/pod-graceful-drain/pkg/webhook"
)

// SelfRecognition identifies this running instance's own service account so
// admission handlers can bypass the drain protocol on their own reentrant
// delete/patch calls (GLOSSARY "Reentry").
type SelfRecognition struct {
	Namespace      string
	ServiceAccount string
	RequiredGroups []string
}

// Matches reports whether user identifies this instance: the same
// system:serviceaccount:<namespace>:<name> username, carrying every group in
// RequiredGroups.
func (s SelfRecognition) Matches(user authenticationv1.UserInfo) bool {
	if user.Username != "system:serviceaccount:"+s.Namespace+":"+s.ServiceAccount {
		return false
	}
	have := make(map[string]struct{}, len(user.Groups))
	for _, g := range user.Groups {
		have[g] = struct{}{}
	}
	for _, required := range s.RequiredGroups {
		if _, ok := have[required]; !ok {
			return false
		}
	}
	return true
}

// typedHandler is the signature of the handler logic specific to one
// operation (Delete or Eviction), run once the shared pre-dispatch checks
// pass.
type typedHandler func(ctx context.Context, req admission.Request, deadline time.Time) (admission.Response, error)

// dispatch wraps typed with the steps every admission handler in this
// package shares: reentry bypass, dry-run bypass, metrics observation, and
// error-to-Status translation.
func dispatch(webhookName string, self SelfRecognition, collector metrics.Collector, typed typedHandler) corewebhook.HandlerFunc {
	return func(ctx context.Context, req admission.Request, deadline time.Time) admission.Response {
		if self.Matches(req.UserInfo) {
			collector.ObserveAdmissionDecision(webhookName, "reentry")
			return admission.Allowed("reentry from the drain controller itself")
		}
		if req.DryRun != nil && *req.DryRun {
			collector.ObserveAdmissionDecision(webhookName, "dry-run")
			return admission.Allowed("dry run, no action taken")
		}

		resp, err := typed(corewebhook.ContextWithAdmissionRequest(ctx, req), req, deadline)
		if err != nil {
			collector.ObserveAdmissionDecision(webhookName, "error")
			return corewebhook.ErrorResponse(err)
		}
		collector.ObserveAdmissionDecision(webhookName, decisionLabel(resp))
		return resp
	}
}

func decisionLabel(resp admission.Response) string {
	if !resp.Allowed {
		return "deny"
	}
	if len(resp.Patches) > 0 {
		return "patch"
	}
	return "allow"
}
