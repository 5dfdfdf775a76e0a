// Package webhook carries the small pieces of plumbing every admission
// handler needs: stashing the raw admission.Request on the request context
// and building the Kubernetes Status envelope for internal admission
// errors.
package webhook

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

type admissionRequestContextKey struct{}

// ContextWithAdmissionRequest stashes req on ctx so downstream code (the
// reentry check, the Pod Protocol, the patcher) can recover the original
// admission.Request without threading it through every signature.
func ContextWithAdmissionRequest(ctx context.Context, req admission.Request) context.Context {
	return context.WithValue(ctx, admissionRequestContextKey{}, &req)
}

// ContextGetAdmissionRequest recovers the admission.Request stashed by
// ContextWithAdmissionRequest, or nil if none was stashed.
func ContextGetAdmissionRequest(ctx context.Context) *admission.Request {
	req, _ := ctx.Value(admissionRequestContextKey{}).(*admission.Request)
	return req
}
