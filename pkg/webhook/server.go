package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// DefaultTimeout is used when the request carries no timeout query
// parameter.
const DefaultTimeout = 10 * time.Second

// SafetyOffset is subtracted from the requested timeout to compute the
// stall deadline, so the webhook response still has time to reach the API
// server before its own admission timeout fires.
const SafetyOffset = 5 * time.Second

// HandlerFunc processes one AdmissionReview request under the computed
// deadline and returns the AdmissionResponse to send back. deadline is
// start + timeout - SafetyOffset.
type HandlerFunc func(ctx context.Context, req admission.Request, deadline time.Time) admission.Response

// NewHTTPHandler adapts fn into an http.Handler: it reads the `timeout`
// query parameter (a human duration, default DefaultTimeout), decodes the
// AdmissionReview body, computes the deadline, invokes fn, and always
// writes back a full AdmissionReview envelope carrying the original
// request UID. An AdmissionReview whose `request` field is empty is
// rejected at the HTTP level with 400, before fn is ever invoked. When the
// response implies a retry delay, the Retry-After header is set on the
// HTTP response — admission.Response itself has no header field, so this
// is the one place that can set it.
func NewHTTPHandler(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		timeout := parseTimeout(r.URL.Query().Get("timeout"))
		deadline := start.Add(timeout - SafetyOffset)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var review admissionv1.AdmissionReview
		if err := json.Unmarshal(body, &review); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if review.Request == nil {
			http.Error(w, "admission review carries no request", http.StatusBadRequest)
			return
		}

		req := admission.Request{AdmissionRequest: *review.Request}
		resp := fn(r.Context(), req, deadline)
		if err := resp.Complete(req); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if retry := retryAfterFromResponse(resp); retry > 0 {
			w.Header().Set(RetryAfterHeader, strconv.Itoa(retry))
		}

		out := admissionv1.AdmissionReview{
			TypeMeta: review.TypeMeta,
			Response: &resp.AdmissionResponse,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}

// parseTimeout parses the `timeout` query param as a Go duration string,
// falling back to DefaultTimeout on absence or malformed input.
func parseTimeout(raw string) time.Duration {
	if raw == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// retryAfterFromResponse recovers the retry-after hint an error response
// carries in its status details' RetryAfterSeconds, if any. Handlers encode it there via
// ErrorResponse; this is the HTTP layer's only way to read it back since
// admission.Response carries no structured field for it.
func retryAfterFromResponse(resp admission.Response) int {
	if resp.Result == nil || resp.Result.Details == nil {
		return 0
	}
	return int(resp.Result.Details.RetryAfterSeconds)
}
