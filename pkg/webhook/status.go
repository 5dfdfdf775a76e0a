package webhook

import (
	"net/http"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/patch"
)

// RetryAfterHeader is the HTTP header the admission response carries a
// nonzero retry-after hint on.
const RetryAfterHeader = "Retry-After"

// ErrorResponse builds the Kubernetes Status envelope for an internal
// admission error: HTTP 500 with a causes[] chain built by unwrapping err,
// and details.retryAfterSeconds set whenever err carries a
// *patch.TooManyRequests with a positive RetryAfterSeconds. The HTTP-level
// wrapper (NewHTTPHandler) reads that field back out to set the actual
// Retry-After response header, since admission.Response itself carries no
// header fields.
func ErrorResponse(err error) admission.Response {
	resp := admission.Errored(http.StatusInternalServerError, err)
	resp.AdmissionResponse.Result.Details = &metav1.StatusDetails{
		Causes:            causesFor(err),
		RetryAfterSeconds: int32(retryAfterSeconds(err)),
	}
	return resp
}

// RetryAfterSeconds reports the Retry-After header value (in seconds) this
// error implies, or 0 if none applies.
func RetryAfterSeconds(err error) int {
	return retryAfterSeconds(err)
}

func retryAfterSeconds(err error) int {
	var tmr *patch.TooManyRequests
	if ok := asTooManyRequests(err, &tmr); ok {
		return tmr.RetryAfterSeconds
	}
	return 0
}

func asTooManyRequests(err error, target **patch.TooManyRequests) bool {
	for err != nil {
		if tmr, ok := err.(*patch.TooManyRequests); ok {
			*target = tmr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func causesFor(err error) []metav1.StatusCause {
	var causes []metav1.StatusCause
	for err != nil {
		causes = append(causes, metav1.StatusCause{Message: err.Error()})
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return causes
}
