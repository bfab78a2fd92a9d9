package speech

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
)

// Kind classifies vendor failures for retry decisions
type Kind int

// Vendor failure kinds
const (
	KindUnknown Kind = iota
	KindAuthRejected
	KindQuotaExceeded
	KindInvalidInput
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuthRejected:
		return "auth_rejected"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ErrNoSpeech is returned when recognition succeeds but hears nothing
var ErrNoSpeech = errors.New("speech: no speech recognized")

// VendorError is a classified STT/TTS failure
type VendorError struct {
	Op     string
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *VendorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("speech %s: %s (status %d %s): %v", e.Op, e.Kind, e.Status, e.Reason, e.Err)
	}
	return fmt.Sprintf("speech %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *VendorError) Unwrap() error { return e.Err }

// KindOf returns the classification carried by err, or KindUnknown
func KindOf(err error) Kind {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether another attempt may succeed
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Legacy reasons (googleapi.Error.Errors) that mean the project is out of
// quota or billing, as opposed to short-term rate limiting
// (rateLimitExceeded, userRateLimitExceeded)
var quotaReasons = map[string]bool{
	"quotaexceeded":      true,
	"dailylimitexceeded": true,
	"billingnotenabled":  true,
}

// google.rpc.ErrorInfo reasons that no token refresh or quick retry fixes
var errorInfoQuotaReasons = map[string]bool{
	"BILLING_DISABLED":    true,
	"SERVICE_DISABLED":    true,
	"RATE_LIMIT_EXCEEDED": true,
	"RESOURCE_EXHAUSTED":  true,
}

// classify maps a client library error onto the shared taxonomy. When the
// caller's context ended the error passes through unchanged; a per-call
// timeout on a live caller is transient.
func classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &VendorError{Op: op, Kind: KindTransient, Err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason, quota := errorReason(err, gerr)
		kind := kindForStatus(gerr.Code, quota)
		return &VendorError{Op: op, Kind: kind, Status: gerr.Code, Reason: reason, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &VendorError{Op: op, Kind: KindTransient, Err: err}
	}
	return &VendorError{Op: op, Kind: KindUnknown, Err: err}
}

func kindForStatus(status int, quota bool) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthRejected
	case status == http.StatusForbidden:
		if quota {
			return KindQuotaExceeded
		}
		return KindAuthRejected
	case status == http.StatusTooManyRequests:
		if quota {
			return KindQuotaExceeded
		}
		return KindTransient
	case status == http.StatusBadRequest:
		return KindInvalidInput
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// errorReason extracts the failure reason and whether it names quota or
// billing exhaustion. Current APIs carry it in error.details as
// google.rpc.ErrorInfo or QuotaFailure; older ones in error.errors.
func errorReason(err error, gerr *googleapi.Error) (string, bool) {
	var aerr *apierror.APIError
	if errors.As(err, &aerr) {
		quota := aerr.Details().QuotaFailure != nil
		if reason := aerr.Reason(); reason != "" {
			return reason, quota || errorInfoQuotaReasons[reason]
		}
		if quota {
			return "", true
		}
	}

	// Raw details when the body was not parsed into an APIError
	for _, d := range gerr.Details {
		detail, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := detail["@type"].(string)
		switch {
		case strings.HasSuffix(typ, "google.rpc.ErrorInfo"):
			if reason, _ := detail["reason"].(string); reason != "" {
				return reason, errorInfoQuotaReasons[reason]
			}
		case strings.HasSuffix(typ, "google.rpc.QuotaFailure"):
			return "", true
		}
	}

	for _, item := range gerr.Errors {
		if item.Reason != "" {
			return item.Reason, quotaReasons[strings.ToLower(item.Reason)]
		}
	}
	return "", false
}
