package taoapi

import "github.com/subnetlab/taometrics/internal/errors"

const (
	// Configuration errors
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrMissingBaseURL = errors.ErrorCode("taoapi_missing_base_url")
	ErrMissingAPIKey  = errors.ErrorCode("taoapi_missing_api_key")

	// Request errors
	ErrRequestFailed       = errors.ErrorCode("taoapi_request_failed")
	ErrTransientStatus     = errors.ErrorCode("taoapi_transient_status")
	ErrUpstreamUnavailable = errors.ErrorCode("taoapi_upstream_unavailable")
	ErrDecodeFailed        = errors.ErrorCode("taoapi_decode_failed")
)

// StatusData carries the last observed HTTP status and response excerpt for
// operator logs.
type StatusData struct {
	Status int
	Body   string
}
