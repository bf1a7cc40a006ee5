package stats

import "github.com/subnetlab/taometrics/internal/errors"

const (
	ErrDecodePayload = errors.ErrorCode("stats_decode_payload_failed")
)
