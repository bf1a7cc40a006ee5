package taoapi

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"strconv"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
)

const (
	subnetInfoPath     = "/api/beta/analytics/subnets/info"
	subnetScreenerPath = "/api/beta/subnet_screener"
	alphaAPYPath       = "/api/beta/apy/alpha"
)

// SubnetRecord is one current-state row from a subnet list endpoint. The
// payload keeps the upstream object verbatim; only the netuid key is decoded
// here, the rest is interpreted by consumers.
type SubnetRecord struct {
	Netuid  int
	Payload json.RawMessage
}

// ValidatorAPY is one validator entry from the alpha APY endpoint. Pointer
// fields distinguish absent or null values from zero.
type ValidatorAPY struct {
	Hotkey         string   `json:"hotkey"`
	ValidatorName  string   `json:"validator_name"`
	AlphaAPY       *float64 `json:"alpha_apy"`
	AlphaStake     *float64 `json:"alpha_stake"`
	NominatedStake *float64 `json:"nominated_stake"`
	VTrust         *float64 `json:"vtrust"`
}

// APYSnapshot is the decoded alpha APY response for one subnet: the validator
// entries plus the average APY over entries that reported one, rounded to two
// decimals. AverageAPY is nil when no validator reported a value.
type APYSnapshot struct {
	AverageAPY *float64       `json:"apy"`
	Validators []ValidatorAPY `json:"validator_apys"`
}

// SubnetInfo fetches the current-state analytics rows for all subnets.
func (c *Client) SubnetInfo(ctx context.Context) ([]SubnetRecord, error) {
	return c.subnetList(ctx, subnetInfoPath)
}

// SubnetScreener fetches the screener rows for all subnets.
func (c *Client) SubnetScreener(ctx context.Context) ([]SubnetRecord, error) {
	return c.subnetList(ctx, subnetScreenerPath)
}

func (c *Client) subnetList(ctx context.Context, path string) ([]SubnetRecord, error) {
	errFactory := errors.New()

	body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, errFactory.Wrap(ErrDecodeFailed, err).WithData(path)
	}

	records := make([]SubnetRecord, 0, len(items))
	for _, item := range items {
		var key struct {
			Netuid *int `json:"netuid"`
		}
		if err := json.Unmarshal(item, &key); err != nil {
			return nil, errFactory.Wrap(ErrDecodeFailed, err).WithData(path)
		}
		if key.Netuid == nil {
			return nil, errFactory.WithData(ErrDecodeFailed, "item without netuid")
		}
		records = append(records, SubnetRecord{Netuid: *key.Netuid, Payload: item})
	}

	return records, nil
}

// AlphaAPY fetches and decodes the validator APY list for one subnet.
func (c *Client) AlphaAPY(ctx context.Context, netuid int) (*APYSnapshot, error) {
	errFactory := errors.New()

	query := url.Values{"netuid": []string{strconv.Itoa(netuid)}}
	body, err := c.get(ctx, alphaAPYPath, query)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []ValidatorAPY `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errFactory.Wrap(ErrDecodeFailed, err).WithData(alphaAPYPath)
	}

	snapshot := &APYSnapshot{Validators: payload.Data}

	var total float64
	var count int
	for _, v := range payload.Data {
		if v.AlphaAPY != nil {
			total += *v.AlphaAPY
			count++
		}
	}
	if count > 0 {
		avg := math.Round(total/float64(count)*100) / 100
		snapshot.AverageAPY = &avg
		logger.Debug().
			Int("netuid", netuid).
			Float64("apy", avg).
			Int("validators", count).
			Msg("Calculated average APY")
	} else {
		logger.Warn().Int("netuid", netuid).Msg("No valid APY values in response")
	}

	return snapshot, nil
}
