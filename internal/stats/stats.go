// Package stats reduces raw validator-level APY records into subnet-level
// summaries and flat per-validator views. All functions treat missing data as
// an empty result, never an error: a subnet with no qualifying validators
// simply produces no row.
package stats

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/store"
	"github.com/subnetlab/taometrics/internal/taoapi"
)

const (
	// NoName replaces missing or blank validator display names.
	NoName = "No-name"

	// TopEarningRanks is how many validators per subnet earn emissions.
	TopEarningRanks = 64
)

// SubnetSummary is the derived per-subnet view over the validators with a
// strictly positive APY in the most recent collection event. Never persisted;
// recomputed on demand.
type SubnetSummary struct {
	Netuid         int
	MinAPY         float64
	MaxAPY         float64
	MeanAPY        float64
	MedianAPY      float64
	StdAPY         float64
	ValidatorCount int
	RecordedAt     time.Time
}

// ValidatorRow is one (subnet, validator) pair from the most recent
// collection event, with its rank within the subnet and whether that rank
// earns emissions.
type ValidatorRow struct {
	Netuid         int
	RecordedAt     time.Time
	Hotkey         string
	ValidatorName  string
	AlphaAPY       float64
	VTrust         float64
	AlphaStake     float64
	NominatedStake float64
	TotalStake     float64
	Rank           int
	IsEarning      bool
}

// Summarize computes the summary for one subnet from the latest records. The
// second return value is false when the subnet is absent or has no validator
// with a strictly positive APY.
func Summarize(records []store.TimeSeriesRecord, netuid int) (SubnetSummary, bool, error) {
	for _, rec := range records {
		if rec.Netuid != netuid {
			continue
		}
		summary, ok, err := summarizeRecord(rec)
		return summary, ok, err
	}
	return SubnetSummary{}, false, nil
}

// SummarizeAll computes one summary per subnet present in the latest records,
// ordered by netuid. Subnets without qualifying validators are omitted.
func SummarizeAll(records []store.TimeSeriesRecord) ([]SubnetSummary, error) {
	summaries := make([]SubnetSummary, 0, len(records))
	for _, rec := range records {
		summary, ok, err := summarizeRecord(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			summaries = append(summaries, summary)
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Netuid < summaries[j].Netuid
	})

	return summaries, nil
}

func summarizeRecord(rec store.TimeSeriesRecord) (SubnetSummary, bool, error) {
	snapshot, err := decodeSnapshot(rec)
	if err != nil {
		return SubnetSummary{}, false, err
	}

	var apys []float64
	for _, v := range snapshot.Validators {
		if v.AlphaAPY != nil && *v.AlphaAPY > 0 {
			apys = append(apys, *v.AlphaAPY)
		}
	}
	if len(apys) == 0 {
		return SubnetSummary{}, false, nil
	}

	sort.Float64s(apys)

	return SubnetSummary{
		Netuid:         rec.Netuid,
		MinAPY:         apys[0],
		MaxAPY:         apys[len(apys)-1],
		MeanAPY:        mean(apys),
		MedianAPY:      median(apys),
		StdAPY:         sampleStd(apys),
		ValidatorCount: len(apys),
		RecordedAt:     rec.RecordedAt,
	}, true, nil
}

// ValidatorRows flattens every validator with a reported APY across all
// subnets in the latest records. Blank names become the NoName sentinel,
// missing vtrust and stakes become zero. Rank orders validators within each
// subnet by vtrust descending, then total stake descending, then hotkey
// ascending; the first TopEarningRanks ranks are flagged as earning.
func ValidatorRows(records []store.TimeSeriesRecord) ([]ValidatorRow, error) {
	var all []ValidatorRow
	for _, rec := range records {
		snapshot, err := decodeSnapshot(rec)
		if err != nil {
			return nil, err
		}
		for _, v := range snapshot.Validators {
			if v.AlphaAPY == nil {
				continue
			}
			row := ValidatorRow{
				Netuid:         rec.Netuid,
				RecordedAt:     rec.RecordedAt,
				Hotkey:         v.Hotkey,
				ValidatorName:  normalizeName(v.ValidatorName),
				AlphaAPY:       *v.AlphaAPY,
				VTrust:         deref(v.VTrust),
				AlphaStake:     deref(v.AlphaStake),
				NominatedStake: deref(v.NominatedStake),
			}
			row.TotalStake = row.AlphaStake + row.NominatedStake
			all = append(all, row)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Netuid != b.Netuid {
			return a.Netuid < b.Netuid
		}
		if a.VTrust != b.VTrust {
			return a.VTrust > b.VTrust
		}
		if a.TotalStake != b.TotalStake {
			return a.TotalStake > b.TotalStake
		}
		return a.Hotkey < b.Hotkey
	})

	rank := 0
	lastNetuid := -1
	for i := range all {
		if all[i].Netuid != lastNetuid {
			lastNetuid = all[i].Netuid
			rank = 0
		}
		rank++
		all[i].Rank = rank
		all[i].IsEarning = rank <= TopEarningRanks
	}

	return all, nil
}

func decodeSnapshot(rec store.TimeSeriesRecord) (taoapi.APYSnapshot, error) {
	var snapshot taoapi.APYSnapshot
	if err := json.Unmarshal(rec.Payload, &snapshot); err != nil {
		return snapshot, errors.New().Wrap(ErrDecodePayload, err).WithData(struct {
			Netuid int
			ID     int64
		}{rec.Netuid, rec.ID})
	}
	return snapshot, nil
}

func normalizeName(name string) string {
	if strings.TrimSpace(name) == "" {
		return NoName
	}
	return name
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func mean(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sampleStd is the sample standard deviation, defined as 0 for fewer than
// two values rather than NaN.
func sampleStd(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}
