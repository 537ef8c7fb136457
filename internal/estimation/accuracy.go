package estimation

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Dimension is one tracked estimation axis.
type Dimension string

const (
	DimensionComplexity Dimension = "complexity"
	DimensionLatency    Dimension = "latency"
	DimensionTokens     Dimension = "tokens"
	DimensionCost       Dimension = "cost"
)

// Dimensions returns every tracked dimension.
func Dimensions() []Dimension {
	return []Dimension{DimensionComplexity, DimensionLatency, DimensionTokens, DimensionCost}
}

// Measures holds a value per dimension.
type Measures struct {
	Complexity float64       `json:"complexity"`
	Latency    time.Duration `json:"latency"`
	Tokens     float64       `json:"tokens"`
	Cost       float64       `json:"cost"`
}

func (m Measures) value(d Dimension) float64 {
	switch d {
	case DimensionComplexity:
		return m.Complexity
	case DimensionLatency:
		return m.Latency.Seconds()
	case DimensionTokens:
		return m.Tokens
	case DimensionCost:
		return m.Cost
	}
	return 0
}

// Rates converts complexity points into resource estimates.
type Rates struct {
	LatencyPerPoint time.Duration `koanf:"latency_per_point" json:"latency_per_point"`
	TokensPerPoint  float64       `koanf:"tokens_per_point" json:"tokens_per_point"`
	CostPerPoint    float64       `koanf:"cost_per_point" json:"cost_per_point"`
}

// Project derives estimated measures from an estimated complexity.
func (r Rates) Project(complexity float64) Measures {
	return Measures{
		Complexity: complexity,
		Latency:    time.Duration(complexity * float64(r.LatencyPerPoint)),
		Tokens:     complexity * r.TokensPerPoint,
		Cost:       complexity * r.CostPerPoint,
	}
}

// Observation pairs one task's estimate with what it actually consumed.
type Observation struct {
	TaskID    string   `json:"task_id"`
	Estimated Measures `json:"estimated"`
	Actual    Measures `json:"actual"`
}

// Quality is the banded judgement of estimation accuracy.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualityUnknown Quality = "unknown"
)

// Bands are the MAPE thresholds, in percent, for Good and Fair.
type Bands struct {
	Good float64 `koanf:"good" json:"good"`
	Fair float64 `koanf:"fair" json:"fair"`
}

// DefaultBands returns Good at 10% and Fair at 20%.
func DefaultBands() Bands {
	return Bands{Good: 10, Fair: 20}
}

// Classify bands a MAPE percentage.
func (b Bands) Classify(mape float64) Quality {
	switch {
	case math.IsNaN(mape) || mape < 0:
		return QualityUnknown
	case mape <= b.Good:
		return QualityGood
	case mape <= b.Fair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// AccuracyReport summarizes estimation error.
type AccuracyReport struct {
	Observations int                   `json:"observations"`
	PerDimension map[Dimension]float64 `json:"per_dimension"`
	MAPE         float64               `json:"mape"`
	Computable   bool                  `json:"computable"`
	Quality      Quality               `json:"quality"`
}

// MAPE computes mean absolute percentage error per dimension, then averages
// the dimensions. Pairs with a zero estimate are skipped for that dimension;
// dimensions with no usable pairs are omitted. Values are percentages.
func MAPE(observations []Observation, bands Bands) AccuracyReport {
	report := AccuracyReport{
		Observations: len(observations),
		PerDimension: make(map[Dimension]float64),
	}

	var dims []float64
	for _, d := range Dimensions() {
		var sum float64
		var n int
		for _, o := range observations {
			est := o.Estimated.value(d)
			if est <= 0 {
				continue
			}
			sum += math.Abs(o.Actual.value(d)-est) / est
			n++
		}
		if n == 0 {
			continue
		}
		pct := sum / float64(n) * 100
		report.PerDimension[d] = pct
		dims = append(dims, pct)
	}

	if len(dims) > 0 {
		sort.Float64s(dims)
		var total float64
		for _, v := range dims {
			total += v
		}
		report.MAPE = total / float64(len(dims))
		report.Computable = true
		report.Quality = bands.Classify(report.MAPE)
		return report
	}
	report.Quality = QualityUnknown
	return report
}

// Tracker accumulates observations from completed tasks.
type Tracker struct {
	mu           sync.RWMutex
	bands        Bands
	observations []Observation
}

// NewTracker creates a tracker judging accuracy with bands.
func NewTracker(bands Bands) *Tracker {
	return &Tracker{bands: bands}
}

// Observe records one completed task.
func (t *Tracker) Observe(o Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observations = append(t.observations, o)
}

// Report computes MAPE over every observation so far.
func (t *Tracker) Report() AccuracyReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return MAPE(t.observations, t.bands)
}

// TaskMAPE computes the error for a single observation.
func (t *Tracker) TaskMAPE(o Observation) AccuracyReport {
	return MAPE([]Observation{o}, t.bands)
}
