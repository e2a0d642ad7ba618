package balancer

import (
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// DefaultSampleLimit is the utilization history retained per agent for
// load prediction.
const DefaultSampleLimit = 50

// loadPredictor fits a least-squares line over an agent's recent
// utilization samples and extrapolates one step ahead. Not safe for
// concurrent use; the balancer serializes access.
type loadPredictor struct {
	limit   int
	samples []float64
}

func newLoadPredictor(limit int) *loadPredictor {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	return &loadPredictor{limit: limit}
}

// add appends a sample, evicting the oldest once the limit is reached.
func (p *loadPredictor) add(v float64) {
	p.samples = append(p.samples, v)
	if len(p.samples) > p.limit {
		p.samples = p.samples[1:]
	}
}

// predictNext extrapolates the fitted line one step past the newest
// sample. At least two samples are needed for a fit; the result is
// clamped to [0, 1].
func (p *loadPredictor) predictNext() (float64, bool) {
	n := len(p.samples)
	if n < 2 {
		return 0, false
	}

	// Least squares over x = 0..n-1: slope = (nΣxy - ΣxΣy) / (nΣx² - (Σx)²).
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range p.samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return clamp01(sumY / fn), true
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	return clamp01(intercept + slope*fn), true
}

// complexityBump estimates how much extra load a task adds, from its
// dependency fan-in, resource needs, and priority. Bounded so prediction
// never drowns out observed utilization.
func complexityBump(task *models.Task) float64 {
	if task == nil {
		return 0
	}
	bump := 0.03*float64(len(task.DependsOn)) +
		0.03*float64(len(task.Resources)) +
		0.02*float64(task.Priority.Rank())
	if bump > 0.3 {
		bump = 0.3
	}
	return bump
}
