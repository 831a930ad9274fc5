package harvest

import (
	"fmt"
	"time"
)

// Estimator names accepted by NewEstimator.
const (
	EstimatorCumulative = "cumulative"
	EstimatorEWMA       = "ewma"
)

// DefaultSmoothing is the EWMA weight of the newest ticket duration.
const DefaultSmoothing = 0.3

// Estimator predicts the remaining run time. Observe is called once per
// processed ticket with the cumulative elapsed time.
type Estimator interface {
	Observe(processed, total int, elapsed time.Duration) time.Duration
}

// NewEstimator returns a fresh estimator by name. Estimators keep state, so
// every run needs its own.
func NewEstimator(name string, smoothing float64) (Estimator, error) {
	switch name {
	case "", EstimatorCumulative:
		return &cumulative{}, nil
	case EstimatorEWMA:
		if smoothing <= 0 || smoothing > 1 {
			smoothing = DefaultSmoothing
		}
		return &ewma{alpha: smoothing}, nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", name)
	}
}

// cumulative is remaining * elapsed / processed.
type cumulative struct{}

func (cumulative) Observe(processed, total int, elapsed time.Duration) time.Duration {
	if processed <= 0 || processed >= total {
		return 0
	}
	return time.Duration(float64(total-processed) * float64(elapsed) / float64(processed))
}

// ewma smooths per-ticket durations so one slow early ticket does not
// dominate the estimate.
type ewma struct {
	alpha float64
	avg   float64
	last  time.Duration
	seen  bool
}

func (e *ewma) Observe(processed, total int, elapsed time.Duration) time.Duration {
	d := float64(elapsed - e.last)
	e.last = elapsed
	if !e.seen {
		e.avg, e.seen = d, true
	} else {
		e.avg = e.alpha*d + (1-e.alpha)*e.avg
	}
	if processed >= total {
		return 0
	}
	return time.Duration(float64(total-processed) * e.avg)
}
