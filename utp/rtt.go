package utp

import "time"

const (
	minRTO = 500 * time.Millisecond
	maxRTO = 60 * time.Second
	// initialRTO is used before the first RTT sample arrives (spec §4.3.5:
	// "per-connection RTO starts at 1s").
	initialRTO = time.Second
)

// rttEstimator tracks smoothed RTT and its variance using the
// Jacobson/Karels algorithm (spec §4.3.5): alpha=1/8 for the mean,
// beta=1/4 for the variance.
type rttEstimator struct {
	srtt        time.Duration
	rttvar      time.Duration
	initialized bool
}

func (r *rttEstimator) sample(rtt time.Duration) {
	if !r.initialized {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.initialized = true
		return
	}
	delta := rtt - r.srtt
	r.srtt += delta / 8
	if delta < 0 {
		delta = -delta
	}
	r.rttvar += (delta - r.rttvar) / 4
}

// rto returns the current retransmit timeout, clamped to [minRTO, maxRTO]
// (spec §4.3.5: "RTO = srtt + 4*rttvar, clamped to [500ms, 60s]").
func (r *rttEstimator) rto() time.Duration {
	if !r.initialized {
		return initialRTO
	}
	v := r.srtt + 4*r.rttvar
	if v < minRTO {
		return minRTO
	}
	if v > maxRTO {
		return maxRTO
	}
	return v
}
