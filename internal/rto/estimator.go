package rto

import "time"

// Bounds on the retransmission timeout, per RFC 6298 §2.4/§2.5.
const (
	MinRTO = 1 * time.Second
	MaxRTO = 60 * time.Second

	// clockGranularity is RFC 6298's G, added to RTO so short RTTs on a
	// coarse clock don't produce a timer that fires too eagerly.
	clockGranularity = 100 * time.Millisecond
)

// Estimator computes the retransmission timeout using the Jacobson/Karn
// algorithm of RFC 6298: a smoothed RTT (SRTT) and mean deviation (RTTVAR)
// updated from round-trip samples, combined into
// RTO = SRTT + max(G, 4*RTTVAR) with G the clock granularity.
type Estimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	primed  bool
	backoff uint
}

// NewEstimator returns an Estimator with RTO at its initial RFC 6298 value.
func NewEstimator() *Estimator {
	return &Estimator{rto: 1 * time.Second}
}

// RTO returns the current retransmission timeout, including any exponential
// backoff applied by prior calls to Backoff.
func (e *Estimator) RTO() time.Duration {
	rto := e.rto << e.backoff
	if rto < MinRTO {
		return MinRTO
	}
	if rto > MaxRTO {
		return MaxRTO
	}
	return rto
}

// Sample folds a new round-trip time measurement into the estimator per
// RFC 6298 §2.3. Only RTT samples from segments that were never
// retransmitted may be used (Karn's algorithm); callers must enforce this
// by not calling Sample for a retransmitted packet's eventual ACK.
func (e *Estimator) Sample(rtt time.Duration) {
	e.backoff = 0
	if !e.primed {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.primed = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = e.rttvar - e.rttvar/4 + delta/4
		e.srtt = e.srtt - e.srtt/8 + rtt/8
	}
	e.rto = e.srtt + max4(clockGranularity, 4*e.rttvar)
}

func max4(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Backoff doubles the effective RTO for the next retransmission of an
// unacknowledged segment, per RFC 6298 §5.5. It is reset by the next call
// to Sample.
func (e *Estimator) Backoff() {
	if e.backoff < 6 { // bounds the shift; RTO clamps the result to MaxRTO.
		e.backoff++
	}
}

// RetransmitTimer tracks the send time and retransmit deadline of a single
// in-flight packet span, so an acked span can report back an RTT sample
// (if never retransmitted) and an expired one can trigger retransmission.
type RetransmitTimer struct {
	Seq         uint32
	SentAt      time.Time
	Deadline    time.Time
	Retransmits int
}

// Elapsed returns the RTT sample for this timer, and whether it is usable
// under Karn's algorithm (the packet must never have been retransmitted).
func (t *RetransmitTimer) Elapsed(now time.Time) (rtt time.Duration, usable bool) {
	return now.Sub(t.SentAt), t.Retransmits == 0
}
