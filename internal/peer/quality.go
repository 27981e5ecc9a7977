package peer

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// qualitySampleInterval is how often RTT is sampled while the connection
	// is usable. The first sample is taken immediately on reaching connected.
	qualitySampleInterval = 5 * time.Second

	rttGoodThreshold = 200 * time.Millisecond
	rttPoorThreshold = 500 * time.Millisecond
)

var errNoSucceededPair = errors.New("no succeeded candidate pair in stats")

// classifyRTT maps a sampled round-trip time to a coarse quality bucket.
func classifyRTT(rtt time.Duration) Quality {
	switch {
	case rtt > rttPoorThreshold:
		return QualityPoor
	case rtt > rttGoodThreshold:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// currentRTT reads the round-trip time of the succeeded ICE candidate pair
// from the connection's stats report.
func currentRTT(pc *webrtc.PeerConnection) (time.Duration, error) {
	report := pc.GetStats()
	for _, stats := range report {
		pair, ok := stats.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), nil
	}
	return 0, errNoSucceededPair
}
