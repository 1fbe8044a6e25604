package coord

import (
	"time"

	"crosslight/internal/config"
	"crosslight/internal/ingest"
	"crosslight/internal/signal"
)

// BiasParams are the tunable coefficients of the coordination bias.
type BiasParams struct {
	// Cap bounds |bias|; the policy engine may rely on it.
	Cap time.Duration
	// CongestionThreshold is the neighbor congestion index above which we
	// stop feeding that neighbor.
	CongestionThreshold float64
}

// Bias computes the bounded timing adjustment for the active green phase.
//
// A congested downstream neighbor on our green axis pushes the bias
// negative (stop feeding its queue); an aligned neighbor running green on
// our axis pushes it positive (hold the green wave). Stale or missing
// neighbor data contributes exactly zero.
func Bias(active signal.Phase, neighbors map[string]NeighborState, peers []config.Peer, p BiasParams) time.Duration {
	axis, ok := active.Axis()
	if !ok || active != signal.NSGreen && active != signal.EWGreen {
		return 0
	}
	if p.Cap <= 0 {
		return 0
	}

	total := 0.0 // in cap units, [-1, 1] per peer before clamping
	for _, peer := range peers {
		if peer.Axis != axis {
			continue
		}
		st, found := neighbors[peer.ID]
		if !found || !st.HasData || st.Stale {
			continue
		}
		if st.Message.CongestionIndex > p.CongestionThreshold {
			span := 1 - p.CongestionThreshold
			if span <= 0 {
				span = 1
			}
			total -= (st.Message.CongestionIndex - p.CongestionThreshold) / span
			continue
		}
		if st.Message.Phase == active {
			total += 1 - st.Message.CongestionIndex
		}
	}

	if total > 1 {
		total = 1
	}
	if total < -1 {
		total = -1
	}
	return time.Duration(total * float64(p.Cap))
}

// CongestionIndex summarizes how congested this intersection looks to its
// neighbors: the weighted mean of normalized queue lengths over fresh
// snapshots, clamped to [0, 1]. No fresh data reads as zero congestion.
func CongestionIndex(view ingest.View, maxQueue int, weight float64) float64 {
	if maxQueue <= 0 {
		return 0
	}
	fresh := view.FreshAll()
	if len(fresh) == 0 {
		return 0
	}
	sum := 0.0
	for _, snap := range fresh {
		sum += float64(snap.QueueLength) / float64(maxQueue)
	}
	index := weight * sum / float64(len(fresh))
	if index < 0 {
		return 0
	}
	if index > 1 {
		return 1
	}
	return index
}
