package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

const ReplayContractVersion = "timing-replay.v1"

const (
	ReplayStatusMatch        = "MATCH"
	ReplayStatusMismatch     = "MISMATCH"
	ReplayStatusMissing      = "MISSING_DIGEST"
	ReplayStatusUnreplayable = "NOT_REPLAYABLE"
)

// ReplayInput is the canonical projection of one timing decision. Digests
// are computed over this normalized form so a stored trace can be verified
// bit-for-bit later, independent of how it was serialized at write time.
type ReplayInput struct {
	TimingEngine   string  `json:"timing_engine"`
	EngineVersion  string  `json:"engine_version"`
	TimingContract string  `json:"timing_contract_version"`
	Phase          string  `json:"phase"`
	Source         string  `json:"source"`
	QueueLength    int     `json:"queue_length"`
	GrowthRate     float64 `json:"growth_rate"`
	BiasMS         int64   `json:"bias_ms"`
	DurationMS     int64   `json:"duration_ms"`
	Reason         string  `json:"reason"`
}

// ReplayVerification reports whether a stored digest still matches a
// deterministic recomputation from the stored trace fields.
type ReplayVerification struct {
	ContractVersion    string      `json:"contract_version"`
	Replayable         bool        `json:"replayable"`
	Status             string      `json:"status"`
	StoredDigest       string      `json:"stored_digest,omitempty"`
	ComputedDigest     string      `json:"computed_digest,omitempty"`
	DeterministicMatch bool        `json:"deterministic_match"`
	Reason             string      `json:"reason"`
	CanonicalInput     ReplayInput `json:"canonical_input"`
}

// VerifyReplay recomputes the digest for a stored decision trace and
// compares it against the digest stored alongside it.
func VerifyReplay(storedDigest string, in ReplayInput) ReplayVerification {
	normalized := NormalizeReplayInput(in)
	stored := strings.ToLower(strings.TrimSpace(storedDigest))

	out := ReplayVerification{
		ContractVersion: ReplayContractVersion,
		Replayable:      normalized.Phase != "" && normalized.DurationMS > 0,
		Status:          ReplayStatusUnreplayable,
		StoredDigest:    stored,
		Reason:          "phase and duration are required for deterministic replay",
		CanonicalInput:  normalized,
	}
	if !out.Replayable {
		return out
	}

	out.ComputedDigest = ReplayDigest(normalized)
	if stored == "" {
		out.Status = ReplayStatusMissing
		out.Reason = "decision trace missing replay digest"
		return out
	}
	if stored == out.ComputedDigest {
		out.Status = ReplayStatusMatch
		out.DeterministicMatch = true
		out.Reason = "stored replay digest matches deterministic recomputation"
		return out
	}
	out.Status = ReplayStatusMismatch
	out.Reason = "stored replay digest does not match deterministic recomputation"
	return out
}

// ReplayDigest hashes the normalized decision in a fixed key order.
func ReplayDigest(in ReplayInput) string {
	normalized := NormalizeReplayInput(in)
	lines := []string{
		"timing_engine=" + normalized.TimingEngine,
		"engine_version=" + normalized.EngineVersion,
		"timing_contract_version=" + normalized.TimingContract,
		"phase=" + normalized.Phase,
		"source=" + normalized.Source,
		"queue_length=" + strconv.Itoa(normalized.QueueLength),
		"growth_rate=" + formatReplayRate(normalized.GrowthRate),
		"bias_ms=" + strconv.FormatInt(normalized.BiasMS, 10),
		"duration_ms=" + strconv.FormatInt(normalized.DurationMS, 10),
		"reason=" + normalized.Reason,
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// NormalizeReplayInput trims and canonicalizes the trace fields so digest
// computation is insensitive to storage round-trips.
func NormalizeReplayInput(in ReplayInput) ReplayInput {
	out := ReplayInput{
		TimingEngine:   strings.TrimSpace(in.TimingEngine),
		EngineVersion:  strings.TrimSpace(in.EngineVersion),
		TimingContract: strings.TrimSpace(in.TimingContract),
		Phase:          strings.ToUpper(strings.TrimSpace(in.Phase)),
		Source:         strings.ToUpper(strings.TrimSpace(in.Source)),
		QueueLength:    in.QueueLength,
		GrowthRate:     normalizeReplayRate(in.GrowthRate),
		BiasMS:         in.BiasMS,
		DurationMS:     in.DurationMS,
		Reason:         strings.TrimSpace(in.Reason),
	}
	if out.QueueLength < 0 {
		out.QueueLength = 0
	}
	return out
}

func normalizeReplayRate(v float64) float64 {
	rounded := math.Round(v*1_000_000) / 1_000_000
	if rounded == 0 {
		return 0
	}
	return rounded
}

func formatReplayRate(v float64) string {
	return strconv.FormatFloat(normalizeReplayRate(v), 'f', 6, 64)
}
