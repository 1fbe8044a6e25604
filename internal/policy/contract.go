package policy

import (
	"regexp"
	"strings"
)

const (
	EngineName      = "queue-pressure-timer"
	EngineVersion   = "1.0.0"
	ContractVersion = "timing-trace.v1"
)

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?$`)

// EngineContract identifies which engine produced a decision trace, so
// stored traces can be interpreted after the algorithm evolves.
type EngineContract struct {
	EngineName      string `json:"timing_engine"`
	EngineVersion   string `json:"engine_version"`
	ContractVersion string `json:"timing_contract_version"`
}

func CurrentEngineContract() EngineContract {
	return EngineContract{
		EngineName:      EngineName,
		EngineVersion:   EngineVersion,
		ContractVersion: ContractVersion,
	}
}

func IsValidEngineVersion(version string) bool {
	version = strings.TrimSpace(version)
	return semverRe.MatchString(version)
}
