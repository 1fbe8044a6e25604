// Package coord implements the interlight coordination protocol: the
// NeighborMessage contract, the per-neighbor receive table, the broadcast
// sender, and the bounded bias fed to the timing policy engine.
//
// Coordination is strictly message passing. Each controller holds only
// inbound copies of its neighbors' summaries; missing or stale neighbor
// data degrades to independent operation, never to an error.
package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"crosslight/internal/signal"
)

// ErrContract marks an inbound message that failed contract validation.
// Such messages are counted and dropped, never fatal.
var ErrContract = errors.New("neighbor message contract violation")

// Message is the summary one intersection broadcasts to its neighbors.
type Message struct {
	IntersectionID  string       `json:"intersection_id"`
	Phase           signal.Phase `json:"phase"`
	CongestionIndex float64      `json:"congestion_index"`
	Timestamp       time.Time    `json:"ts"`
}

// messageSchema is the wire contract for NeighborMessage, enforced on every
// inbound payload before it can touch the neighbor table.
const messageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "crosslight/neighbor-message.v1",
  "type": "object",
  "required": ["intersection_id", "phase", "congestion_index", "ts"],
  "additionalProperties": false,
  "properties": {
    "intersection_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "phase": {
      "type": "string",
      "enum": ["NS_GREEN", "NS_YELLOW", "EW_GREEN", "EW_YELLOW", "ALL_RED", "EMERGENCY_PREEMPT", "FAILSAFE"]
    },
    "congestion_index": {"type": "number", "minimum": 0, "maximum": 1},
    "ts": {"type": "string", "format": "date-time"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("neighbor-message.json", strings.NewReader(messageSchema)); err != nil {
		panic(fmt.Sprintf("coord: add message schema: %v", err))
	}
	return compiler.MustCompile("neighbor-message.json")
}

// DecodeMessage validates a raw payload against the message schema and
// decodes it.
func DecodeMessage(raw []byte) (Message, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrContract, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrContract, err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrContract, err)
	}
	if msg.Timestamp.IsZero() {
		return Message{}, fmt.Errorf("%w: ts must be a valid timestamp", ErrContract)
	}
	return msg, nil
}
