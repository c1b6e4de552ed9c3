package process

import (
	"strings"

	"github.com/cascadehq/cascade/pkg/envelope"
)

// Process types derived from event classification.
const (
	TypeIncident   = "incident"
	TypeMonitoring = "monitoring"
	TypeHeartbeat  = "heartbeat"
)

// Classify maps an event type string to the process type a new instance
// should take, or "" when no type is derivable. It is pure and total: every
// input maps to some result and it never fails.
//
// reaction.executed events are not classified here; the handler routes
// failed ones to the incident path directly and ignores the rest.
func Classify(eventType string) string {
	switch {
	case eventType == envelope.TypeInterestMatch:
		return TypeMonitoring
	case strings.HasPrefix(eventType, envelope.PrefixEnriched) && strings.Contains(eventType, "heartbeat"):
		return TypeHeartbeat
	default:
		return ""
	}
}
