package network

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"peerlink/storage"
)

// securityEvent persists one security-relevant outcome. Failures are logged
// and never surface to the exchange that produced the event.
func (m *PeerManager) securityEvent(eventType, severity string, nodeID uuid.UUID, details map[string]any) {
	if m.options.Security == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		m.log.Warn().Err(err).Str("event_type", eventType).Msg("encode security event")
		return
	}

	event := storage.SecurityEvent{
		EventType: eventType,
		Details:   string(raw),
		Severity:  severity,
		Timestamp: time.Now().UnixMilli(),
	}
	if nodeID != uuid.Nil {
		id := nodeID.String()
		event.NodeID = &id
	}
	if err := m.options.Security.LogSecurityEvent(event); err != nil {
		m.log.Warn().Err(err).Str("event_type", eventType).Msg("persist security event")
	}
}
