package storage

import (
	"errors"
	"fmt"
)

// MarkSeen records a message ID for replay protection and reports whether it
// was new. A second call with the same ID returns false and leaves the row alone.
func (s *Store) MarkSeen(messageID, nodeID string, receivedAt int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen_message_ids (message_id, node_id, received_at)
		VALUES (?, ?, ?)`,
		messageID,
		nodeID,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen message ID %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen ID %q: %w", messageID, err)
	}

	return rowsAffected == 1, nil
}

// PruneSeenIDs removes seen_message_ids rows older than cutoffTimestamp.
func (s *Store) PruneSeenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
