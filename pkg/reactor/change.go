package reactor

import (
	"encoding/json"
	"errors"
)

// Op is the kind of row mutation a change notification describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one parsed NOTIFY payload from the forge_changes channel.
// RowID is empty when the source table has no single-column primary key.
type Change struct {
	Table          string   `json:"table"`
	Op             Op       `json:"op"`
	RowID          string   `json:"row_id,omitempty"`
	ChangedColumns []string `json:"changed_columns,omitempty"`
}

// ParseChange decodes a notification payload.
func ParseChange(payload []byte) (Change, error) {
	var ch Change
	if err := json.Unmarshal(payload, &ch); err != nil {
		return Change{}, errors.Join(ErrBadChangePayload, err)
	}
	if ch.Table == "" {
		return Change{}, ErrBadChangePayload
	}
	switch ch.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Change{}, ErrBadChangePayload
	}
	return ch, nil
}
