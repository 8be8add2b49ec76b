package store

import "encoding/json"

// Record is the persisted shape of one live refresh token. At most one
// live Record exists per jti; rotation consumes it and writes a new one
// under a fresh jti.
type Record struct {
	JTI       string `json:"jti"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	LastUsed  int64  `json:"last_used,omitempty"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrCorruptRecord
	}
	if rec.JTI == "" || rec.UserID == "" {
		return nil, ErrCorruptRecord
	}
	return &rec, nil
}
