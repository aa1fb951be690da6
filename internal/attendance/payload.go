package attendance

import (
	"encoding/json"
	"time"
)

// Payload is the transient QR content handed to the scanning client.
// It is never persisted; the scanned string comes back verbatim on the
// marking endpoint.
type Payload struct {
	Course    string `json:"course"`
	Subject   string `json:"subject"`
	FacultyID string `json:"facultyId"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// EncodePayload serializes a payload for QR rendering.
func EncodePayload(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload parses a scanned QR string. A payload missing its code
// or subject is treated as malformed.
func DecodePayload(data string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Payload{}, ErrMalformedPayload
	}
	if p.Code == "" || p.Subject == "" {
		return Payload{}, ErrMalformedPayload
	}
	return p, nil
}

// Age reports how old the payload's embedded timestamp is at now.
func (p Payload) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(p.Timestamp, 0))
}
