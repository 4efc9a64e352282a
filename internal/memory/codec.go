package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"afaqbot/internal/domain"
)

// legacyTimeLayout is the minute-resolution format written by older
// deployments.
const legacyTimeLayout = "2006-01-02 15:04"

// record is one message as stored inside a history row.
type record struct {
	Role string `json:"role"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// encodeHistory serialises a conversation to its JSON row form. A nil
// conversation encodes as an empty array.
func encodeHistory(msgs []domain.Message) ([]byte, error) {
	recs := make([]record, len(msgs))
	for i, m := range msgs {
		recs[i] = record{Role: string(m.Role), Text: m.Content}
		if !m.OccurredAt.IsZero() {
			recs[i].Time = m.OccurredAt.Format(time.RFC3339Nano)
		}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return data, nil
}

// decodeHistory parses a JSON row. Unparseable timestamps decode as the
// zero time rather than failing the whole row.
func decodeHistory(data []byte) ([]domain.Message, error) {
	if len(data) == 0 {
		return []domain.Message{}, nil
	}
	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	msgs := make([]domain.Message, len(recs))
	for i, r := range recs {
		msgs[i] = domain.Message{
			Role:       normalizeRole(r.Role),
			Content:    r.Text,
			OccurredAt: parseTime(r.Time),
		}
	}
	return msgs, nil
}

func normalizeRole(role string) domain.Role {
	if domain.Role(role) == domain.RoleUser {
		return domain.RoleUser
	}
	return domain.RoleAssistant
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(legacyTimeLayout, s, time.Local); err == nil {
		return t
	}
	return time.Time{}
}
