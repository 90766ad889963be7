package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Destination table names for the two ingestion streams.
const (
	TableSamples = "sample_rows"
	TableUsers   = "user_rows"
)

// Sample is one post record from the sample firehose.
type Sample struct {
	ID       string          `json:"id"`
	AuthorID string          `json:"author_id"`
	Text     string          `json:"text"`
	Language string          `json:"lang"`
	Score    decimal.Decimal `json:"score"`
	PostedAt time.Time       `json:"posted_at"`
}

// DecodeSample parses a wire frame into a Sample.
func DecodeSample(data []byte) (Sample, error) {
	var sample Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return Sample{}, fmt.Errorf("decode sample: %w", err)
	}
	if strings.TrimSpace(sample.ID) == "" {
		return Sample{}, fmt.Errorf("decode sample: missing id")
	}
	return sample, nil
}

// Event wraps the sample into a pipeline event with its column mapping.
func (s Sample) Event(observedAt time.Time) Event {
	return Event{
		ID:         s.ID,
		Stream:     StreamSamples,
		ObservedAt: observedAt,
		Row: Row{Columns: []Column{
			{Name: "source_id", Value: s.ID},
			{Name: "author_id", Value: s.AuthorID},
			{Name: "body", Value: s.Text},
			{Name: "lang", Value: s.Language},
			{Name: "score", Value: s.Score},
			{Name: "posted_at", Value: s.PostedAt},
		}},
	}
}

// User is one author profile record from the user firehose.
type User struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Display   string    `json:"display_name"`
	Followers int64     `json:"followers"`
	CreatedAt time.Time `json:"created_at"`
}

// DecodeUser parses a wire frame into a User.
func DecodeUser(data []byte) (User, error) {
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return User{}, fmt.Errorf("decode user: missing id")
	}
	return user, nil
}

// Event wraps the user into a pipeline event with its column mapping.
func (u User) Event(observedAt time.Time) Event {
	return Event{
		ID:         u.ID,
		Stream:     StreamUsers,
		ObservedAt: observedAt,
		Row: Row{Columns: []Column{
			{Name: "source_id", Value: u.ID},
			{Name: "handle", Value: u.Handle},
			{Name: "display_name", Value: u.Display},
			{Name: "followers", Value: u.Followers},
			{Name: "created_at", Value: u.CreatedAt},
		}},
	}
}
