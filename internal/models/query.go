package models

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery is returned by Validate.
var ErrInvalidQuery = errors.New("invalid query")

// SearchQuery represents a retrieval request.
type SearchQuery struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// Validate ensures the query is non-empty and K is within [1, maxK].
// A zero K becomes defaultK; negative K is rejected.
func (q *SearchQuery) Validate(defaultK, maxK int) error {
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if q.K < 0 {
		return fmt.Errorf("%w: k must not be negative, got %d", ErrInvalidQuery, q.K)
	}
	if q.K == 0 {
		q.K = defaultK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	return nil
}
