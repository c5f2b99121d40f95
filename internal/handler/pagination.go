package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset from the query. Missing values take
// defaults, a limit above MaxLimit is clamped, and non-numeric or negative
// values are rejected.
func ParsePagination(r *http.Request) (PaginationParams, error) {
	page := PaginationParams{Limit: DefaultLimit}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return PaginationParams{}, apperrors.InvalidInput("limit", "must be a positive integer")
		}
		page.Limit = min(limit, MaxLimit)
	}

	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return PaginationParams{}, apperrors.InvalidInput("offset", "must be a non-negative integer")
		}
		page.Offset = offset
	}

	return page, nil
}
