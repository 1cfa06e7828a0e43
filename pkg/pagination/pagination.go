package pagination

import (
	"fmt"
	"strconv"
)

// Params are the parsed paging parameters of a list request
type Params struct {
	Page      int
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// Response wraps one page of results with the paging metadata
// clients need to fetch the next one
type Response struct {
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	Total      int64       `json:"total"`
	TotalPages int         `json:"total_pages"`
	Data       interface{} `json:"data"`
}

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// ParsePaginationParams parses page/limit query values, clamping
// out-of-range numbers instead of rejecting them. sortBy is chosen by
// the caller, never by the client, so it is safe to interpolate into SQL.
func ParsePaginationParams(pageStr, limitStr string, sortBy, sortOrder string) (*Params, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p < 1 {
			page = DefaultPage
		} else {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		if l < MinLimit {
			limit = MinLimit
		} else if l > MaxLimit {
			limit = MaxLimit
		} else {
			limit = l
		}
	}

	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = "desc"
	}

	return &Params{
		Page:      page,
		Limit:     limit,
		Offset:    (page - 1) * limit,
		SortBy:    sortBy,
		SortOrder: sortOrder,
	}, nil
}

// CalculateTotalPages rounds total/limit up
func CalculateTotalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	totalPages := int(total) / limit
	if int(total)%limit > 0 {
		totalPages++
	}
	return totalPages
}

// BuildPaginationResponse combines one page of data with its metadata
func BuildPaginationResponse(params *Params, total int64, data interface{}) *Response {
	return &Response{
		Page:       params.Page,
		Limit:      params.Limit,
		Offset:     params.Offset,
		Total:      total,
		TotalPages: CalculateTotalPages(total, params.Limit),
		Data:       data,
	}
}
