// Package pagination implements page-number pagination over fully cached
// result sets. The scan history view uses a fixed page size of 10 records.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// PageSize is the fixed number of records per page.
const PageSize = 10

// Params holds pagination parameters extracted from a request.
type Params struct {
	Page int // 1-based
}

// FromContext extracts the page number from the echo context. Missing or
// invalid values default to page 1.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	return Params{Page: page}
}

// TotalPages returns the number of pages needed for total records. An empty
// set still has one (empty) page so views always have a valid page to show.
func TotalPages(total int) int {
	if total <= 0 {
		return 1
	}
	return (total + PageSize - 1) / PageSize
}

// Clamp returns the requested page clamped into [1, TotalPages(total)].
// Deleting records can leave the current page past the end; clamping keeps
// the view on the last non-empty page.
func (p Params) Clamp(total int) Params {
	page := p.Page
	if page < 1 {
		page = 1
	}
	if last := TotalPages(total); page > last {
		page = last
	}
	return Params{Page: page}
}

// Bounds returns the [start, end) slice bounds of the page within a set of
// total records.
func (p Params) Bounds(total int) (int, int) {
	clamped := p.Clamp(total)
	start := (clamped.Page - 1) * PageSize
	if start > total {
		start = total
	}
	end := start + PageSize
	if end > total {
		end = total
	}
	return start, end
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

func NewResponse(data interface{}, total, page int) *Response {
	return &Response{
		Data:       data,
		Total:      total,
		Page:       page,
		PageSize:   PageSize,
		TotalPages: TotalPages(total),
	}
}
