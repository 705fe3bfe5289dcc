package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset= from the request, clamping limit
// to (0, MaxLimit] and offset to >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never below 0.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// NextURL returns the URL of the following page, or "" on the last page.
func (p Params) NextURL(basePath string, total int) string {
	if !p.HasNext(total) {
		return ""
	}
	return fmt.Sprintf("%s?offset=%d&limit=%d", basePath, p.NextOffset(), p.Limit)
}

// PrevURL returns the URL of the preceding page, or "" on the first page.
func (p Params) PrevURL(basePath string) string {
	if p.Offset == 0 {
		return ""
	}
	return fmt.Sprintf("%s?offset=%d&limit=%d", basePath, p.PreviousOffset(), p.Limit)
}

// LinkHeader builds an RFC 8288 Link value with next and prev relations,
// or "" when there is neither.
func (p Params) LinkHeader(basePath string, total int) string {
	var links []string
	if next := p.NextURL(basePath, total); next != "" {
		links = append(links, "<"+next+`>; rel="next"`)
	}
	if prev := p.PrevURL(basePath); prev != "" {
		links = append(links, "<"+prev+`>; rel="prev"`)
	}
	return strings.Join(links, ", ")
}
