// Package pagination reads limit/offset query parameters and shapes list
// responses.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

func queryInt(c echo.Context, name string) int {
	n, _ := strconv.Atoi(c.QueryParam(name))
	return n
}

// FromContext reads limit and offset from the query string. A 1-based page
// is honoured when no offset is given. Out of range values are clamped.
func FromContext(c echo.Context) Params {
	p := Params{Limit: queryInt(c, "limit"), Offset: queryInt(c, "offset")}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	if p.Offset <= 0 {
		p.Offset = 0
		if page := queryInt(c, "page"); page > 1 {
			p.Offset = (page - 1) * p.Limit
		}
	}
	return p
}

func (p Params) hasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) previous() Params {
	return Params{Limit: p.Limit, Offset: max(p.Offset-p.Limit, 0)}
}

func (p Params) next() Params {
	return Params{Limit: p.Limit, Offset: p.Offset + p.Limit}
}

// Page is one slice of a list endpoint's results.
type Page[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   *Links `json:"links,omitempty"`
}

type Links struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// NewPage wraps items. A nil slice is rendered as an empty array.
func NewPage[T any](items []T, total int, p Params) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.hasNext(total),
	}
}

// WithLinks adds neighbouring page links built from the request URL. Filter
// parameters on u are carried over; page is replaced by offset.
func (pg *Page[T]) WithLinks(u *url.URL) *Page[T] {
	cur := Params{Limit: pg.Limit, Offset: pg.Offset}
	pg.Links = &Links{Self: pageURL(u, cur)}
	if cur.hasNext(pg.Total) {
		pg.Links.Next = pageURL(u, cur.next())
	}
	if cur.Offset > 0 {
		pg.Links.Previous = pageURL(u, cur.previous())
	}
	return pg
}

func pageURL(u *url.URL, p Params) string {
	q := u.Query()
	q.Del("page")
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(p.Offset))
	return u.Path + "?" + q.Encode()
}
