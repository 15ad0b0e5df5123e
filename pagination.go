package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

const (
	maxPageSize = 100
	maxPage     = 100000
)

type pageParams struct {
	Page  int
	Limit int
}

func (p pageParams) offset() int {
	return (p.Page - 1) * p.Limit
}

func parsePageParams(r *http.Request, defaultLimit int) pageParams {
	query := r.URL.Query()
	page := parsePositiveInt(query.Get("page"), 1)
	if page > maxPage {
		page = maxPage
	}
	limit := parsePositiveInt(query.Get("limit"), defaultLimit)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return pageParams{Page: page, Limit: limit}
}

func parsePositiveInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

// parseMoneyParam reads a rupee amount from a query parameter.
func parseMoneyParam(value string) (Money, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	var m Money
	if err := json.Unmarshal([]byte(value), &m); err != nil || m < 0 {
		return 0, false
	}
	return m, true
}

// Pagination renders its total under a resource-specific key, e.g.
// "totalServices" or "totalBookings".
type Pagination struct {
	CurrentPage int
	TotalPages  int
	Total       int
	HasNext     bool
	HasPrev     bool
	totalKey    string
}

func newPagination(p pageParams, total int, totalKey string) Pagination {
	totalPages := 0
	if p.Limit > 0 {
		totalPages = (total + p.Limit - 1) / p.Limit
	}
	return Pagination{
		CurrentPage: p.Page,
		TotalPages:  totalPages,
		Total:       total,
		HasNext:     p.Page*p.Limit < total,
		HasPrev:     p.Page > 1,
		totalKey:    totalKey,
	}
}

func (p Pagination) MarshalJSON() ([]byte, error) {
	key := p.totalKey
	if key == "" {
		key = "total"
	}
	return json.Marshal(map[string]interface{}{
		"currentPage": p.CurrentPage,
		"totalPages":  p.TotalPages,
		key:           p.Total,
		"hasNext":     p.HasNext,
		"hasPrev":     p.HasPrev,
	})
}

// orderBy maps a client sort key onto a whitelisted column list.
func orderBy(r *http.Request, columns map[string]string, defaultKey string, defaultDesc bool) string {
	query := r.URL.Query()
	column, ok := columns[strings.TrimSpace(query.Get("sortBy"))]
	if !ok {
		column = columns[defaultKey]
	}
	desc := defaultDesc
	switch strings.ToLower(strings.TrimSpace(query.Get("sortOrder"))) {
	case "asc":
		desc = false
	case "desc":
		desc = true
	}
	if desc {
		return column + " DESC"
	}
	return column + " ASC"
}
