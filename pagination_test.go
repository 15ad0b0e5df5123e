package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/services?page=3&limit=500", nil)
	p := parsePageParams(r, 12)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, maxPageSize, p.Limit)
	assert.Equal(t, 200, p.offset())

	r = httptest.NewRequest("GET", "/api/services?page=-1&limit=abc", nil)
	p = parsePageParams(r, 12)
	assert.Equal(t, pageParams{Page: 1, Limit: 12}, p)
}

func TestParsePageParamsClampsHugePage(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/services?page=9223372036854775807&limit=100", nil)
	p := parsePageParams(r, 12)
	assert.Equal(t, maxPage, p.Page)
	assert.Equal(t, (maxPage-1)*maxPageSize, p.offset())
	assert.Positive(t, p.offset())

	pg := newPagination(p, 50, "totalServices")
	assert.False(t, pg.HasNext)
	assert.True(t, pg.HasPrev)
}

func TestPaginationJSONUsesResourceKey(t *testing.T) {
	raw, err := json.Marshal(newPagination(pageParams{Page: 2, Limit: 10}, 25, "totalBookings"))
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(2), got["currentPage"])
	assert.Equal(t, float64(3), got["totalPages"])
	assert.Equal(t, float64(25), got["totalBookings"])
	assert.Equal(t, true, got["hasNext"])
	assert.Equal(t, true, got["hasPrev"])

	raw, err = json.Marshal(newPagination(pageParams{Page: 1, Limit: 10}, 0, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentPage":1,"totalPages":0,"total":0,"hasNext":false,"hasPrev":false}`, string(raw))
}

func TestOrderByWhitelist(t *testing.T) {
	columns := map[string]string{"createdAt": "created_at", "price": "base_price"}

	r := httptest.NewRequest("GET", "/?sortBy=price&sortOrder=asc", nil)
	assert.Equal(t, "base_price ASC", orderBy(r, columns, "createdAt", true))

	r = httptest.NewRequest("GET", "/?sortBy=password;DROP", nil)
	assert.Equal(t, "created_at DESC", orderBy(r, columns, "createdAt", true))
}

func TestParseMoneyParam(t *testing.T) {
	m, ok := parseMoneyParam("1500.5")
	assert.True(t, ok)
	assert.Equal(t, Money(150050), m)

	_, ok = parseMoneyParam("")
	assert.False(t, ok)
	_, ok = parseMoneyParam("-3")
	assert.False(t, ok)
	_, ok = parseMoneyParam("cheap")
	assert.False(t, ok)
}

func TestPlaceholders(t *testing.T) {
	var where placeholders
	assert.Equal(t, "1=1", where.where())

	where.add("category = ?", "pc-building")
	where.addRaw("is_active = true")
	where.add("(name ILIKE ? OR description ILIKE ?)", "%gpu%")
	assert.Equal(t, "category = $1 AND is_active = true AND (name ILIKE $2 OR description ILIKE $2)", where.where())
	assert.Equal(t, "$3", where.next())

	limitSQL, args := where.page(12, 24)
	assert.Equal(t, "LIMIT $3 OFFSET $4", limitSQL)
	assert.Equal(t, []interface{}{"pc-building", "%gpu%", 12, 24}, args)
	assert.Len(t, where.args, 2)
}
