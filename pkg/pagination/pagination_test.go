package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query       string
		page, limit int
		offset      int
	}{
		{query: "", page: 1, limit: 20, offset: 0},
		{query: "?page=3&limit=10", page: 3, limit: 10, offset: 20},
		{query: "?page=0&limit=0", page: 1, limit: 20, offset: 0},
		{query: "?page=-2&limit=500", page: 1, limit: 100, offset: 0},
		{query: "?page=abc&limit=xyz", page: 1, limit: 20, offset: 0},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/budgets"+tc.query, nil)
			p := Parse(c)
			if p.Page != tc.page || p.Limit != tc.limit || p.Offset != tc.offset {
				t.Fatalf("got %+v, want page=%d limit=%d offset=%d", p, tc.page, tc.limit, tc.offset)
			}
		})
	}
}
