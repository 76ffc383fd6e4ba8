package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, Params{Page: 1, Limit: DefaultLimit}, Normalize(0, 0))
	assert.Equal(t, Params{Page: 3, Limit: MaxLimit}, Normalize(3, 1000))
	assert.Equal(t, 40, Normalize(3, 20).Offset())
}

func TestFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?page=2&limit=5", nil)

	assert.Equal(t, Params{Page: 2, Limit: 5}, FromQuery(c))
}

func TestFromQuery_Garbage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?page=abc&limit=-1", nil)

	assert.Equal(t, Params{Page: 1, Limit: DefaultLimit}, FromQuery(c))
}

func TestNewMeta(t *testing.T) {
	assert.Equal(t, Meta{Page: 1, Limit: 20, Total: 0, Pages: 0}, NewMeta(Normalize(1, 20), 0))
	assert.Equal(t, Meta{Page: 2, Limit: 20, Total: 41, Pages: 3}, NewMeta(Normalize(2, 20), 41))
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{3, 4}, Slice(items, Params{Page: 2, Limit: 2}))
	assert.Equal(t, []int{5}, Slice(items, Params{Page: 3, Limit: 2}))
	assert.Equal(t, []int{}, Slice(items, Params{Page: 4, Limit: 2}))
}
