package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidFormat(t *testing.T) {
	_, err := New("not-a-rate")
	assert.Error(t, err)

	_, err = New("100-M")
	assert.NoError(t, err)
}

func testContext(remoteAddr string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
	c.Request.RemoteAddr = remoteAddr
	return c, w
}

func TestAllowWebSocketUnderLimit(t *testing.T) {
	l, err := New("3-M")
	require.NoError(t, err)

	for range 3 {
		c, _ := testContext("10.1.2.3:5555")
		assert.True(t, l.AllowWebSocket(c))
	}
}

func TestAllowWebSocketBlocksOverLimit(t *testing.T) {
	l, err := New("2-M")
	require.NoError(t, err)

	for range 2 {
		c, _ := testContext("10.1.2.4:5555")
		require.True(t, l.AllowWebSocket(c))
	}

	c, w := testContext("10.1.2.4:5555")
	assert.False(t, l.AllowWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Retry-After"))

	// A different IP is unaffected.
	other, _ := testContext("10.9.9.9:5555")
	assert.True(t, l.AllowWebSocket(other))
}
