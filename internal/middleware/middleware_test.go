package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() { gin.SetMode(gin.TestMode) }

func TestAPIToken(t *testing.T) {
	r := gin.New()
	r.GET("/x", APIToken("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Api-Token", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPITokenDisabled(t *testing.T) {
	r := gin.New()
	r.GET("/x", APIToken(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOrderRateLimitWithoutRedisPassesAndKeepsBody(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/orders", OrderRateLimit(nil, 1, time.Second), func(c *gin.Context) {
		var body struct {
			UserID int64 `json:"user_id"`
		}
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusOK, gin.H{"user_id": body.UserID})
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"user_id":42}`)))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "42")
	}
}

func TestExtractUserIDRestoresBody(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"user_id":7,"x":1}`))

	id, err := extractUserID(c)
	assert.NoError(t, err)
	assert.EqualValues(t, 7, id)

	id, err = extractUserID(c)
	assert.NoError(t, err)
	assert.EqualValues(t, 7, id)
}

func TestOrderRateLimitRejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := gin.New()
	r.POST("/orders", OrderRateLimit(rdb, 2, time.Minute), func(c *gin.Context) {
		var body struct {
			UserID int64 `json:"user_id"`
		}
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusOK, gin.H{"user_id": body.UserID})
	})
	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)))
		return w
	}

	for i := 0; i < 2; i++ {
		w := post(`{"user_id":42}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "42")
	}
	assert.Equal(t, http.StatusTooManyRequests, post(`{"user_id":42}`).Code)

	// 其他买家不受影响。
	assert.Equal(t, http.StatusOK, post(`{"user_id":43}`).Code)

	// 取不到 user_id 时按 IP 计数。
	assert.Equal(t, http.StatusOK, post(`{}`).Code)
	assert.Equal(t, http.StatusOK, post(`{}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(`{}`).Code)
}
