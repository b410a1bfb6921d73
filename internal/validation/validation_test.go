package validation

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	OrderID  string `json:"orderId" validate:"required,max=8"`
	Amount   int64  `json:"amount" validate:"gt=0"`
	Fee      int64  `json:"fee" validate:"gte=0,ltefield=Amount"`
	Currency string `json:"currency" validate:"required,iso4217"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(sample{OrderID: "ord_1", Amount: 100, Fee: 10, Currency: "EUR"}))

	err := Struct(sample{Amount: 100, Fee: 200, Currency: "EURO"})
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := map[string]string{}
	for _, v := range verrs {
		fields[v.Field] = v.Message
	}
	assert.Equal(t, "is required", fields["orderId"])
	assert.Equal(t, "must not exceed amount", fields["fee"])
	assert.Equal(t, "must be an ISO 4217 currency code", fields["currency"])
	assert.NotContains(t, fields, "amount")
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"esc_0123abcd", true},
		{"prov-42", true},
		{"order:2026.1", true},
		{"", false},
		{"has space", false},
		{"../etc/passwd", false},
		{string(bytes.Repeat([]byte("a"), 129)), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidID(tc.id), "IsValidID(%q)", tc.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 10))
	assert.Equal(t, "hello", SanitizeString("hello world", 5))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 10))
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/escrows/:id", IDParamMiddleware("id"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/esc_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", bytes.NewBufferString("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
