package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestAdminTokenMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{name: "disabled", token: "", want: http.StatusOK},
		{name: "missing header", token: "s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid bearer", token: "s3cret", header: "Bearer s3cret", want: http.StatusOK},
		{name: "query fallback", token: "s3cret", query: "?token=s3cret", want: http.StatusOK},
		{name: "header wins over query", token: "s3cret", header: "Bearer bad", query: "?token=s3cret", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(AdminTokenMiddleware(tt.token))
			router.GET("/users", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest(http.MethodGet, "/users"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
