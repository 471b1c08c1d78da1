package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"user-42@example.com", true},
		{"ユーザー", true},
		{"", false},
		{"   ", false},
		{"bad\x00id", false},
		{"tab\tid", false},
		{strings.Repeat("a", MaxUserIDLength), true},
		{strings.Repeat("a", MaxUserIDLength+1), false},
		{"\xff\xfe", false},
	}
	for _, tc := range tests {
		if got := IsValidUserID(tc.id); got != tc.valid {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
		{"héllo", 2, "h"},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", DefaultLimit, false},
		{"?limit=10", 10, false},
		{"?limit=1000", 1000, false},
		{"?limit=5000", MaxLimit, false},
		{"?limit=0", 0, true},
		{"?limit=-3", 0, true},
		{"?limit=ten", 0, true},
	}
	for _, tc := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)

		got, err := ParseLimit(c)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLimit(%q) error = %v, wantErr %v", tc.query, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		Required("prompt", "hi"),
		MaxLength("prompt", "toolong", 3),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[0].Field != "userId" || errs[1].Field != "prompt" {
		t.Errorf("unexpected fields: %+v", errs)
	}
	if errs.Error() != "userId: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
	if (ValidationErrors{}).Error() != "validation failed" {
		t.Error("empty errors should report generic message")
	}
}

func TestUserIDParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/users/:userId", UserIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/"+strings.Repeat("x", 200), nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("long id: got %d, want 400", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/p", RequestSizeMiddleware(8), func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/p", strings.NewReader(`{"prompt":"way too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: got %d", w.Code)
	}
}
