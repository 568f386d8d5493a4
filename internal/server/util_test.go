package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeLine(t *testing.T) {
	valid := []string{"1,0.5,2", "focus\tPeg", "한글,1"}
	invalid := []string{"", "a\nb", "a\r", "bell\a"}
	for _, s := range valid {
		if !isSafeLine(s) {
			t.Fatalf("expected valid line %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeLine(s) {
			t.Fatalf("expected invalid line %q", s)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeJSON(c, 201, map[string]int{"a": 1})
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if w.Body.String() != "{\"a\":1}\n" {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
}
