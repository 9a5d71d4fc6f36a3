package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"procurement/internal/model"
)

var secret = []byte("middleware-secret")

func sign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newEngine(required model.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/secure", JWTAuth(secret), RequireRole(required), func(c *gin.Context) {
		actor, _ := ActorFrom(c)
		c.String(http.StatusOK, actor.Role.String())
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	userID := uuid.New()
	valid := sign(t, secret, jwt.MapClaims{"sub": userID.String(), "role": "factory_manager", "exp": time.Now().Add(time.Hour).Unix()})

	cases := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bearer", "Bearer " + valid, "", http.StatusOK},
		{"cookie", "", valid, http.StatusOK},
		{"wrong scheme", "Token " + valid, "", http.StatusUnauthorized},
		{"wrong key", "Bearer " + sign(t, []byte("other"), jwt.MapClaims{"sub": userID.String(), "role": "user"}), "", http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": userID.String(), "role": "user", "exp": time.Now().Add(-time.Minute).Unix()}), "", http.StatusUnauthorized},
		{"unknown role", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": userID.String(), "role": "owner"}), "", http.StatusUnauthorized},
		{"bad subject", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": "42", "role": "user"}), "", http.StatusUnauthorized},
	}
	r := newEngine(model.RoleUser)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/secure", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "access_token", Value: tc.cookie})
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK && w.Body.String() != "factory_manager" {
				t.Fatalf("actor role = %q", w.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	token := sign(t, secret, jwt.MapClaims{"sub": uuid.NewString(), "role": "supervisor"})
	for required, want := range map[model.Role]int{
		model.RoleUser:           http.StatusOK,
		model.RoleSupervisor:     http.StatusOK,
		model.RoleGeneralManager: http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		newEngine(required).ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("require %s: status = %d, want %d", required, w.Code, want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("echoed request id = %q", got)
	}
	if !strings.Contains(buf.String(), `"request_id":"req-123"`) || !strings.Contains(buf.String(), `"status":204`) {
		t.Fatalf("log line = %s", buf.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if _, err := uuid.Parse(w.Header().Get(RequestIDHeader)); err != nil {
		t.Fatalf("generated request id = %q", w.Header().Get(RequestIDHeader))
	}
}
