package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"recruit-voice/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(userID, role string, handlers ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	chain := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	chain = append(chain, handlers...)
	chain = append(chain, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", chain...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs("u", RoleAdmin, RequireUser(), RequireAnyRole(RoleRecruiter)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ViewerDenied(t *testing.T) {
	if code := serveAs("u", RoleViewer, RequireUser(), RequireAnyRole(RoleRecruiter)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_RecruiterAllowed(t *testing.T) {
	if code := serveAs("u", RoleRecruiter, RequireUser(), RequireAnyRole(RoleRecruiter)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireUser(t *testing.T) {
	if code := serveAs("", RoleRecruiter, RequireUser(), RequireAnyRole(RoleRecruiter)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
