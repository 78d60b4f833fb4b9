package credits

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"credits-platform/internal/auth"
	"credits-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

type fakeBalanceService struct {
	bal int64
	err error
}

func (f fakeBalanceService) GetBalance(ctx context.Context, userID string) (int64, error) {
	return f.bal, f.err
}

func serveGate(svc BalanceService, fixed int64, role, cost string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u1", "u1@example.com", role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, RequireCredits(svc, fixed), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if cost != "" {
		req.Header.Set("X-Credit-Cost", cost)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireCredits_BlocksWhenInsufficient(t *testing.T) {
	if code := serveGate(fakeBalanceService{bal: 5}, 0, rbac.RoleUser, "10"); code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRequireCredits_AllowsWhenCovered(t *testing.T) {
	if code := serveGate(fakeBalanceService{bal: 10}, 0, rbac.RoleUser, "10"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serveGate(fakeBalanceService{bal: 3}, 2, rbac.RoleUser, ""); code != http.StatusOK {
		t.Fatalf("expected fixed cost to pass, got %d", code)
	}
}

func TestRequireCredits_Bypass(t *testing.T) {
	for _, role := range []string{rbac.RoleSuperAdmin, rbac.RoleService} {
		if code := serveGate(fakeBalanceService{bal: 0}, 0, role, "10"); code != http.StatusOK {
			t.Fatalf("expected %s to bypass, got %d", role, code)
		}
	}
}

func TestRequireCredits_Errors(t *testing.T) {
	if code := serveGate(fakeBalanceService{}, 0, "", "10"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := serveGate(fakeBalanceService{}, 0, rbac.RoleUser, "abc"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cost, got %d", code)
	}
	if code := serveGate(fakeBalanceService{}, 0, rbac.RoleUser, ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without any cost, got %d", code)
	}
	if code := serveGate(fakeBalanceService{err: errors.New("db down")}, 0, rbac.RoleUser, "1"); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}
