package echo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callWithAuth(t *testing.T, mw echo.MiddlewareFunc, authHeader string) int {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/internal/connections/refresh", nil)
	if authHeader != "" {
		req.Header.Set(echo.HeaderAuthorization, authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	return rec.Code
}

func TestSharedSecretAuth(t *testing.T) {
	mw := SharedSecretAuth("s3cret", true)

	assert.Equal(t, http.StatusOK, callWithAuth(t, mw, "Bearer s3cret"))
	assert.Equal(t, http.StatusUnauthorized, callWithAuth(t, mw, "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, callWithAuth(t, mw, "s3cret")) // missing scheme
	assert.Equal(t, http.StatusUnauthorized, callWithAuth(t, mw, ""))
}

func TestSharedSecretAuthBypassOutsideProduction(t *testing.T) {
	// Empty secret outside production disables the check.
	assert.Equal(t, http.StatusOK, callWithAuth(t, SharedSecretAuth("", false), ""))

	// In production an empty secret still rejects everything.
	assert.Equal(t, http.StatusUnauthorized, callWithAuth(t, SharedSecretAuth("", true), ""))

	// A configured secret is enforced even outside production.
	assert.Equal(t, http.StatusUnauthorized, callWithAuth(t, SharedSecretAuth("s3cret", false), "Bearer wrong"))
}
