// Package echo exposes the credential lifecycle over HTTP. Handlers are thin:
// all decisions live in the services package.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	finerrors "github.com/finlink-dev/finlink/errors"
	"github.com/finlink-dev/finlink/services"
)

// IntegrationAPI holds the handler dependencies.
type IntegrationAPI struct {
	connect    *services.ConnectService
	health     *services.HealthService
	batch      *services.BatchService
	reactivate *services.ReactivateService

	schedulerSecret string
	production      bool
}

func NewIntegrationAPI(
	connect *services.ConnectService,
	health *services.HealthService,
	batch *services.BatchService,
	reactivate *services.ReactivateService,
	schedulerSecret string,
	production bool,
) *IntegrationAPI {
	return &IntegrationAPI{
		connect:         connect,
		health:          health,
		batch:           batch,
		reactivate:      reactivate,
		schedulerSecret: schedulerSecret,
		production:      production,
	}
}

// RegisterRoutes registers the integration routes.
func (a *IntegrationAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/connect/authorize", a.AuthorizeHandler)
	e.GET("/connect/callback", a.CallbackHandler)

	e.GET("/api/integrations/:businessID/status", a.StatusHandler)
	e.POST("/api/integrations/:businessID/disconnect", a.DisconnectHandler)
	e.POST("/api/connections/:id/reactivate", a.ReactivateHandler)

	e.POST("/internal/connections/refresh", a.BatchRefreshHandler,
		SharedSecretAuth(a.schedulerSecret, a.production))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// AuthorizeHandler redirects the user to the provider's consent screen with a
// signed state token.
func (a *IntegrationAPI) AuthorizeHandler(c echo.Context) error {
	businessID := c.QueryParam("businessId")
	if businessID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "businessId is required"})
	}

	url, err := a.connect.AuthorizeURL(businessID, c.QueryParam("returnPath"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start authorization"})
	}
	return c.Redirect(http.StatusFound, url)
}

// CallbackHandler finishes the OAuth flow and redirects back into the app.
func (a *IntegrationAPI) CallbackHandler(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "code and state are required"})
	}

	_, returnPath, err := a.connect.HandleCallback(c.Request().Context(), code, state)
	if err != nil {
		if errors.Is(err, finerrors.ErrInvalidState) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid or expired state parameter"})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "connection to the provider failed, please retry"})
	}

	if returnPath == "" {
		returnPath = "/integrations"
	}
	return c.Redirect(http.StatusFound, returnPath)
}

// StatusHandler serves the health snapshot for a business's connection.
func (a *IntegrationAPI) StatusHandler(c echo.Context) error {
	health, err := a.health.Check(c.Request().Context(), c.Param("businessID"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to check connection status"})
	}
	return c.JSON(http.StatusOK, health)
}

// DisconnectHandler deactivates the business's active connection.
func (a *IntegrationAPI) DisconnectHandler(c echo.Context) error {
	if err := a.connect.Disconnect(c.Request().Context(), c.Param("businessID")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to disconnect"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ReactivateHandler attempts one refresh cycle to restore an inactive
// connection.
func (a *IntegrationAPI) ReactivateHandler(c echo.Context) error {
	result, err := a.reactivate.Reactivate(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, finerrors.ErrConnectionNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "connection not found"})
	case errors.Is(err, finerrors.ErrReconnectRequired):
		// Terminal: the result body tells the user what to do.
		return c.JSON(http.StatusConflict, result)
	case err != nil:
		return c.JSON(http.StatusBadGateway, result)
	}
	return c.JSON(http.StatusOK, result)
}

// BatchRefreshHandler runs one batch refresh cycle and returns the summary.
// Called by the external scheduler.
func (a *IntegrationAPI) BatchRefreshHandler(c echo.Context) error {
	summary, err := a.batch.RefreshAll(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "batch refresh aborted"})
	}
	return c.JSON(http.StatusOK, summary)
}
