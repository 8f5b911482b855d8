package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/insider-dispatch-service/internal/credentials"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/pkg/response"
)

type credentialLister interface {
	GetTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error)
	ListValidCredentials(ctx context.Context, tenantID int64) ([]domain.Credential, error)
}

type TenantHandler struct {
	credentials credentialLister
}

func NewTenantHandler(credentials credentialLister) *TenantHandler {
	return &TenantHandler{credentials: credentials}
}

// ListCredentials godoc
// @Summary List valid credentials
// @Description Lists the tenant's valid provider credentials. Access tokens are never returned.
// @Tags tenants
// @Produce json
// @Param x-ins-auth-key header string true "API key for dispatch"
// @Param tenantId path int true "Tenant ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 403 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/v1/tenants/{tenantId}/credentials [get]
func (h *TenantHandler) ListCredentials(c echo.Context) error {
	tenantID, err := parseIDParam(c, "tenantId")
	if err != nil {
		return response.BadRequest(c, err)
	}

	ctx := c.Request().Context()

	tenant, err := h.credentials.GetTenant(ctx, tenantID)
	if err != nil {
		return response.FromError(c, err)
	}
	if err := credentials.EnsureTenantActive(tenant); err != nil {
		return response.FromError(c, err)
	}

	creds, err := h.credentials.ListValidCredentials(ctx, tenantID)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, map[string]any{
		"tenantId":    tenant.ID,
		"credentials": creds,
	})
}
