package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/service"
	"github.com/SoftwareHeritage/swh-vault/common/bootstrap"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// BundleHandler handles cooking requests and bundle retrieval. Bundles
// are addressed by (type, object id) pair, the same identity the
// registry dedups on.
type BundleHandler struct {
	components *bootstrap.Components
	vault      *service.VaultService
}

// NewBundleHandler creates a new bundle handler
func NewBundleHandler(components *bootstrap.Components, vault *service.VaultService) *BundleHandler {
	return &BundleHandler{
		components: components,
		vault:      vault,
	}
}

type bundleResponse struct {
	ID              int64      `json:"id"`
	Type            string     `json:"type"`
	ObjectID        string     `json:"object_id"`
	Status          string     `json:"status"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	Sticky          bool       `json:"sticky"`
	CreatedAt       time.Time  `json:"created_at"`
	DoneAt          *time.Time `json:"done_at,omitempty"`
	FetchURL        string     `json:"fetch_url,omitempty"`
}

func (h *BundleHandler) toResponse(b *models.BundleRequest) *bundleResponse {
	resp := &bundleResponse{
		ID:              b.ID,
		Type:            b.Type.String(),
		ObjectID:        b.ObjectID.String(),
		Status:          string(b.Status),
		ProgressMessage: b.ProgressMessage,
		Sticky:          b.Sticky,
		CreatedAt:       b.CreatedAt,
		DoneAt:          b.DoneAt,
	}
	if b.Status == models.StatusDone {
		resp.FetchURL = h.vault.FetchURL(b)
	}
	return resp
}

// CookBundle requests the cooking of a bundle
// POST /api/v1/bundles/:type/:object_id?email=&sticky=
func (h *BundleHandler) CookBundle(c echo.Context) error {
	bundleType, objectID, err := parseFingerprint(c)
	if err != nil {
		return err
	}

	email := c.QueryParam("email")
	sticky := false
	if v := c.QueryParam("sticky"); v != "" {
		sticky, err = strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid sticky value")
		}
	}

	bundle, err := h.vault.Cook(c.Request().Context(), bundleType, objectID, email, sticky)
	if err != nil {
		h.components.Logger.Error("cook request failed",
			"type", bundleType, "object_id", objectID, "error", err)
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, h.toResponse(bundle))
}

// GetBundle returns the current state of a bundle request
// GET /api/v1/bundles/:type/:object_id
func (h *BundleHandler) GetBundle(c echo.Context) error {
	bundleType, objectID, err := parseFingerprint(c)
	if err != nil {
		return err
	}

	bundle, err := h.vault.GetStatusByFingerprint(c.Request().Context(), bundleType, objectID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, h.toResponse(bundle))
}

// FetchBundle streams the cooked bundle bytes
// GET /api/v1/bundles/:type/:object_id/raw
func (h *BundleHandler) FetchBundle(c echo.Context) error {
	bundleType, objectID, err := parseFingerprint(c)
	if err != nil {
		return err
	}

	bundle, err := h.vault.GetStatusByFingerprint(c.Request().Context(), bundleType, objectID)
	if err != nil {
		return mapServiceError(err)
	}

	data, err := h.vault.Fetch(c.Request().Context(), bundle.ID)
	if err != nil {
		return mapServiceError(err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, bundleFilename(bundle)))
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

type stickyRequest struct {
	Sticky bool `json:"sticky"`
}

// SetSticky pins or unpins a bundle against cache expiry
// PUT /api/v1/bundles/:type/:object_id/sticky
func (h *BundleHandler) SetSticky(c echo.Context) error {
	bundleType, objectID, err := parseFingerprint(c)
	if err != nil {
		return err
	}

	var req stickyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	bundle, err := h.vault.GetStatusByFingerprint(c.Request().Context(), bundleType, objectID)
	if err != nil {
		return mapServiceError(err)
	}

	if err := h.vault.SetSticky(c.Request().Context(), bundle.ID, req.Sticky); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":     bundle.ID,
		"sticky": req.Sticky,
	})
}

func parseFingerprint(c echo.Context) (models.BundleType, models.ObjectID, error) {
	bundleType, err := models.ParseBundleType(c.Param("type"))
	if err != nil {
		return models.BundleType{}, models.ObjectID{}, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown bundle type %q, expected one of %v", c.Param("type"), models.BundleTypeNames()))
	}

	objectID, err := models.ParseObjectID(c.Param("object_id"))
	if err != nil {
		return models.BundleType{}, models.ObjectID{}, echo.NewHTTPError(http.StatusBadRequest, "invalid object id")
	}

	return bundleType, objectID, nil
}

func bundleFilename(b *models.BundleRequest) string {
	base := fmt.Sprintf("%s_%s", b.Type.Kind, b.ObjectID)
	switch b.Type.Format {
	case models.FormatGitfast:
		return base + ".gitfast.gz"
	default:
		return base + ".tar.gz"
	}
}

// mapServiceError translates domain errors to HTTP status codes
func mapServiceError(err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "bundle not found")
	case errors.Is(err, models.ErrNotReady):
		return echo.NewHTTPError(http.StatusNotFound, "bundle not ready, check its status")
	case errors.Is(err, models.ErrUnsupportedType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
