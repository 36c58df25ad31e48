package claims

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/adjudication"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/ingest"
	"github.com/rcm/rcm/internal/rules"
	"github.com/rcm/rcm/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the stored-claim routes on api and the ad-hoc
// evaluate route on eval, which needs no database connection. Pass the same
// group twice when one tenant middleware serves both.
func (h *Handler) RegisterRoutes(api, eval *echo.Group) {
	roles := auth.RequireRole(auth.RoleAdmin, auth.RoleBilling)

	g := api.Group("/claims", roles)
	g.GET("", h.ListClaims)
	g.GET("/metrics", h.GetMetrics)
	g.GET("/:id", h.GetClaim)
	g.GET("/:id/audit", h.GetAuditTrail)
	g.POST("/upload", h.Upload)
	g.POST("/validate", h.Revalidate)

	eval.POST("/claims/evaluate", h.Evaluate, roles)
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	format, err := ingest.DetectFormat(fh.Filename)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported file type")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	rows, err := ingest.Read(f, format)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	res, err := h.svc.Upload(ctx, tenantOf(c), auth.UserIDFromContext(ctx), rows)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

type revalidateRequest struct {
	ClaimIDs []string `json:"claim_ids"`
}

func (h *Handler) Revalidate(c echo.Context) error {
	var req revalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ClaimIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_ids is required")
	}
	ids := make([]uuid.UUID, 0, len(req.ClaimIDs))
	for _, s := range req.ClaimIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid claim id: "+s)
		}
		ids = append(ids, id)
	}

	ctx := c.Request().Context()
	res, err := h.svc.Revalidate(ctx, tenantOf(c), auth.UserIDFromContext(ctx), ids)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Evaluate(c echo.Context) error {
	var raw map[string]any
	if err := c.Bind(&raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "claim body is required")
	}
	res, err := h.svc.Evaluate(c.Request().Context(), tenantOf(c), raw)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cl, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListClaims(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*Claim{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetMetrics(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	summary, err := h.svc.Metrics(c.Request().Context(), f)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":                 summary.Total(),
		"claim_counts_by_error": summary.ClaimCounts,
		"paid_amount_by_error":  summary.PaidAmounts,
	})
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"claim_id": id, "entries": entries})
}

func filterFromQuery(c echo.Context) (Filter, error) {
	f := Filter{
		Status:      c.QueryParam("status"),
		ErrorType:   c.QueryParam("error_type"),
		ServiceCode: c.QueryParam("service_code"),
	}
	if b := c.QueryParam("batch_id"); b != "" {
		id, err := uuid.Parse(b)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid batch_id")
		}
		f.BatchID = &id
	}
	return f, nil
}

// tenantOf prefers the tenant resolved by the tenant middleware.
func tenantOf(c echo.Context) string {
	if t := db.TenantFromContext(c.Request().Context()); t != "" {
		return t
	}
	if t, ok := c.Get("tenant_id").(string); ok {
		return t
	}
	return ""
}

func mapError(err error) error {
	var nerr *adjudication.NormalizationError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, ErrInvalidFilter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, rules.ErrUnknownTenant):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, rules.ErrInvalidTenant):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &nerr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"field":  nerr.Field,
			"reason": nerr.Reason,
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
