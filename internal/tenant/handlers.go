package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voxreseller/internal/idgen"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/provisioning"
	"github.com/mbd888/voxreseller/internal/validation"
)

const (
	referralCodeLength   = 8
	referralCodeAttempts = 5
	createResourceWait   = 10 * time.Second
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store           Store
	provisioner     provisioning.Collaborator
	clientTrialDays int64
	now             func() time.Time
}

// NewHandler creates a new tenant handler. New clients start a trial of
// clientTrialDays days.
func NewHandler(store Store, provisioner provisioning.Collaborator, clientTrialDays int64) *Handler {
	return &Handler{
		store:           store,
		provisioner:     provisioner,
		clientTrialDays: clientTrialDays,
		now:             time.Now,
	}
}

// RegisterAdminRoutes sets up the tenant management routes. Callers mount
// them behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/agencies", h.CreateAgency)
	r.GET("/agencies/:id", h.GetAgency)
	r.POST("/agencies/:id/referral", h.AttributeReferral)
	r.PUT("/agencies/:id/referral-code", h.ChangeReferralCode)
	r.POST("/agencies/:id/clients", h.CreateClient)
	r.GET("/agencies/:id/clients", h.ListClients)
	r.GET("/clients/:id", h.GetClient)
}

// CreateAgency handles POST /agencies
func (h *Handler) CreateAgency(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		OwnerEmail   string `json:"ownerEmail"`
		ReferralCode string `json:"referralCode"`
		ReferredBy   string `json:"referredBy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	req.Name = validation.SanitizeString(req.Name, validation.MaxNameLength)
	req.OwnerEmail = strings.TrimSpace(req.OwnerEmail)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("ownerEmail", req.OwnerEmail),
		validation.MaxLength("ownerEmail", req.OwnerEmail, validation.MaxEmailLength),
		validation.Email("ownerEmail", req.OwnerEmail),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()

	// Check the referrer before creating anything so a bad code leaves no
	// half-attributed agency behind.
	if req.ReferredBy != "" {
		code := idgen.NormalizeReferralCode(req.ReferredBy)
		if _, err := h.store.GetAgencyByReferralCode(ctx, code); err != nil {
			writeError(c, translateReferrerLookup(err))
			return
		}
	}

	now := h.now().UTC()
	agency := &Agency{
		ID:                 idgen.WithPrefix(idgen.AgencyPrefix),
		Name:               req.Name,
		OwnerEmail:         req.OwnerEmail,
		SubscriptionStatus: AgencyPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.createWithReferralCode(ctx, agency, req.ReferralCode); err != nil {
		writeError(c, err)
		return
	}

	if req.ReferredBy != "" {
		updated, err := AttributeReferral(ctx, h.store, agency.ID, req.ReferredBy)
		if err != nil {
			logging.L(ctx).Warn("agency created but referral attribution failed",
				"agency_id", agency.ID, "referred_by", req.ReferredBy, "error", err)
			c.JSON(http.StatusCreated, gin.H{
				"agency":  agency,
				"warning": "Agency created but the referral could not be attributed.",
			})
			return
		}
		agency = updated
	}

	logging.L(ctx).Info("agency created", "agency_id", agency.ID, "referred_by", agency.ReferredBy)
	c.JSON(http.StatusCreated, gin.H{"agency": agency})
}

// createWithReferralCode stores agency under the requested code, or under a
// generated one, regenerating on collision.
func (h *Handler) createWithReferralCode(ctx context.Context, agency *Agency, requested string) error {
	if requested != "" {
		code := idgen.NormalizeReferralCode(requested)
		if !ValidReferralCode(code) {
			return ErrInvalidReferralCode
		}
		agency.ReferralCode = code
		return h.store.CreateAgency(ctx, agency)
	}

	var err error
	for i := 0; i < referralCodeAttempts; i++ {
		agency.ReferralCode = idgen.ReferralCode(referralCodeLength)
		if err = h.store.CreateAgency(ctx, agency); !errors.Is(err, ErrReferralCodeTaken) {
			return err
		}
	}
	return err
}

// GetAgency handles GET /agencies/:id
func (h *Handler) GetAgency(c *gin.Context) {
	a, err := h.store.GetAgency(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agency": a})
}

// AttributeReferral handles POST /agencies/:id/referral
func (h *Handler) AttributeReferral(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code required"})
		return
	}

	a, err := AttributeReferral(c.Request.Context(), h.store, c.Param("id"), req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("referral attributed", "agency_id", a.ID, "referred_by", a.ReferredBy)
	c.JSON(http.StatusOK, gin.H{"agency": a})
}

// ChangeReferralCode handles PUT /agencies/:id/referral-code
func (h *Handler) ChangeReferralCode(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code required"})
		return
	}

	a, err := ChangeReferralCode(c.Request.Context(), h.store, c.Param("id"), req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agency": a})
}

// CreateClient handles POST /agencies/:id/clients. The client starts in
// trial; its resource is requested from the provisioning service after the
// client is stored, and a provisioning failure leaves it without one.
func (h *Handler) CreateClient(c *gin.Context) {
	var req struct {
		Name       string `json:"name"`
		OwnerEmail string `json:"ownerEmail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	req.Name = validation.SanitizeString(req.Name, validation.MaxNameLength)
	req.OwnerEmail = strings.TrimSpace(req.OwnerEmail)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("ownerEmail", req.OwnerEmail),
		validation.MaxLength("ownerEmail", req.OwnerEmail, validation.MaxEmailLength),
		validation.Email("ownerEmail", req.OwnerEmail),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	agencyID := c.Param("id")

	now := h.now().UTC()
	trialEnds := now.Add(time.Duration(h.clientTrialDays) * 24 * time.Hour)
	client := &Client{
		ID:                 idgen.WithPrefix(idgen.ClientPrefix),
		AgencyID:           agencyID,
		Name:               req.Name,
		OwnerEmail:         req.OwnerEmail,
		SubscriptionStatus: SubTrial,
		PlanType:           PlanTrial,
		MonthlyCallLimit:   CallLimitForPlan(PlanTrial),
		TrialEndsAt:        &trialEnds,
		Status:             ClientActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.store.CreateClient(ctx, client); err != nil {
		writeError(c, err)
		return
	}

	logger := logging.L(ctx).With("agency_id", agencyID, "client_id", client.ID)
	logger.Info("client created", "trial_ends_at", trialEnds)

	resourceID, err := h.createResource(ctx, client)
	if err != nil {
		logger.Error("client created without resource", "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"client":  client,
			"warning": "Client created but its resource could not be provisioned.",
		})
		return
	}

	_, updated, err := h.store.MutateClient(ctx, client.ID, func(cl *Client) error {
		cl.ResourceID = resourceID
		return nil
	})
	if err != nil {
		logger.Error("failed to store resource id", "resource_id", resourceID, "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client": updated})
}

func (h *Handler) createResource(ctx context.Context, client *Client) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createResourceWait)
	defer cancel()
	id, err := h.provisioner.CreateResource(callCtx, provisioning.ResourceSpec{
		ClientID:         client.ID,
		AgencyID:         client.AgencyID,
		Name:             client.Name,
		PlanType:         client.PlanType,
		MonthlyCallLimit: client.MonthlyCallLimit,
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", provisioning.ErrNoResourceID
	}
	return id, nil
}

// ListClients handles GET /agencies/:id/clients
func (h *Handler) ListClients(c *gin.Context) {
	ctx := c.Request.Context()
	agencyID := c.Param("id")
	if _, err := h.store.GetAgency(ctx, agencyID); err != nil {
		writeError(c, err)
		return
	}
	clients, err := h.store.ListClientsByAgency(ctx, agencyID)
	if err != nil {
		writeError(c, err)
		return
	}
	if clients == nil {
		clients = []*Client{}
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

// GetClient handles GET /clients/:id
func (h *Handler) GetClient(c *gin.Context) {
	cl, err := h.store.GetClient(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": cl})
}

func translateReferrerLookup(err error) error {
	if errors.Is(err, ErrAgencyNotFound) {
		return ErrUnknownReferralCode
	}
	return err
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAgencyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agency not found"})
	case errors.Is(err, ErrClientNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "client not found"})
	case errors.Is(err, ErrInvalidReferralCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_referral_code", "message": "referral codes are 3-32 letters, digits, or hyphens"})
	case errors.Is(err, ErrUnknownReferralCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_referral_code", "message": "no agency has that referral code"})
	case errors.Is(err, ErrSelfReferral):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_referral", "message": "an agency cannot refer itself"})
	case errors.Is(err, ErrAlreadyReferred):
		c.JSON(http.StatusConflict, gin.H{"error": "already_referred", "message": "referral already attributed"})
	case errors.Is(err, ErrReferralCodeTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "referral_code_taken", "message": "referral code already in use"})
	case errors.Is(err, ErrCustomerRefTaken), errors.Is(err, ErrConnectAccountTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("tenant request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "request failed"})
	}
}
