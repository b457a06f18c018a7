package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voxreseller/internal/provisioning"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubProvisioner struct {
	resourceID string
	err        error
	specs      []provisioning.ResourceSpec
}

func (s *stubProvisioner) CreateResource(_ context.Context, spec provisioning.ResourceSpec) (string, error) {
	s.specs = append(s.specs, spec)
	return s.resourceID, s.err
}

func (s *stubProvisioner) EnableResource(context.Context, string) error  { return nil }
func (s *stubProvisioner) DisableResource(context.Context, string) error { return nil }

var handlerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestHandler(t *testing.T, prov *stubProvisioner) (*gin.Engine, *MemoryStore) {
	t.Helper()
	store := seedAgencies(t)
	h := NewHandler(store, prov, 7)
	h.now = func() time.Time { return handlerNow }

	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestCreateAgency_GeneratesReferralCode(t *testing.T) {
	r, store := setupTestHandler(t, &stubProvisioner{})

	w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies", map[string]string{
		"name":       "  Globex Voice  ",
		"ownerEmail": "owner@globex.test",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	agency := body["agency"].(map[string]any)
	id := agency["id"].(string)
	assert.Equal(t, "Globex Voice", agency["name"])
	assert.Equal(t, "pending", agency["subscriptionStatus"])
	assert.Len(t, agency["referralCode"], referralCodeLength)

	stored, err := store.GetAgency(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, agency["referralCode"], stored.ReferralCode)
}

func TestCreateAgency_WithReferrer(t *testing.T) {
	r, store := setupTestHandler(t, &stubProvisioner{})

	w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies", map[string]string{
		"name":         "Globex",
		"ownerEmail":   "owner@globex.test",
		"referralCode": "globex",
		"referredBy":   "northwind",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	agency := body["agency"].(map[string]any)
	assert.Equal(t, "GLOBEX", agency["referralCode"])
	assert.Equal(t, "NORTHWIND", agency["referredBy"])

	stored, err := store.GetAgencyByReferralCode(context.Background(), "GLOBEX")
	require.NoError(t, err)
	assert.Equal(t, "NORTHWIND", stored.ReferredBy)
}

func TestCreateAgency_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]string
		wantCode int
		wantErr  string
	}{
		{"missing name", map[string]string{"ownerEmail": "a@b.test"}, http.StatusBadRequest, "validation_failed"},
		{"bad email", map[string]string{"name": "X", "ownerEmail": "Owner <a@b.test>"}, http.StatusBadRequest, "validation_failed"},
		{"overlong email", map[string]string{"name": "X", "ownerEmail": strings.Repeat("a", 250) + "@b.test"}, http.StatusBadRequest, "validation_failed"},
		{"unknown referrer", map[string]string{"name": "X", "ownerEmail": "a@b.test", "referredBy": "NOBODY"}, http.StatusBadRequest, "unknown_referral_code"},
		{"code taken", map[string]string{"name": "X", "ownerEmail": "a@b.test", "referralCode": "acme"}, http.StatusConflict, "referral_code_taken"},
		{"bad code", map[string]string{"name": "X", "ownerEmail": "a@b.test", "referralCode": "x"}, http.StatusBadRequest, "invalid_referral_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := setupTestHandler(t, &stubProvisioner{})
			w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestGetAgency(t *testing.T) {
	r, _ := setupTestHandler(t, &stubProvisioner{})

	w, body := doJSON(t, r, http.MethodGet, "/v1/admin/agencies/agy_acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ACME", body["agency"].(map[string]any)["referralCode"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/admin/agencies/agy_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestAttributeReferralEndpoint(t *testing.T) {
	r, _ := setupTestHandler(t, &stubProvisioner{})

	w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/referral", map[string]string{"code": "ACME"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "self_referral", body["error"])

	w, _ = doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/referral", map[string]string{"code": "NORTHWIND"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/referral", map[string]string{"code": "NORTHWIND"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_referred", body["error"])

	w, _ = doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/referral", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChangeReferralCodeEndpoint(t *testing.T) {
	r, _ := setupTestHandler(t, &stubProvisioner{})

	w, body := doJSON(t, r, http.MethodPut, "/v1/admin/agencies/agy_acme/referral-code", map[string]string{"code": "acme-2026"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ACME-2026", body["agency"].(map[string]any)["referralCode"])

	w, body = doJSON(t, r, http.MethodPut, "/v1/admin/agencies/agy_acme/referral-code", map[string]string{"code": "NORTHWIND"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "referral_code_taken", body["error"])
}

func TestCreateClient_StartsTrialWithResource(t *testing.T) {
	prov := &stubProvisioner{resourceID: "res_42"}
	r, store := setupTestHandler(t, prov)

	w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/clients", map[string]string{
		"name":       "Dental Office",
		"ownerEmail": "front@dental.test",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	id := body["client"].(map[string]any)["id"].(string)
	c, err := store.GetClient(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, SubTrial, c.SubscriptionStatus)
	assert.Equal(t, ClientActive, c.Status)
	assert.Equal(t, PlanTrial, c.PlanType)
	assert.Equal(t, "res_42", c.ResourceID)
	require.NotNil(t, c.TrialEndsAt)
	assert.True(t, c.TrialEndsAt.Equal(handlerNow.Add(7*24*time.Hour)))

	require.Len(t, prov.specs, 1)
	assert.Equal(t, provisioning.ResourceSpec{
		ClientID:         id,
		AgencyID:         "agy_acme",
		Name:             "Dental Office",
		PlanType:         PlanTrial,
		MonthlyCallLimit: Plans[PlanTrial].MonthlyCallLimit,
	}, prov.specs[0])

	w, body = doJSON(t, r, http.MethodGet, "/v1/admin/clients/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "res_42", body["client"].(map[string]any)["resourceId"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/admin/agencies/agy_acme/clients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestCreateClient_ProvisioningDownStillCreates(t *testing.T) {
	r, store := setupTestHandler(t, &stubProvisioner{err: errors.New("connection refused")})

	w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/clients", map[string]string{
		"name":       "Dental Office",
		"ownerEmail": "front@dental.test",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, body["warning"])

	id := body["client"].(map[string]any)["id"].(string)
	c, err := store.GetClient(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, c.ResourceID)
	assert.Equal(t, SubTrial, c.SubscriptionStatus)
}

func TestCreateClient_UnknownAgency(t *testing.T) {
	prov := &stubProvisioner{resourceID: "res_1"}
	r, _ := setupTestHandler(t, prov)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_missing/clients", map[string]string{
		"name":       "Dental Office",
		"ownerEmail": "front@dental.test",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, prov.specs, "no resource for a client that was never stored")
}

func TestCreateClient_OverlongEmailRejected(t *testing.T) {
	prov := &stubProvisioner{resourceID: "res_1"}
	r, _ := setupTestHandler(t, prov)

	w, body := doJSON(t, r, http.MethodPost, "/v1/admin/agencies/agy_acme/clients", map[string]string{
		"name":       "Dental Office",
		"ownerEmail": strings.Repeat("f", 250) + "@dental.test",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", body["error"])
	assert.Empty(t, prov.specs)
}

func TestGetClient_NotFound(t *testing.T) {
	r, _ := setupTestHandler(t, &stubProvisioner{})
	w, body := doJSON(t, r, http.MethodGet, "/v1/admin/clients/cli_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}
