package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-settlement/api/middleware"
	"github.com/angelmondragon/packfinderz-settlement/internal/settlement"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

type stubSettlementService struct {
	authorizeIn settlement.AuthorizeInput
	handle      *settlement.HoldHandle
	settleIn    settlement.CommitInput
	result      *settlement.SettleResult
	purchase    *models.PurchaseRecord
	err         error
}

func (s *stubSettlementService) Authorize(ctx context.Context, input settlement.AuthorizeInput) (*settlement.HoldHandle, error) {
	s.authorizeIn = input
	return s.handle, s.err
}

func (s *stubSettlementService) Settle(ctx context.Context, input settlement.CommitInput) (*settlement.SettleResult, error) {
	s.settleIn = input
	return s.result, s.err
}

func (s *stubSettlementService) GetPurchase(ctx context.Context, buyerID, purchaseID uuid.UUID) (*models.PurchaseRecord, error) {
	if s.purchase == nil || s.purchase.ID != purchaseID || s.purchase.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
	}
	return s.purchase, nil
}

func asBuyer(req *http.Request, buyerID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), buyerID.String()))
}

type envelope struct {
	Data  map[string]any `json:"data"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthorizeHoldCreatesHold(t *testing.T) {
	buyerID, unitID := uuid.New(), uuid.New()
	svc := &stubSettlementService{handle: &settlement.HoldHandle{
		Ref:              "pi_1",
		ClientSecret:     "pi_1_secret",
		Status:           enums.HoldStatusRequiresPaymentMethod,
		AmountCents:      1000,
		PlatformFeeCents: 200,
		PayeeNetCents:    800,
	}}
	body := `{"unit_id":"` + unitID.String() + `","amount_cents":1000}`
	req := asBuyer(httptest.NewRequest(http.MethodPost, "/api/v1/settlement/holds", strings.NewReader(body)), buyerID)
	rec := httptest.NewRecorder()

	AuthorizeHold(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, settlement.AuthorizeInput{UnitID: unitID, BuyerID: buyerID, AmountCents: 1000}, svc.authorizeIn)
	data := decodeEnvelope(t, rec).Data
	assert.Equal(t, "pi_1", data["hold_ref"])
	assert.Equal(t, float64(200), data["platform_fee_cents"])
}

func TestAuthorizeHoldReusedAnswers200(t *testing.T) {
	svc := &stubSettlementService{handle: &settlement.HoldHandle{Ref: "pi_1", Reused: true}}
	body := `{"unit_id":"` + uuid.NewString() + `","amount_cents":1000}`
	req := asBuyer(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New())
	rec := httptest.NewRecorder()

	AuthorizeHold(svc, nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthorizeHoldRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"zero amount":   `{"unit_id":"` + uuid.NewString() + `","amount_cents":0}`,
		"missing unit":  `{"amount_cents":100}`,
		"unknown field": `{"unit_id":"` + uuid.NewString() + `","amount_cents":100,"fee_cents":1}`,
		"not json":      `nope`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubSettlementService{}
			req := asBuyer(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New())
			rec := httptest.NewRecorder()
			AuthorizeHold(svc, nil).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, uuid.Nil, svc.authorizeIn.UnitID)
		})
	}
}

func TestAuthorizeHoldRequiresBuyer(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	AuthorizeHold(&stubSettlementService{}, nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func settleBody(unitID uuid.UUID) string {
	return `{"unit_id":"` + unitID.String() + `","hold_ref":"pi_1","collection":{"method":"pickup"}}`
}

func TestSettlePurchaseStatuses(t *testing.T) {
	record := &models.PurchaseRecord{ID: uuid.New(), HoldRef: "pi_1", PaymentStatus: enums.PaymentStatusPending, AmountCents: 1000}
	cases := []struct {
		name    string
		result  *settlement.SettleResult
		err     error
		status  int
		outcome string
		code    string
	}{
		{
			name:    "completed",
			result:  &settlement.SettleResult{Purchase: record, Status: settlement.FinalizeCompleted},
			status:  http.StatusCreated,
			outcome: "completed",
		},
		{
			name:    "capture pending",
			result:  &settlement.SettleResult{Purchase: record, Status: settlement.FinalizePending},
			err:     pkgerrors.New(pkgerrors.CodeCaptureAmbiguous, "capture outcome unknown"),
			status:  http.StatusAccepted,
			outcome: "pending",
		},
		{
			name:    "declined and compensated",
			result:  &settlement.SettleResult{Purchase: record, Status: settlement.FinalizeCompensated},
			status:  http.StatusOK,
			outcome: "compensated",
		},
		{
			name:   "unit taken",
			err:    pkgerrors.New(pkgerrors.CodeUnitUnavailable, "unit is reserved"),
			status: http.StatusConflict,
			code:   string(pkgerrors.CodeUnitUnavailable),
		},
		{
			name:   "compensation needs review",
			result: &settlement.SettleResult{Purchase: record, Status: settlement.FinalizePending},
			err:    pkgerrors.New(pkgerrors.CodeManualIntervention, "compensation write failed"),
			status: http.StatusInternalServerError,
			code:   string(pkgerrors.CodeManualIntervention),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buyerID, unitID := uuid.New(), uuid.New()
			svc := &stubSettlementService{result: tc.result, err: tc.err}
			req := asBuyer(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(settleBody(unitID))), buyerID)
			rec := httptest.NewRecorder()

			SettlePurchase(svc, nil).ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeEnvelope(t, rec)
			if tc.code != "" {
				assert.Equal(t, tc.code, body.Error.Code)
				return
			}
			assert.Equal(t, tc.outcome, body.Data["outcome"])
			assert.Equal(t, buyerID, svc.settleIn.BuyerID)
			assert.Equal(t, unitID, svc.settleIn.UnitID)
			assert.JSONEq(t, `{"method":"pickup"}`, string(svc.settleIn.Collection))
		})
	}
}

func TestGetPurchaseIsBuyerScoped(t *testing.T) {
	buyerID := uuid.New()
	record := &models.PurchaseRecord{ID: uuid.New(), BuyerID: buyerID, PaymentStatus: enums.PaymentStatusCompleted}
	svc := &stubSettlementService{purchase: record}

	router := chi.NewRouter()
	router.Get("/purchases/{purchaseId}", GetPurchase(svc, nil))

	own := httptest.NewRecorder()
	router.ServeHTTP(own, asBuyer(httptest.NewRequest(http.MethodGet, "/purchases/"+record.ID.String(), nil), buyerID))
	require.Equal(t, http.StatusOK, own.Code)
	assert.Equal(t, "completed", decodeEnvelope(t, own).Data["payment_status"])

	other := httptest.NewRecorder()
	router.ServeHTTP(other, asBuyer(httptest.NewRequest(http.MethodGet, "/purchases/"+record.ID.String(), nil), uuid.New()))
	assert.Equal(t, http.StatusNotFound, other.Code)

	bad := httptest.NewRecorder()
	router.ServeHTTP(bad, asBuyer(httptest.NewRequest(http.MethodGet, "/purchases/not-a-uuid", nil), buyerID))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}
