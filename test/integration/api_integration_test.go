package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"discount-engine/internal/handler"
	"discount-engine/internal/identity"
	"discount-engine/internal/ledger"
	"discount-engine/internal/metrics"
	"discount-engine/internal/model"
	"discount-engine/internal/repository"
	"discount-engine/internal/router"
	"discount-engine/internal/service"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key"

type testServer struct {
	handler  http.Handler
	ledger   ledger.Ledger
	recorder *metrics.Recorder
}

func setupTestServer(t *testing.T, testDB *TestDB) *testServer {
	t.Helper()

	logger := zerolog.Nop()

	productRepo := repository.NewProductRepository(testDB.Pool, logger)
	codeRepo := repository.NewCodeRepository(testDB.Pool, logger)
	usage := repository.NewLedgerRepository(testDB.Pool, ledger.DefaultOptions(), logger)
	recorder := metrics.NewRecorder()
	resolver := identity.NewResolver(productRepo)

	opts := []service.Option{service.WithRecorder(recorder)}
	productService := service.NewProductService(productRepo, codeRepo, logger)
	codeService := service.NewCodeService(codeRepo, usage, productRepo, resolver, logger, opts...)
	redemptionService := service.NewRedemptionService(codeRepo, usage, productRepo, logger, opts...)

	return &testServer{
		handler: router.New(router.Options{
			Products:    handler.NewProductHandler(productService, logger),
			Codes:       handler.NewCodeHandler(codeService, resolver, logger),
			Redemptions: handler.NewRedemptionHandler(redemptionService, logger),
			Metrics:     recorder.Handler(),
			Observer:    recorder,
			Health:      testDB.Pool,
			APIKey:      testAPIKey,
		}, logger),
		ledger:   usage,
		recorder: recorder,
	}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	if userID != "" {
		req.Header.Set(identity.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createCode(t *testing.T, productID, owner string, req map[string]interface{}) model.DiscountCode {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/products/"+productID+"/codes", owner, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.DiscountCode](t, w)
}

func redeem(t *testing.T, s *testServer, code, productID string) model.RedemptionOutcome {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/redemptions", "", model.RedeemRequest{Code: code, ProductID: productID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[model.RedemptionOutcome](t, w)
}

func TestDiscountAPI_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	testDB := SetupTestDB(t)
	server := setupTestServer(t, testDB)

	reset := func(t *testing.T) {
		CleanupDB(t, testDB.Pool)
		SeedProducts(t, testDB.Pool)
	}

	t.Run("health and products", func(t *testing.T) {
		reset(t)

		w := server.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = server.do(t, http.MethodGet, "/api/products", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]model.Product](t, w), 3)

		w = server.do(t, http.MethodGet, "/api/products/P001", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "seller-1", decode[model.Product](t, w).OwnerID)
	})

	t.Run("create, redeem and commit", func(t *testing.T) {
		reset(t)

		code := server.createCode(t, "P001", "seller-1", map[string]interface{}{
			"code": "Save10", "discountType": "percentage", "discountValue": "10", "maxUses": 2,
		})
		assert.True(t, code.IsActive)

		// Case-insensitive lookup.
		outcome := redeem(t, server, "SAVE10", "P001")
		require.Equal(t, model.OutcomeReserved, outcome.Status)
		require.NotNil(t, outcome.Reservation)
		assert.True(t, decimal.NewFromInt(4).Equal(*outcome.DiscountAmount))
		assert.True(t, decimal.NewFromInt(36).Equal(*outcome.FinalPrice))

		finalizePath := "/api/redemptions/" + outcome.Reservation.ID.String() + "/finalize"
		body := model.FinalizeRequest{CodeID: code.ID, Succeeded: true}

		w := server.do(t, http.MethodPost, finalizePath, "", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		// Commit is idempotent.
		w = server.do(t, http.MethodPost, finalizePath, "", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = server.do(t, http.MethodGet, "/api/codes/"+code.ID.String(), "seller-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[model.DiscountCode](t, w)
		assert.Equal(t, 1, got.CurrentUses)
		assert.Equal(t, 0, got.ReservedUses)

		// A late release does not undo the commit.
		w = server.do(t, http.MethodPost, finalizePath, "", model.FinalizeRequest{CodeID: code.ID, Succeeded: false})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, model.ReservationCommitted, decode[model.Reservation](t, w).Status)

		w = server.do(t, http.MethodGet, "/api/products/P001", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, decode[model.Product](t, w).ActiveCodes)
	})

	t.Run("release returns the use", func(t *testing.T) {
		reset(t)

		code := server.createCode(t, "P001", "seller-1", map[string]interface{}{
			"code": "ONCE", "discountType": "fixed", "discountValue": "5", "maxUses": 1,
		})

		first := redeem(t, server, "ONCE", "P001")
		require.Equal(t, model.OutcomeReserved, first.Status)
		assert.Equal(t, model.OutcomeExhausted, redeem(t, server, "ONCE", "P001").Status)

		w := server.do(t, http.MethodPost, "/api/redemptions/"+first.Reservation.ID.String()+"/finalize", "",
			model.FinalizeRequest{CodeID: code.ID, Succeeded: false})
		require.Equal(t, http.StatusOK, w.Code)

		assert.Equal(t, model.OutcomeReserved, redeem(t, server, "ONCE", "P001").Status)
	})

	t.Run("creation validation", func(t *testing.T) {
		reset(t)
		server.createCode(t, "P001", "seller-1", map[string]interface{}{
			"code": "TAKEN", "discountType": "percentage", "discountValue": "5",
		})

		tests := []struct {
			name     string
			owner    string
			product  string
			body     map[string]interface{}
			status   int
			errorKey string
		}{
			{name: "fixed above price", owner: "seller-1", product: "P001", body: map[string]interface{}{"code": "BIG", "discountType": "fixed", "discountValue": "50"}, status: http.StatusBadRequest, errorKey: model.ErrCodeValidationFixed},
			{name: "fixed below a cent", owner: "seller-1", product: "P001", body: map[string]interface{}{"code": "TINY", "discountType": "fixed", "discountValue": "0.004"}, status: http.StatusBadRequest, errorKey: model.ErrCodeValidationFixed},
			{name: "duplicate ignoring case", owner: "seller-1", product: "P001", body: map[string]interface{}{"code": "taken", "discountType": "percentage", "discountValue": "5"}, status: http.StatusBadRequest, errorKey: model.ErrCodeValidationDuplicate},
			{name: "bad format", owner: "seller-1", product: "P001", body: map[string]interface{}{"code": "no spaces", "discountType": "percentage", "discountValue": "5"}, status: http.StatusBadRequest, errorKey: model.ErrCodeValidationFormat},
			{name: "past expiry", owner: "seller-1", product: "P001", body: map[string]interface{}{"code": "OLD", "discountType": "percentage", "discountValue": "5", "expiresAt": time.Now().Add(-time.Hour)}, status: http.StatusBadRequest, errorKey: model.ErrCodeValidationExpiry},
			{name: "not the owner", owner: "seller-2", product: "P001", body: map[string]interface{}{"code": "MINE", "discountType": "percentage", "discountValue": "5"}, status: http.StatusForbidden, errorKey: model.ErrCodeNotOwner},
			{name: "unknown product", owner: "seller-1", product: "P999", body: map[string]interface{}{"code": "GHOST", "discountType": "percentage", "discountValue": "5"}, status: http.StatusNotFound, errorKey: model.ErrCodeProductNotFound},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := server.do(t, http.MethodPost, "/api/products/"+tt.product+"/codes", tt.owner, tt.body)
				require.Equal(t, tt.status, w.Code, w.Body.String())
				assert.Equal(t, tt.errorKey, decode[model.ErrorResponse](t, w).Error)
			})
		}
	})

	t.Run("toggle and delete", func(t *testing.T) {
		reset(t)

		code := server.createCode(t, "P002", "seller-1", map[string]interface{}{
			"code": "FLIP", "discountType": "percentage", "discountValue": "20",
		})
		codePath := "/api/codes/" + code.ID.String()

		w := server.do(t, http.MethodPost, codePath+"/toggle", "seller-2", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = server.do(t, http.MethodPost, codePath+"/toggle", "seller-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[model.DiscountCode](t, w).IsActive)
		assert.Equal(t, model.OutcomeInactive, redeem(t, server, "FLIP", "P002").Status)

		w = server.do(t, http.MethodPost, codePath+"/toggle", "seller-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		held := redeem(t, server, "FLIP", "P002")
		require.Equal(t, model.OutcomeReserved, held.Status)

		w = server.do(t, http.MethodDelete, codePath, "seller-1", nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		// The in-flight reservation can no longer commit.
		w = server.do(t, http.MethodPost, "/api/redemptions/"+held.Reservation.ID.String()+"/finalize", "",
			model.FinalizeRequest{CodeID: code.ID, Succeeded: true})
		assert.Equal(t, http.StatusNotFound, w.Code)

		assert.Equal(t, model.OutcomeNotFound, redeem(t, server, "FLIP", "P002").Status)

		w = server.do(t, http.MethodDelete, codePath, "seller-1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("preview does not reserve", func(t *testing.T) {
		reset(t)

		code := server.createCode(t, "P001", "seller-1", map[string]interface{}{
			"code": "PEEK", "discountType": "fixed", "discountValue": "15", "maxUses": 1,
		})

		w := server.do(t, http.MethodGet, "/api/products/P001/preview?code=peek", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		preview := decode[model.PricePreview](t, w)
		assert.Equal(t, model.OutcomeEligible, preview.Status)
		assert.True(t, decimal.NewFromInt(25).Equal(preview.FinalPrice))

		usage, err := server.ledger.Usage(context.Background(), code.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, usage.ReservedUses)
	})

	t.Run("concurrent redemptions of a single-use code", func(t *testing.T) {
		reset(t)

		code := server.createCode(t, "P003", "seller-2", map[string]interface{}{
			"code": "RUSH", "discountType": "percentage", "discountValue": "50", "maxUses": 1,
		})

		const attempts = 50
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			statuses = map[model.OutcomeStatus]int{}
			winner   *model.Reservation
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w := server.do(t, http.MethodPost, "/api/redemptions", "", model.RedeemRequest{Code: "RUSH", ProductID: "P003"})
				var outcome model.RedemptionOutcome
				if !assert.Equal(t, http.StatusOK, w.Code) || !assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome)) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				statuses[outcome.Status]++
				if outcome.Reserved() {
					winner = outcome.Reservation
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, statuses[model.OutcomeReserved])
		assert.Equal(t, attempts-1, statuses[model.OutcomeExhausted])
		require.NotNil(t, winner)

		w := server.do(t, http.MethodPost, "/api/redemptions/"+winner.ID.String()+"/finalize", "",
			model.FinalizeRequest{CodeID: code.ID, Succeeded: true})
		require.Equal(t, http.StatusOK, w.Code)

		usage, err := server.ledger.Usage(context.Background(), code.ID)
		require.NoError(t, err)
		assert.Equal(t, model.Usage{CurrentUses: 1, ReservedUses: 0}, usage)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		w := server.do(t, http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "discount_engine_redemption_attempts_total")
		assert.Contains(t, w.Body.String(), `route="/api/redemptions"`)
	})
}
