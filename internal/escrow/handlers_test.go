package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore(), nil)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))

	return r, svc
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow Escrow `json:"escrow"`
}

func TestHandler_GetEscrow(t *testing.T) {
	router, svc := setupTestRouter()
	e, err := svc.Create(context.Background(), CreateRequest{ShipmentID: "shp_1", PayerID: "shipper_1", Amount: 5000})
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/escrows/"+e.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, e.ID, resp.Escrow.ID)
	assert.Equal(t, StatePending, resp.Escrow.State)
	assert.Equal(t, int64(5000), resp.Escrow.Amount)

	w = doJSON(router, http.MethodGet, "/v1/shipments/shp_1/escrow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, e.ID, resp.Escrow.ID)
}

func TestHandler_GetEscrowNotFound(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodGet, "/v1/escrows/esc_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")

	w = doJSON(router, http.MethodGet, "/v1/shipments/shp_none/escrow", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_TransitionAndInvalidTransition(t *testing.T) {
	router, svc := setupTestRouter()
	e, _ := svc.Create(context.Background(), CreateRequest{ShipmentID: "shp_1", PayerID: "shipper_1", Amount: 5000})

	w := doJSON(router, http.MethodPost, "/v1/admin/escrows/"+e.ID+"/transition",
		TransitionRequest{Target: "funded"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodPost, "/v1/admin/escrows/"+e.ID+"/transition",
		TransitionRequest{Target: "pending"})
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_transition", body["error"])
	assert.Equal(t, "funded", body["from"])
	assert.Equal(t, "pending", body["to"])
}

func TestHandler_TransitionBadRequests(t *testing.T) {
	router, svc := setupTestRouter()
	e, _ := svc.Create(context.Background(), CreateRequest{ShipmentID: "shp_1", PayerID: "shipper_1", Amount: 5000})

	w := doJSON(router, http.MethodPost, "/v1/admin/escrows/"+e.ID+"/transition", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/admin/escrows/"+e.ID+"/transition",
		TransitionRequest{Target: "shipped"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandler_Dispute(t *testing.T) {
	router, svc := setupTestRouter()
	ctx := context.Background()
	e, _ := svc.Create(ctx, CreateRequest{ShipmentID: "shp_1", PayerID: "shipper_1", Amount: 5000})

	// Disputing a pending escrow is not in the table.
	w := doJSON(router, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", DisputeRequest{Reason: "late"})
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err := svc.Fund(ctx, e.ID, Evidence{})
	require.NoError(t, err)

	w = doJSON(router, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", DisputeRequest{Reason: "cargo damaged"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StateDisputed, resp.Escrow.State)
	assert.Equal(t, "cargo damaged", resp.Escrow.DisputeReason)

	w = doJSON(router, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListEscrowsPages(t *testing.T) {
	router, svc := setupTestRouter()
	created := make(map[string]bool)
	for _, shp := range []string{"shp_1", "shp_2", "shp_3", "shp_4", "shp_5"} {
		e, err := svc.Create(context.Background(), CreateRequest{ShipmentID: shp, PayerID: "shipper_1", Amount: 1000})
		require.NoError(t, err)
		created[e.ID] = true
	}
	// A funded escrow must not show up in the pending listing.
	funded, err := svc.Create(context.Background(), CreateRequest{ShipmentID: "shp_6", PayerID: "shipper_1", Amount: 1000})
	require.NoError(t, err)
	_, err = svc.Transition(context.Background(), funded.ID, StateFunded, Evidence{Actor: "test"})
	require.NoError(t, err)

	seen := make(map[string]bool)
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		w := doJSON(router, http.MethodGet, "/v1/admin/escrows?state=pending&limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var page Page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.LessOrEqual(t, len(page.Escrows), 2)
		for _, e := range page.Escrows {
			assert.False(t, seen[e.ID], "escrow %s listed twice", e.ID)
			seen[e.ID] = true
			assert.Equal(t, StatePending, e.State)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, created, seen)

	w := doJSON(router, http.MethodGet, "/v1/admin/escrows?state=funded", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Escrows, 1)
	assert.Equal(t, funded.ID, page.Escrows[0].ID)
	assert.False(t, page.HasMore)
}

func TestHandler_ListEscrowsRejectsBadInput(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodGet, "/v1/admin/escrows?state=lost", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")

	w = doJSON(router, http.MethodGet, "/v1/admin/escrows?cursor=not-base64!!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}
