package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScorer struct {
	result ScoreResult
	err    error
	got    map[string]float64
}

func (f *fakeScorer) Score(_ context.Context, features map[string]float64) (ScoreResult, error) {
	f.got = features
	return f.result, f.err
}

type apiFixture struct {
	ledger  *Ledger
	records *SqliteStore
	scorer  *fakeScorer
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ledger := newTestLedger(t, 1)
	records := newTestStore(t)
	scorer := &fakeScorer{result: ScoreResult{
		Label:      "Diabetes",
		Confidence: 0.5,
		Factors: []Factor{
			{FriendlyName: "Glucose", DeviationScore: 2.4},
			{FriendlyName: "HbA1c", DeviationScore: 2.0},
		},
	}}
	srv := NewServer(ledger, records, scorer, nil, "1.0.0")
	return &apiFixture{ledger: ledger, records: records, scorer: scorer, handler: srv.Routes()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (f *apiFixture) predict(t *testing.T, patientID string) PredictionRecord {
	t.Helper()
	rec, _ := f.do(t, http.MethodPost, "/api/predict", map[string]any{
		"patient_id": patientID,
		"glucose":    "180.5",
		"hba1c":      8.1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Success bool             `json:"success"`
		Data    PredictionRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func TestPredictAppendsAndStores(t *testing.T) {
	f := newAPIFixture(t)
	data := f.predict(t, "P-1")

	assert.NotEmpty(t, data.UUID)
	assert.Equal(t, "P-1", data.SubjectID)
	assert.Equal(t, "Diabetes", data.Prediction.Label)
	assert.Equal(t, "High", data.Prediction.RiskLevel)
	assert.Equal(t, []string{"Glucose", "HbA1c"}, data.Prediction.SalientFactors)
	assert.Equal(t, 1, data.Ledger.Index)
	assert.Equal(t, FingerprintSubject("P-1"), data.SubjectIDDigest)
	assert.Equal(t, 180.5, f.scorer.got["glucose"])
	assert.Equal(t, 8.1, f.scorer.got["hba1c"])
	assert.Equal(t, 0.0, f.scorer.got["troponin"])

	blk := f.ledger.Latest()
	assert.Equal(t, blk.Digest, data.Ledger.BlockDigest)
	assert.Equal(t, "P-1", blk.SubjectID)
	assert.Equal(t, "Diabetes", blk.Payload)

	stored, err := f.records.GetRecord(context.Background(), data.UUID)
	require.NoError(t, err)
	assert.True(t, VerifyRecord(stored).Valid)
	assert.Equal(t, 180.5, stored.InputData["glucose"])
	assert.Len(t, stored.InputData, len(scoringFeatureNames))
}

func TestPredictValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/predict", map[string]any{"glucose": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	f.scorer.err = errors.New("connection refused")
	rec, body = f.do(t, http.MethodPost, "/api/predict", map[string]any{"patient_id": "P-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ML prediction service unavailable", body["error"])
	assert.Equal(t, 1, f.ledger.Len())
}

func TestGetAndVerifyPrediction(t *testing.T) {
	f := newAPIFixture(t)
	data := f.predict(t, "P-1")

	rec, body := f.do(t, http.MethodGet, "/api/predict/"+data.UUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check := body["integrity_check"].(map[string]any)
	assert.Equal(t, true, check["valid"])

	rec, body = f.do(t, http.MethodPost, "/api/predict/verify/"+data.UUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["block_in_ledger"])
	assert.Equal(t, true, body["integrity_check"].(map[string]any)["valid"])

	rec, _ = f.do(t, http.MethodGet, "/api/predict/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/predict/verify/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyDetectsTamperedRecord(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	tampered := storedRecord("u-x", "P-9", 1700000000000, 7)
	tampered.Prediction.Label = "Healthy"
	require.NoError(t, f.records.InsertRecord(ctx, tampered))

	_, body := f.do(t, http.MethodPost, "/api/predict/verify/u-x", nil)
	check := body["integrity_check"].(map[string]any)
	assert.Equal(t, false, check["valid"])
	assert.Equal(t, ReasonPredictionAltered, check["reason"])
	assert.Equal(t, false, body["block_in_ledger"])
}

func TestPredictionListings(t *testing.T) {
	f := newAPIFixture(t)
	f.predict(t, "A")
	f.predict(t, "B")
	f.predict(t, "A")

	_, body := f.do(t, http.MethodGet, "/api/predict/patient/A", nil)
	assert.Equal(t, float64(2), body["total_predictions"])

	_, body = f.do(t, http.MethodGet, "/api/predict?limit=2", nil)
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["items"], 2)
}

func TestBlockchainRoutes(t *testing.T) {
	f := newAPIFixture(t)
	data := f.predict(t, "A")
	f.predict(t, "B")

	_, body := f.do(t, http.MethodGet, "/api/blockchain/stats", nil)
	stats := body["statistics"].(map[string]any)
	assert.Equal(t, float64(3), stats["total_blocks"])
	assert.Equal(t, true, stats["is_valid"])

	_, body = f.do(t, http.MethodGet, "/api/blockchain/full", nil)
	assert.Equal(t, float64(3), body["chain_length"])
	assert.Len(t, body["chain"], 3)

	_, body = f.do(t, http.MethodGet, "/api/blockchain/patient/A", nil)
	assert.Equal(t, float64(1), body["total_predictions"])

	_, body = f.do(t, http.MethodGet, "/api/blockchain/latest", nil)
	assert.Equal(t, "B", body["latest_block"].(map[string]any)["patient_id"])

	rec, body := f.do(t, http.MethodGet, "/api/blockchain/block/"+data.Ledger.BlockDigest, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["block"].(map[string]any)["index"])

	rec, _ = f.do(t, http.MethodGet, "/api/blockchain/block/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/blockchain/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_valid"])
	assert.Nil(t, body["error_block_index"])

	f.ledger.mu.Lock()
	f.ledger.chain[1].Payload = "Healthy"
	f.ledger.mu.Unlock()

	_, body = f.do(t, http.MethodPost, "/api/blockchain/validate", nil)
	assert.Equal(t, false, body["is_valid"])
	assert.Equal(t, ReasonContentAltered, body["message"])
	assert.Equal(t, float64(1), body["error_block_index"])
}

func TestStatusAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.predict(t, "A")

	rec, body := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["blocks"])
	assert.Equal(t, float64(1), body["records"])

	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "medchain_blocks_appended_total")
}
