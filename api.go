// api.go
package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JSON 헬퍼
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]any{"success": false, "error": msg}
	if err != nil {
		body["message"] = err.Error()
	}
	writeJSON(w, status, body)
}

// Server : 원장/레코드 저장소/예측 서비스를 묶는 HTTP 계층
type Server struct {
	ledger       *Ledger
	records      RecordStore
	scorer       Scorer
	hub          *Hub // nil 이면 라이브 피드 없음
	modelVersion string
	now          func() time.Time
}

func NewServer(ledger *Ledger, records RecordStore, scorer Scorer, hub *Hub, modelVersion string) *Server {
	return &Server{
		ledger:       ledger,
		records:      records,
		scorer:       scorer,
		hub:          hub,
		modelVersion: modelVersion,
		now:          time.Now,
	}
}

type indexedBlock struct {
	Index int `json:"index"`
	Block
}

// Routes : 모든 API 핸들 등록
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// 원장 조회/검증
	mux.HandleFunc("GET /api/blockchain/latest", s.handleLatest)
	mux.HandleFunc("GET /api/blockchain/full", s.handleFullChain)
	mux.HandleFunc("GET /api/blockchain/patient/{id}", s.handlePatientChain)
	mux.HandleFunc("POST /api/blockchain/validate", s.handleValidate)
	mux.HandleFunc("GET /api/blockchain/stats", s.handleStats)
	mux.HandleFunc("GET /api/blockchain/block/{hash}", s.handleBlockByHash)

	// 예측 레코드
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("GET /api/predict", s.handleListPredictions)
	mux.HandleFunc("GET /api/predict/patient/{patientId}", s.handlePatientPredictions)
	mux.HandleFunc("GET /api/predict/{id}", s.handleGetPrediction)
	mux.HandleFunc("POST /api/predict/verify/{id}", s.handleVerifyPrediction)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.Handle("GET /ws/blocks", s.hub)
	}
	return mux
}

////////////////////////////////////////////////////////////////////////////////
// 원장
////////////////////////////////////////////////////////////////////////////////

// GET /api/blockchain/latest
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"latest_block": s.ledger.Latest(),
	})
}

// GET /api/blockchain/full
func (s *Server) handleFullChain(w http.ResponseWriter, r *http.Request) {
	blocks := s.ledger.Blocks()
	res := ValidateChain(blocks, s.ledger.Difficulty())
	chainValidations.WithLabelValues(resultLabel(res.Valid)).Inc()

	chain := make([]indexedBlock, len(blocks))
	for i, b := range blocks {
		chain[i] = indexedBlock{Index: i, Block: b}
	}
	msg := "Blockchain is valid"
	if !res.Valid {
		msg = res.Reason
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"chain_length":       len(blocks),
		"is_valid":           res.Valid,
		"validation_message": msg,
		"chain":              chain,
	})
}

// GET /api/blockchain/patient/{id}
func (s *Server) handlePatientChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history := s.ledger.BlocksBySubject(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"patient_id":        id,
		"total_predictions": len(history),
		"history":           history,
	})
}

// POST /api/blockchain/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	res := s.ledger.Validate()
	msg := "Blockchain is valid"
	var errIndex *int
	if !res.Valid {
		msg = res.Reason
		errIndex = &res.BlockIndex
	}
	log.Printf("[API] Chain validation: valid=%t %s", res.Valid, res.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"is_valid":          res.Valid,
		"chain_length":      s.ledger.Len(),
		"message":           msg,
		"error_block_index": errIndex,
		"validated_at":      s.now().UTC().Format(time.RFC3339),
	})
}

// GET /api/blockchain/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"statistics": s.ledger.Stats(),
	})
}

// GET /api/blockchain/block/{hash}
func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	blk, idx, ok := s.ledger.BlockByDigest(r.PathValue("hash"))
	if !ok {
		writeError(w, http.StatusNotFound, "Block not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"block":   indexedBlock{Index: idx, Block: blk},
	})
}

////////////////////////////////////////////////////////////////////////////////
// 예측
// ----------------------------------------------------------------------------
// POST /api/predict 흐름
//   1) 예측 서비스 호출  2) 원장에 블록 추가  3) 레코드 생성 + 지문 계산
//   4) 레코드 저장  5) 라이브 피드로 블록 전송
////////////////////////////////////////////////////////////////////////////////

// 숫자 또는 숫자 문자열, 그 외는 0
func featureValue(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	patientID, _ := body["patient_id"].(string)
	if patientID == "" {
		writeError(w, http.StatusBadRequest, "patient_id is required", nil)
		return
	}
	features := make(map[string]float64, len(scoringFeatureNames))
	for field := range scoringFeatureNames {
		features[field] = featureValue(body[field])
	}

	score, err := s.scorer.Score(r.Context(), features)
	if err != nil {
		log.Printf("[API] scoring failed for %s: %v", patientID, err)
		writeError(w, http.StatusServiceUnavailable, "ML prediction service unavailable", err)
		return
	}
	factors := score.FactorNames()
	risk := riskLevel(score.Label, score.Factors)

	blk, idx, err := s.ledger.Append(r.Context(), patientID, score.Label, factors)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Prediction failed", err)
		return
	}

	rec := PredictionRecord{
		UUID:      uuid.NewString(),
		SubjectID: patientID,
		Prediction: Prediction{
			Label:          score.Label,
			Confidence:     score.Confidence,
			SalientFactors: factors,
			RiskLevel:      risk,
		},
		CreatedAt:    s.now().UnixMilli(),
		ModelVersion: s.modelVersion,
		InputData:    features,
		Ledger: LedgerRef{
			BlockDigest: blk.Digest,
			Timestamp:   blk.Timestamp,
			PrevDigest:  blk.PrevDigest,
			Index:       idx,
		},
	}
	if err := FingerprintRecord(&rec); err != nil {
		log.Printf("[API][ERROR] block #%d appended but record %s not fingerprinted: %v", idx, rec.UUID, err)
		writeError(w, http.StatusInternalServerError, "Prediction failed", err)
		return
	}

	if err := s.records.InsertRecord(r.Context(), rec); err != nil {
		// 블록은 이미 원장에 있음. 레코드 없이 남는 블록은 감사 이력으로 유지
		log.Printf("[API][ERROR] block #%d appended but record %s not stored: %v", idx, rec.UUID, err)
		writeError(w, http.StatusInternalServerError, "Prediction failed", err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(idx, blk)
	}
	log.Printf("[API] Prediction %s stored (patient=%s block=#%d risk=%s)", rec.UUID, patientID, idx, risk)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    rec,
	})
}

// GET /api/predict?offset=<int>&limit=<int>
func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	recs, err := s.records.ListRecords(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve predictions", err)
		return
	}
	total, err := s.records.CountRecords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve predictions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
		"items":   recs,
	})
}

// GET /api/predict/patient/{patientId}
func (s *Server) handlePatientPredictions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("patientId")
	recs, err := s.records.ListRecordsBySubject(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve patient predictions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"patient_id":        id,
		"total_predictions": len(recs),
		"predictions":       recs,
	})
}

// GET /api/predict/{id}
func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"prediction":      rec,
		"integrity_check": VerifyRecord(rec),
	})
}

// POST /api/predict/verify/{id}
func (s *Server) handleVerifyPrediction(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRecord(w, r)
	if !ok {
		return
	}
	check := VerifyRecord(rec)
	_, idx, found := s.ledger.BlockByDigest(rec.Ledger.BlockDigest)
	inLedger := found && idx == rec.Ledger.Index
	log.Printf("[API] Verified %s: valid=%t in_ledger=%t %s", rec.UUID, check.Valid, inLedger, check.Reason)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"prediction_uuid": rec.UUID,
		"patient_id":      rec.SubjectID,
		"integrity_check": check,
		"block_in_ledger": inLedger,
		"hashes": map[string]string{
			"patient_id_hash": rec.SubjectIDDigest,
			"prediction_hash": rec.PredictionDigest,
			"timestamp_hash":  rec.TimestampDigest,
			"blockchain_hash": rec.Ledger.BlockDigest,
		},
		"verified_at": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) lookupRecord(w http.ResponseWriter, r *http.Request) (PredictionRecord, bool) {
	rec, err := s.records.GetRecord(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "Prediction not found", nil)
		return PredictionRecord{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve prediction", err)
		return PredictionRecord{}, false
	}
	return rec, true
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.ledger.Stats()
	resp := map[string]any{
		"status":     "ok",
		"blocks":     stats.TotalBlocks,
		"difficulty": stats.Difficulty,
		"valid":      stats.IsValid,
		"latest":     stats.LatestBlock.Digest,
	}
	if n, err := s.records.CountRecords(r.Context()); err != nil {
		log.Printf("[API] count records failed: %v", err)
	} else {
		resp["records"] = n
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}
