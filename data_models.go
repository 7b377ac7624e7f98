package main

////////////////////////////////////////////////////////////////////////////////
// Data Models (데이터 스키마)
//
// 감사 원장과 예측 레코드 무결성 검증에 필요한 최소 데이터 구조 정의
// - Block            : 원장 블록 (PoW 봉인)
// - PredictionRecord : 레코드 저장소에 보관되는 예측 결과 + 지문
// - LedgerRef        : 레코드가 참조하는 원장 위치
// - ValidationResult : 체인 검증 결과
// - RecordCheck      : 레코드 무결성 검증 결과
////////////////////////////////////////////////////////////////////////////////

////////////////////////////////////////////////////////////////////////////////
// 1. Block
// ------------------------------------------------------------
// 예측 결과 하나를 기록하는 원장 블록.
// Digest 는 Digest 자신을 제외한 6개 필드의 캐노니컬 JSON 에 대한 SHA-256.
// 봉인된 이후 필드를 변경하면 자가 해시가 깨지며, 이는 복구 대상이 아니라 위변조로 취급.
////////////////////////////////////////////////////////////////////////////////

type Block struct {
	Timestamp      int64    `json:"timestamp"`          // 생성 시각 (epoch ms)
	SubjectID      string   `json:"patient_id"`         // 환자 식별자 (제네시스는 GENESIS)
	Payload        string   `json:"prediction"`         // 분류 결과 라벨
	SalientFactors []string `json:"important_features"` // 주요 기여 요인
	PrevDigest     string   `json:"prev_hash"`          // 이전 블록의 해시
	Nonce          int      `json:"nonce"`              // PoW 성공 시점의 Nonce
	Digest         string   `json:"hash"`               // 블록 해시
}

////////////////////////////////////////////////////////////////////////////////
// 2. PredictionRecord
// ------------------------------------------------------------
// 레코드 저장소(SQLite / PostgreSQL)에 저장되는 예측 결과.
// 세 개의 지문은 생성 시점에 한 번만 계산되며 이후 암묵적으로 재계산하지 않음.
////////////////////////////////////////////////////////////////////////////////

type Prediction struct {
	Label          string   `json:"disease"`
	Confidence     float64  `json:"confidence"`
	SalientFactors []string `json:"important_features"`
	RiskLevel      string   `json:"risk_level"`
}

type LedgerRef struct {
	BlockDigest string `json:"block_hash"`
	Timestamp   int64  `json:"timestamp"`
	PrevDigest  string `json:"prev_hash"`
	Index       int    `json:"block_index"`
}

type PredictionRecord struct {
	UUID             string             `json:"prediction_uuid"`
	SubjectID        string             `json:"patient_id"`
	Prediction       Prediction         `json:"prediction"`
	CreatedAt        int64              `json:"prediction_timestamp"` // epoch ms
	ModelVersion     string             `json:"model_version"`
	InputData        map[string]float64 `json:"input_data"` // 예측에 사용된 검사 수치 (지문 대상 아님)
	SubjectIDDigest  string             `json:"patient_id_hash"`
	PredictionDigest string             `json:"prediction_hash"`
	TimestampDigest  string             `json:"timestamp_hash"`
	Ledger           LedgerRef          `json:"blockchain"`
}

////////////////////////////////////////////////////////////////////////////////
// 3. 검증 결과
////////////////////////////////////////////////////////////////////////////////

// 체인 검증 결과. Valid 이면 BlockIndex = -1
type ValidationResult struct {
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason,omitempty"`
	BlockIndex int    `json:"block_index"`
}

// 레코드 무결성 검증 결과. Reason 은 첫 번째 실패, Failures 는 전체 실패 목록
type RecordCheck struct {
	Valid    bool     `json:"valid"`
	Reason   string   `json:"reason,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// 원장 요약
type ChainStats struct {
	TotalBlocks   int    `json:"total_blocks"`
	Difficulty    int    `json:"difficulty"`
	IsValid       bool   `json:"is_valid"`
	LatestBlock   Block  `json:"latest_block"`
	GenesisDigest string `json:"genesis_block_hash"`
}
