package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"unicode/utf8"
)

////////////////////////////////////////////////////////////////////////////////
// Fingerprint (해시 유틸)
// ------------------------------------------------------------
// - 블록 자가 해시와 레코드 지문(subject / prediction / timestamp)이 같은 원시 함수 사용
// - 두 용도는 서로 비교되지 않음 (블록 해시 ↔ 레코드 해시 비교 금지)
// - 모든 결과는 SHA-256 소문자 hex 문자열
////////////////////////////////////////////////////////////////////////////////

// Digest : 바이트열의 SHA-256 hex
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// canonicalJSON : 구조체 필드 순서 그대로 직렬화 (HTML escape 없음, 끝 개행 제거)
// 키 순서가 해시 재현성의 일부이므로 map 이 아닌 구조체만 넘길 것
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// JSON 인코딩은 잘못된 UTF-8 을 U+FFFD 로 바꾸므로 서로 다른 값이 같은 해시가 될 수 있음
var ErrInvalidText = errors.New("text field is not valid UTF-8")

// 해시 대상 문자열이 모두 유효한 UTF-8 인지
func validText(values ...string) bool {
	for _, v := range values {
		if !utf8.ValidString(v) {
			return false
		}
	}
	return true
}

// 환자 식별자 지문
func FingerprintSubject(subjectID string) string {
	return Digest([]byte(subjectID))
}

// 예측 요약 지문 : {disease, confidence, patientId} 순서 고정
func FingerprintPrediction(label string, confidence float64, subjectID string) string {
	summary := struct {
		Disease    string  `json:"disease"`
		Confidence float64 `json:"confidence"`
		PatientID  string  `json:"patientId"`
	}{
		Disease:    label,
		Confidence: confidence,
		PatientID:  subjectID,
	}
	// 문자열/float 만 포함되므로 인코딩 실패 없음 (NaN/Inf 는 상위에서 차단)
	data, err := canonicalJSON(summary)
	if err != nil {
		return ""
	}
	return Digest(data)
}

// 생성 시각(ms) 지문 : 10진 문자열 기준
func FingerprintTimestamp(createdAt int64) string {
	return Digest([]byte(strconv.FormatInt(createdAt, 10)))
}
