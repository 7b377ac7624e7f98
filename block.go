package main

import (
	"log"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Block (원장 블록 구조)
// ------------------------------------------------------------
// - 해시 대상: timestamp, patient_id, prediction, important_features, prev_hash, nonce
// - 키 순서 고정 (캐노니컬 JSON) => SHA-256(hex)
// - 제네시스: GENESIS / 빈 payload / 빈 요인 목록 / prev_hash = "0" x 64
////////////////////////////////////////////////////////////////////////////////

const (
	GenesisSubjectID = "GENESIS"
)

// 제네시스 prev_hash 자리표시 값
var GenesisPrevDigest = strings.Repeat("0", 64)

// 해시 계산 대상 헤더 (Digest 제외)
type blockHeader struct {
	Timestamp      int64    `json:"timestamp"`
	SubjectID      string   `json:"patient_id"`
	Payload        string   `json:"prediction"`
	SalientFactors []string `json:"important_features"`
	PrevDigest     string   `json:"prev_hash"`
	Nonce          int      `json:"nonce"`
}

func newBlock(timestamp int64, subjectID, payload string, factors []string, prevDigest string) Block {
	return Block{
		Timestamp:      timestamp,
		SubjectID:      subjectID,
		Payload:        payload,
		SalientFactors: copyFactors(factors),
		PrevDigest:     prevDigest,
	}
}

// 현재 필드 값 기준 해시 계산 (저장된 Digest 는 무시)
func (b Block) computeHash() string {
	factors := b.SalientFactors
	if factors == nil {
		factors = []string{}
	}
	hdr := blockHeader{
		Timestamp:      b.Timestamp,
		SubjectID:      b.SubjectID,
		Payload:        b.Payload,
		SalientFactors: factors,
		PrevDigest:     b.PrevDigest,
		Nonce:          b.Nonce,
	}
	data, err := canonicalJSON(hdr)
	if err != nil {
		// 문자열/정수만 포함된 헤더라 도달 불가
		log.Panicf("[BLOCK] canonical encode failed: %v", err)
	}
	return Digest(data)
}

// 해시 대상 문자열 필드가 모두 유효한 UTF-8 인지
func (b Block) hasValidText() bool {
	return validText(b.SubjectID, b.Payload, b.PrevDigest) && validText(b.SalientFactors...)
}

func (b Block) isGenesis() bool {
	return b.SubjectID == GenesisSubjectID && b.PrevDigest == GenesisPrevDigest
}

// 요인 슬라이스까지 복사한 사본 (외부에서 원장 내부 상태를 건드리지 못하도록)
func (b Block) clone() Block {
	b.SalientFactors = copyFactors(b.SalientFactors)
	return b
}

func copyFactors(factors []string) []string {
	out := make([]string, len(factors))
	copy(out, factors)
	return out
}

// 로그/표 출력용 축약 해시
func shortDigest(d string) string {
	if len(d) <= 16 {
		return d
	}
	return d[:16] + "..."
}
