package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Ledger (단일 프로세스 감사 원장)
// ----------------------------------------------------------------------------
// - 프로세스당 하나만 생성하여 필요한 곳에 주입 (모듈마다 새로 만들지 않음)
// - 0번은 항상 제네시스, 빈 원장은 존재하지 않음
// - 변경 연산은 Append 뿐
// - Append : 읽기 잠금으로 최신 해시 스냅샷 => 잠금 밖에서 채굴
//            => 쓰기 잠금에서 스냅샷이 여전히 최신인지 확인 후 추가 (아니면 재채굴)
// - 조회/검증은 읽기 잠금, 반환값은 항상 사본
////////////////////////////////////////////////////////////////////////////////

const DefaultDifficulty = 2

type Ledger struct {
	mu         sync.RWMutex
	chain      []Block
	difficulty int // 원장 수명 동안 고정
	store      *BlockLog
	sealer     *Sealer
	now        func() time.Time
}

type LedgerOption func(*Ledger)

// 블록을 LevelDB 로그에도 기록 (없으면 재시작 시 초기화되는 메모리 원장)
func WithBlockLog(store *BlockLog) LedgerOption {
	return func(l *Ledger) { l.store = store }
}

// 채굴을 워커 풀에 위임 (없으면 Append 고루틴에서 직접 채굴)
func WithSealer(s *Sealer) LedgerOption {
	return func(l *Ledger) { l.sealer = s }
}

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger : 원장 생성 및 제네시스 확인
// 블록 로그에 기존 체인이 있으면 그대로 복원하고 검증 결과만 보고함
func NewLedger(difficulty int, opts ...LedgerOption) (*Ledger, error) {
	if difficulty < 0 {
		return nil, fmt.Errorf("difficulty must be >= 0, got %d", difficulty)
	}
	l := &Ledger{difficulty: difficulty, now: time.Now}
	for _, o := range opts {
		o(l)
	}

	if l.store != nil {
		restored, err := l.restore()
		if err != nil {
			return nil, err
		}
		if restored {
			return l, nil
		}
	}

	log.Printf("[INIT] No genesis. Mining genesis (difficulty=%d)...", difficulty)
	genesis := l.CreateGenesis()
	if l.store != nil {
		if err := l.store.SetDifficulty(difficulty); err != nil {
			return nil, err
		}
		if err := l.store.Put(0, genesis); err != nil {
			return nil, fmt.Errorf("save genesis block: %w", err)
		}
	}
	l.chain = []Block{genesis}
	log.Printf("[INIT] Genesis mined: nonce=%d hash=%s", genesis.Nonce, genesis.Digest)
	return l, nil
}

// 블록 로그에서 체인 복원. 로그가 비어 있으면 false
func (l *Ledger) restore() (bool, error) {
	d, hasMeta, err := l.store.Difficulty()
	if err != nil {
		return false, err
	}
	if hasMeta && d != l.difficulty {
		return false, fmt.Errorf("difficulty mismatch: db=%d config=%d", d, l.difficulty)
	}

	blocks, err := l.store.LoadAll()
	if err != nil {
		return false, fmt.Errorf("restore chain: %w", err)
	}
	if len(blocks) == 0 {
		return false, nil
	}
	if !hasMeta {
		if err := l.store.SetDifficulty(l.difficulty); err != nil {
			return false, err
		}
	}
	l.chain = blocks

	res := ValidateChain(l.chain, l.difficulty)
	chainValidations.WithLabelValues(resultLabel(res.Valid)).Inc()
	if !res.Valid {
		// 복구하지 않음. 상태 API/validate 로 계속 노출
		log.Printf("[CHAIN][ERROR] restored chain is invalid: %s at block #%d", res.Reason, res.BlockIndex)
	} else {
		log.Printf("[CHAIN] Restored %d blocks from %s", len(blocks), l.store.path)
	}
	return true, nil
}

// CreateGenesis : 원장 난이도로 봉인된 제네시스 블록 생성 (원장에 추가하지 않음)
func (l *Ledger) CreateGenesis() Block {
	b := newBlock(l.now().UnixMilli(), GenesisSubjectID, "", nil, GenesisPrevDigest)
	return seal(b, l.difficulty)
}

func (l *Ledger) Difficulty() int {
	return l.difficulty
}

// Latest : 마지막 블록
func (l *Ledger) Latest() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latestLocked().clone()
}

func (l *Ledger) latestLocked() Block {
	if len(l.chain) == 0 {
		panic("ledger has no genesis block")
	}
	return l.chain[len(l.chain)-1]
}

// Append : 새 블록 채굴 후 추가. 반환 int 는 원장 내 위치
func (l *Ledger) Append(ctx context.Context, subjectID, payload string, factors []string) (Block, int, error) {
	if !validText(subjectID, payload) || !validText(factors...) {
		return Block{}, 0, fmt.Errorf("append block: %w", ErrInvalidText)
	}
	for {
		l.mu.RLock()
		prev := l.latestLocked().Digest
		l.mu.RUnlock()

		candidate := newBlock(l.now().UnixMilli(), subjectID, payload, factors, prev)
		sealed, err := l.sealBlock(ctx, candidate)
		if err != nil {
			return Block{}, 0, fmt.Errorf("seal block: %w", err)
		}

		l.mu.Lock()
		if l.latestLocked().Digest != prev {
			// 채굴 중 다른 블록이 먼저 추가됨 => 새 prev 로 재채굴
			l.mu.Unlock()
			appendRetries.Inc()
			log.Printf("[CHAIN] Latest block moved while sealing (prev=%s), resealing", shortDigest(prev))
			continue
		}
		index := len(l.chain)
		if l.store != nil {
			if err := l.store.Put(index, sealed); err != nil {
				l.mu.Unlock()
				return Block{}, 0, fmt.Errorf("persist block #%d: %w", index, err)
			}
		}
		l.chain = append(l.chain, sealed)
		l.mu.Unlock()

		blocksAppended.Inc()
		log.Printf("[CHAIN] Appended Block #%d (%s) subject=%s", index, shortDigest(sealed.Digest), subjectID)
		return sealed.clone(), index, nil
	}
}

func (l *Ledger) sealBlock(ctx context.Context, b Block) (Block, error) {
	if l.sealer == nil {
		return seal(b, l.difficulty), nil
	}
	return l.sealer.Seal(ctx, b, l.difficulty)
}

// BlockByDigest : 선형 탐색. 없으면 found=false
func (l *Ledger) BlockByDigest(digest string) (Block, int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, b := range l.chain {
		if b.Digest == digest {
			return b.clone(), i, true
		}
	}
	return Block{}, 0, false
}

// BlocksBySubject : 환자별 감사 이력 (체인 순서 유지)
func (l *Ledger) BlocksBySubject(subjectID string) []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []Block{}
	for _, b := range l.chain {
		if b.SubjectID == subjectID {
			out = append(out, b.clone())
		}
	}
	return out
}

// Blocks : 전체 체인 사본
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.clone()
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Validate : 체인 검증 (Append 의 커밋과 동시에 실행되지 않음)
func (l *Ledger) Validate() ValidationResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateLocked()
}

func (l *Ledger) validateLocked() ValidationResult {
	res := ValidateChain(l.chain, l.difficulty)
	chainValidations.WithLabelValues(resultLabel(res.Valid)).Inc()
	return res
}

// Stats : 검증 결과 + 체인 메타데이터 (같은 스냅샷 기준)
func (l *Ledger) Stats() ChainStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ChainStats{
		TotalBlocks:   len(l.chain),
		Difficulty:    l.difficulty,
		IsValid:       l.validateLocked().Valid,
		LatestBlock:   l.latestLocked().clone(),
		GenesisDigest: l.chain[0].Digest,
	}
}
