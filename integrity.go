package main

////////////////////////////////////////////////////////////////////////////////
// Record Integrity Verifier
// ------------------------------------------------------------
// - FingerprintRecord : 비어 있는 지문만 계산 (이미 있으면 건드리지 않음)
// - VerifyRecord      : 저장된 평문 필드로 지문을 재계산해 저장 값과 비교
// - 원장(메모리)을 전혀 참조하지 않으므로 재시작 후에도 의미 있음
////////////////////////////////////////////////////////////////////////////////

const (
	ReasonSubjectMismatch   = "subject identity hash mismatch"
	ReasonPredictionAltered = "prediction data altered"
	ReasonTimestampAltered  = "timestamp altered"
)

// FingerprintRecord : 생성 시점 지문 계산 (멱등). 잘못된 UTF-8 문자열은 거부
func FingerprintRecord(rec *PredictionRecord) error {
	if !validText(rec.SubjectID, rec.Prediction.Label) {
		return ErrInvalidText
	}
	if rec.SubjectIDDigest == "" {
		rec.SubjectIDDigest = FingerprintSubject(rec.SubjectID)
	}
	if rec.PredictionDigest == "" {
		rec.PredictionDigest = FingerprintPrediction(rec.Prediction.Label, rec.Prediction.Confidence, rec.SubjectID)
	}
	if rec.TimestampDigest == "" && rec.CreatedAt != 0 {
		rec.TimestampDigest = FingerprintTimestamp(rec.CreatedAt)
	}
	return nil
}

// VerifyRecord : 세 검사 모두 수행, Reason 은 subject => prediction => timestamp 순 첫 실패
func VerifyRecord(rec PredictionRecord) RecordCheck {
	var failures []string
	if !validText(rec.SubjectID) || FingerprintSubject(rec.SubjectID) != rec.SubjectIDDigest {
		failures = append(failures, ReasonSubjectMismatch)
	}
	if !validText(rec.Prediction.Label, rec.SubjectID) ||
		FingerprintPrediction(rec.Prediction.Label, rec.Prediction.Confidence, rec.SubjectID) != rec.PredictionDigest {
		failures = append(failures, ReasonPredictionAltered)
	}
	if FingerprintTimestamp(rec.CreatedAt) != rec.TimestampDigest {
		failures = append(failures, ReasonTimestampAltered)
	}

	valid := len(failures) == 0
	recordVerifications.WithLabelValues(resultLabel(valid)).Inc()
	if valid {
		return RecordCheck{Valid: true}
	}
	return RecordCheck{Valid: false, Reason: failures[0], Failures: failures}
}
