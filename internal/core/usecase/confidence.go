package usecase

import (
	"strings"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

// ReviewThreshold is the overall-confidence floor below which a human must
// review the extraction before approval.
const ReviewThreshold = 0.80

// Header and counterparty fields drive legal validity, so they weigh double
// against line-item fields in the overall score.
const (
	headerFieldWeight = 2.0
	lineFieldWeight   = 1.0
)

// thresholdEpsilon absorbs float rounding in the weighted mean so a score
// that is exactly at the threshold does not flip to review.
const thresholdEpsilon = 1e-9

type ConfidenceAssessment struct {
	Overall        float64
	RequiresReview bool
}

// ScoreConfidence computes the weighted mean of per-field confidences and the
// review decision. An UNKNOWN direction forces review regardless of score;
// field confidence never overrides the directional classification.
func ScoreConfidence(fieldConfidence map[string]float64, direction domain.Direction) ConfidenceAssessment {
	if len(fieldConfidence) == 0 {
		return ConfidenceAssessment{Overall: 0, RequiresReview: true}
	}

	var sum, weights float64
	for field, confidence := range fieldConfidence {
		weight := headerFieldWeight
		if strings.HasPrefix(field, "lines[") {
			weight = lineFieldWeight
		}
		sum += confidence * weight
		weights += weight
	}

	overall := sum / weights
	return ConfidenceAssessment{
		Overall:        overall,
		RequiresReview: overall < ReviewThreshold-thresholdEpsilon || direction == domain.DirectionUnknown,
	}
}
