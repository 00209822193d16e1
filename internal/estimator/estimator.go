// Package estimator computes project cost estimates and deposit breakdowns.
// Everything here is pure and deterministic: project parameters in, a
// structured credit breakdown out. The billing service owns all mutation.
package estimator

import (
	"math"
	"regexp"
	"strings"

	"github.com/annolab/backend/internal/core"
)

// Base rates in credits per task, per annotation type.
var baseRates = map[string]float64{
	"classification":  2,
	"choices":         2,
	"labels":          3,
	"textarea":        4,
	"rectangle":       5,
	"rectanglelabels": 5,
	"ellipse":         6,
	"ellipselabels":   6,
	"timeseries":      7,
	"keypoint":        8,
	"keypointlabels":  8,
	"polygon":         10,
	"polygonlabels":   10,
	"brush":           12,
	"brushlabels":     12,
	"videorectangle":  15,
}

// Duration-based overrides in credits per minute, with per-task minimums.
const (
	audioRatePerMin = 15
	videoRatePerMin = 20
	audioMinPerTask = 5
	videoMinPerTask = 10
)

// Params are the estimate inputs. LabelConfig, StorageGB, DurationMinutes and
// TypeHints are all optional.
type Params struct {
	TaskCount       int
	LabelConfig     string
	StorageGB       float64
	DurationMinutes float64 // per-task media duration
	MediaKind       string  // "audio" or "video" enables the duration override
	TypeHints       []string
}

// Breakdown is the structured deposit estimate. All amounts are credits.
type Breakdown struct {
	TaskCount       int        `json:"task_count"`
	AnnotationTypes []string   `json:"annotation_types"`
	LabelCount      int        `json:"label_count"`
	Rate            float64    `json:"rate"`
	Complexity      float64    `json:"complexity"`
	AnnotationFee   core.Money `json:"annotation_fee"`
	StorageFee      core.Money `json:"storage_fee"` // non-refundable
	SecurityFee     core.Money `json:"security_fee"`
	TotalDeposit    core.Money `json:"total_deposit"`
	ExpectedActual  core.Money `json:"expected_actual"`
	ExpectedRefund  core.Money `json:"expected_refund"`
}

// PerSlotActual is the actual per-annotation cost (rate × complexity), the
// unit both the per-submission debit and the slot refund use. No buffer, no
// overlap.
func (b Breakdown) PerSlotActual() core.Money {
	return core.MoneyFromFloat(b.Rate * b.Complexity)
}

// BufferPortion is the share of the annotation fee attributable to the
// safety buffer.
func (b Breakdown) BufferPortion() core.Money {
	return b.AnnotationFee - core.MoneyFromFloat(b.AnnotationFee.Float()/core.BufferMultiplier)
}

// Estimate computes the deposit breakdown:
//
//	annotation_fee = N × rate × complexity × buffer × overlap
//	storage_fee    = GB × 10
//	security_fee   = max(500, rounded 10% of annotation fee)
func Estimate(p Params) Breakdown {
	types, labels := ParseLabelConfig(p.LabelConfig)
	types = mergeHints(types, p.TypeHints)
	if len(types) == 0 {
		types = []string{"classification"}
	}
	if labels == 0 {
		labels = 1
	}

	rate := maxRate(types)
	if override, ok := durationRate(p.MediaKind, p.DurationMinutes); ok {
		rate = override
	}
	complexity := Complexity(labels, len(types)-1)

	annotationFee := float64(p.TaskCount) * rate * complexity * core.BufferMultiplier * core.RequiredOverlap
	storageFee := p.StorageGB * core.StorageRatePerGB
	securityFee := roundSecurityFee(0.10 * annotationFee)

	b := Breakdown{
		TaskCount:       p.TaskCount,
		AnnotationTypes: types,
		LabelCount:      labels,
		Rate:            rate,
		Complexity:      complexity,
		AnnotationFee:   core.MoneyFromFloat(annotationFee),
		StorageFee:      core.MoneyFromFloat(storageFee),
		SecurityFee:     core.MoneyFromFloat(securityFee),
	}
	b.TotalDeposit = b.SecurityFee + b.StorageFee + b.AnnotationFee
	b.ExpectedActual = b.SecurityFee + b.StorageFee + core.MoneyFromFloat(annotationFee/core.BufferMultiplier)
	b.ExpectedRefund = b.TotalDeposit - b.ExpectedActual
	return b
}

// Complexity maps label count to the complexity multiplier, plus 0.5 for
// every annotation type beyond the first.
func Complexity(labelCount, extraTypes int) float64 {
	var m float64
	switch {
	case labelCount <= 5:
		m = 1.0
	case labelCount <= 15:
		m = 1.5
	case labelCount <= 30:
		m = 2.0
	default:
		m = 3.0
	}
	if extraTypes > 0 {
		m += 0.5 * float64(extraTypes)
	}
	return m
}

// BaseRate returns the per-task credit rate for an annotation type;
// unrecognized types fall back to the classification rate.
func BaseRate(annotationType string) float64 {
	if r, ok := baseRates[normalizeType(annotationType)]; ok {
		return r
	}
	return baseRates["classification"]
}

func maxRate(types []string) float64 {
	best := 0.0
	for _, t := range types {
		if r := BaseRate(t); r > best {
			best = r
		}
	}
	if best == 0 {
		best = baseRates["classification"]
	}
	return best
}

func durationRate(mediaKind string, minutes float64) (float64, bool) {
	if minutes <= 0 {
		return 0, false
	}
	switch strings.ToLower(mediaKind) {
	case "audio":
		return math.Max(audioRatePerMin*minutes, audioMinPerTask), true
	case "video":
		return math.Max(videoRatePerMin*minutes, videoMinPerTask), true
	}
	return 0, false
}

// roundSecurityFee clamps to the 500-credit floor, rounds to the nearest 50
// between 500 and 1000, and to the nearest 100 at or above 1000.
func roundSecurityFee(raw float64) float64 {
	if raw < core.DepositFloor {
		return core.DepositFloor
	}
	if raw < 1000 {
		return math.Round(raw/50) * 50
	}
	return math.Round(raw/100) * 100
}

// ----------------------------------------------------------------------------
// Label-config scan — best effort, no XML schema required
// ----------------------------------------------------------------------------

var (
	tagPattern   = regexp.MustCompile(`(?i)<\s*(RectangleLabels|Rectangle|PolygonLabels|Polygon|BrushLabels|Brush|KeyPointLabels|KeyPoint|EllipseLabels|Ellipse|TimeSeries|TextArea|Choices|Labels|VideoRectangle)\b`)
	valuePattern = regexp.MustCompile(`(?i)<\s*(Label|Choice)\s+[^>]*value\s*=`)
)

// ParseLabelConfig scans an XML-like label configuration for recognized tag
// names and counts <Label value="…"> / <Choice value="…"> occurrences.
func ParseLabelConfig(config string) (types []string, labelCount int) {
	if strings.TrimSpace(config) == "" {
		return nil, 0
	}
	seen := make(map[string]bool)
	for _, m := range tagPattern.FindAllStringSubmatch(config, -1) {
		t := normalizeType(m[1])
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	labelCount = len(valuePattern.FindAllString(config, -1))
	return types, labelCount
}

func normalizeType(t string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(t), "-", ""))
}

func mergeHints(types, hints []string) []string {
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		seen[t] = true
	}
	for _, h := range hints {
		n := normalizeType(h)
		if n != "" && !seen[n] {
			seen[n] = true
			types = append(types, n)
		}
	}
	return types
}

// ----------------------------------------------------------------------------
// Slot-based refund
// ----------------------------------------------------------------------------

// SlotRefund computes the deletion refund. Each task carries RequiredOverlap
// slots; unfilled slots refund at the actual per-slot cost. When overall work
// completion is below 30%, the unused buffer portion and the storage base fee
// refund as well. The security fee never refunds.
func SlotRefund(b Breakdown, filledSlots int) core.Money {
	totalSlots := b.TaskCount * core.RequiredOverlap
	if filledSlots > totalSlots {
		filledSlots = totalSlots
	}
	unfilled := totalSlots - filledSlots

	refund := core.MoneyFromFloat(float64(unfilled) * b.Rate * b.Complexity)

	completion := 1.0
	if totalSlots > 0 {
		completion = float64(filledSlots) / float64(totalSlots)
	}
	if completion < 0.30 {
		refund += b.BufferPortion() + b.StorageFee
	}
	return refund
}
