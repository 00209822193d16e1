package estimator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/backend/internal/core"
)

func rectangleConfig(labels int) string {
	var sb strings.Builder
	sb.WriteString(`<View><RectangleLabels name="label" toName="image">`)
	for i := 0; i < labels; i++ {
		sb.WriteString(`<Label value="l` + string(rune('a'+i)) + `"/>`)
	}
	sb.WriteString(`</RectangleLabels></View>`)
	return sb.String()
}

func TestEstimateRectangleProject(t *testing.T) {
	b := Estimate(Params{
		TaskCount:   100,
		LabelConfig: rectangleConfig(8),
		StorageGB:   1,
	})

	require.Equal(t, []string{"rectanglelabels"}, b.AnnotationTypes)
	require.Equal(t, 8, b.LabelCount)
	assert.Equal(t, 5.0, b.Rate)
	assert.Equal(t, 1.5, b.Complexity)

	// 100 × 5 × 1.5 × 1.5 × 3 = 3375
	assert.Equal(t, core.MoneyFromCredits(3375), b.AnnotationFee)
	assert.Equal(t, core.MoneyFromCredits(10), b.StorageFee)
	// 10% of 3375 is 337.50, below the floor.
	assert.Equal(t, core.MoneyFromCredits(500), b.SecurityFee)
	assert.Equal(t, core.MoneyFromCredits(3885), b.TotalDeposit)
	assert.Equal(t, core.MoneyFromCredits(2760), b.ExpectedActual)
	assert.Equal(t, core.MoneyFromCredits(1125), b.ExpectedRefund)
}

func TestSecurityFeeRounding(t *testing.T) {
	cases := []struct {
		raw  float64
		want float64
	}{
		{120, 500},    // below floor clamps
		{499.99, 500}, // still below floor
		{510, 500},    // nearest 50
		{526, 550},
		{960, 950},
		{975, 1000},
		{1010, 1000}, // nearest 100 at or above 1000
		{1051, 1100},
		{2349, 2300},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, roundSecurityFee(c.raw), "raw=%v", c.raw)
	}
}

func TestComplexityTiers(t *testing.T) {
	assert.Equal(t, 1.0, Complexity(1, 0))
	assert.Equal(t, 1.0, Complexity(5, 0))
	assert.Equal(t, 1.5, Complexity(6, 0))
	assert.Equal(t, 1.5, Complexity(15, 0))
	assert.Equal(t, 2.0, Complexity(16, 0))
	assert.Equal(t, 2.0, Complexity(30, 0))
	assert.Equal(t, 3.0, Complexity(31, 0))
	// Each additional annotation type adds 0.5.
	assert.Equal(t, 2.0, Complexity(5, 2))
}

func TestDurationOverride(t *testing.T) {
	audio := Estimate(Params{TaskCount: 10, MediaKind: "audio", DurationMinutes: 2})
	assert.Equal(t, 30.0, audio.Rate) // 15/min × 2

	shortAudio := Estimate(Params{TaskCount: 10, MediaKind: "audio", DurationMinutes: 0.1})
	assert.Equal(t, 5.0, shortAudio.Rate) // per-task minimum

	video := Estimate(Params{TaskCount: 10, MediaKind: "video", DurationMinutes: 0.2})
	assert.Equal(t, 10.0, video.Rate) // video minimum
}

func TestParseLabelConfigMultipleTypes(t *testing.T) {
	config := `<View>
		<Choices name="cls" toName="txt"><Choice value="spam"/><Choice value="ham"/></Choices>
		<PolygonLabels name="poly" toName="img"><Label value="roof"/></PolygonLabels>
	</View>`
	types, labels := ParseLabelConfig(config)
	assert.ElementsMatch(t, []string{"choices", "polygonlabels"}, types)
	assert.Equal(t, 3, labels)

	// Two types: rate is the max (polygon 10), complexity gains +0.5.
	b := Estimate(Params{TaskCount: 1, LabelConfig: config})
	assert.Equal(t, 10.0, b.Rate)
	assert.Equal(t, 1.5, b.Complexity)
}

func TestEstimateDefaultsWithNoConfig(t *testing.T) {
	b := Estimate(Params{TaskCount: 10})
	assert.Equal(t, []string{"classification"}, b.AnnotationTypes)
	assert.Equal(t, 2.0, b.Rate)
	assert.Equal(t, 1.0, b.Complexity)
}

func TestSlotRefundZeroWork(t *testing.T) {
	b := Estimate(Params{TaskCount: 100, LabelConfig: rectangleConfig(8), StorageGB: 1})
	// All 300 slots unfilled at 7.5 each, plus buffer 1125 and storage 10.
	assert.Equal(t, core.MoneyFromCredits(3385), SlotRefund(b, 0))
}

func TestSlotRefundAboveThirtyPercent(t *testing.T) {
	b := Estimate(Params{TaskCount: 100, LabelConfig: rectangleConfig(8), StorageGB: 1})
	// 150/300 filled: only the 150 unfilled slots refund.
	assert.Equal(t, core.MoneyFromFloat(150*7.5), SlotRefund(b, 150))
}

func TestSlotRefundFullyWorked(t *testing.T) {
	b := Estimate(Params{TaskCount: 10, LabelConfig: rectangleConfig(2)})
	assert.Equal(t, core.Money(0), SlotRefund(b, 30))
	// Overfilled counts clamp.
	assert.Equal(t, core.Money(0), SlotRefund(b, 99))
}

func TestEstimateIsPure(t *testing.T) {
	p := Params{TaskCount: 42, LabelConfig: rectangleConfig(3), StorageGB: 2}
	assert.Equal(t, Estimate(p), Estimate(p))
}
