package comparator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidateSingleAnnotator(t *testing.T) {
	in := classification("cat")
	got := Consolidate([]map[string]any{in})
	assert.Equal(t, "single_annotator", got.Method)
	assert.Equal(t, 100.0, got.Confidence)
	assert.Equal(t, in, got.Merged)
}

func TestConsolidateMajorityLabels(t *testing.T) {
	got := Consolidate([]map[string]any{
		classification("cat", "dog"),
		classification("cat"),
		classification("cat", "bird"),
	})
	assert.Equal(t, "majority_labels", got.Method)
	assert.Equal(t, []string{"cat"}, got.Merged["labels"])
}

func TestConsolidateLabelTieBreaksLexicographic(t *testing.T) {
	got := Consolidate([]map[string]any{
		classification("dog"),
		classification("cat"),
	})
	// No majority; both labels are most frequent, kept in sorted order.
	assert.Equal(t, []string{"cat", "dog"}, got.Merged["labels"])
}

func TestConsolidateMeanBoxes(t *testing.T) {
	got := Consolidate([]map[string]any{
		bbox(box(0, 0, 40, 40, "car")),
		bbox(box(10, 10, 40, 40, "car")),
		bbox(box(20, 20, 40, 40, "car")),
	})
	require.Equal(t, "mean_geometry", got.Method)
	boxes := got.Merged["boxes"].([]any)
	require.Len(t, boxes, 1)
	merged := boxes[0].(map[string]any)
	assert.Equal(t, 10.0, merged["x"])
	assert.Equal(t, 10.0, merged["y"])
	assert.Equal(t, 40.0, merged["width"])
}

func TestConsolidateMedianRating(t *testing.T) {
	r := func(v int) map[string]any { return map[string]any{"type": "rating", "rating": v} }
	got := Consolidate([]map[string]any{r(2), r(5), r(3)})
	assert.Equal(t, "median", got.Method)
	assert.Equal(t, 3, got.Merged["rating"])
}

func TestConsolidateTextMedoid(t *testing.T) {
	a := map[string]any{"type": "text", "text": "the cat sat"}
	b := map[string]any{"type": "text", "text": "the cat sat down"}
	c := map[string]any{"type": "text", "text": "a dog ran"}
	got := Consolidate([]map[string]any{a, b, c})
	assert.Equal(t, "similarity_medoid", got.Method)
	// a and b agree far more with each other than either does with c.
	text := got.Merged["text"].(string)
	assert.Contains(t, []string{"the cat sat", "the cat sat down"}, text)
}

func TestConsolidateConfidenceIsMeanPairwise(t *testing.T) {
	// Three identical classifications: every pair agrees at 100.
	in := classification("cat")
	got := Consolidate([]map[string]any{in, in, in})
	assert.Equal(t, 100.0, got.Confidence)

	// Fully disjoint: every pair at 0.
	got = Consolidate([]map[string]any{
		classification("a"), classification("b"), classification("c"),
	})
	assert.Equal(t, 0.0, got.Confidence)
}

func TestConsolidatePolygonMajoritySubmission(t *testing.T) {
	poly := func(label string) map[string]any {
		return map[string]any{"type": "polygon", "polygons": []any{
			map[string]any{"label": label, "points": []any{[]any{0.0, 0.0}}},
		}}
	}
	got := Consolidate([]map[string]any{poly("roof"), poly("roof"), poly("door")})
	assert.Equal(t, "majority_submission", got.Method)
	polys := got.Merged["polygons"].([]any)
	first := polys[0].(map[string]any)
	assert.Equal(t, "roof", first["label"])
}
