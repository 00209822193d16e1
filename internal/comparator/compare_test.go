package comparator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classification(labels ...string) map[string]any {
	vals := make([]any, len(labels))
	for i, l := range labels {
		vals[i] = l
	}
	return map[string]any{"type": "classification", "labels": vals}
}

func bbox(boxes ...map[string]any) map[string]any {
	vals := make([]any, len(boxes))
	for i, b := range boxes {
		vals[i] = b
	}
	return map[string]any{"type": "bounding_box", "boxes": vals}
}

func box(x, y, w, h float64, label string) map[string]any {
	return map[string]any{"x": x, "y": y, "width": w, "height": h, "label": label}
}

func TestCompareSelfIsPerfect(t *testing.T) {
	cases := []map[string]any{
		classification("cat", "dog"),
		bbox(box(10, 10, 20, 20, "car")),
		{"type": "text", "text": "Hello World"},
		{"type": "rating", "rating": 4},
		{"type": "keypoint", "points": []any{map[string]any{"label": "nose", "x": 50.0, "y": 50.0}}},
		{"type": "polygon", "polygons": []any{map[string]any{"label": "roof", "points": []any{[]any{1.0, 2.0}}}}},
		{"type": "segmentation", "brushlabels": []any{"sky"}},
	}
	for _, c := range cases {
		assert.Equal(t, 100.0, Compare(c, c).Overall)
	}
}

func TestCompareSymmetry(t *testing.T) {
	pairs := [][2]map[string]any{
		{classification("cat"), classification("cat", "dog")},
		{{"type": "text", "text": "kitten"}, {"type": "text", "text": "sitting"}},
		{{"type": "rating", "rating": 2}, {"type": "rating", "rating": 5}},
		{bbox(box(0, 0, 50, 50, "a")), bbox(box(25, 25, 50, 50, "a"))},
	}
	for _, p := range pairs {
		assert.Equal(t, Compare(p[0], p[1]).Overall, Compare(p[1], p[0]).Overall)
	}
}

func TestClassificationJaccard(t *testing.T) {
	// {cat} vs {cat, dog}: intersection 1, union 2
	got := Compare(classification("cat"), classification("cat", "dog"))
	assert.Equal(t, 50.0, got.Overall)

	// Both empty counts as full agreement.
	assert.Equal(t, 100.0, Compare(classification(), classification()).Overall)

	// Disjoint sets.
	assert.Equal(t, 0.0, Compare(classification("cat"), classification("dog")).Overall)
}

func TestBoundingBoxIoU(t *testing.T) {
	// Identical box: IoU 1.
	a := bbox(box(10, 10, 40, 40, "car"))
	assert.Equal(t, 100.0, Compare(a, a).Overall)

	// Half-offset 50x50 squares: inter 25x50=1250, union 5000-1250+... = 3750.
	left := bbox(box(0, 0, 50, 50, "car"))
	right := bbox(box(25, 0, 50, 50, "car"))
	got := Compare(left, right)
	assert.InDelta(t, 1250.0/3750.0*100, got.Overall, 0.01)

	// Label mismatch scores zero even with perfect overlap.
	mislabel := bbox(box(0, 0, 50, 50, "truck"))
	assert.Equal(t, 0.0, Compare(left, mislabel).Overall)
}

func TestBoundingBoxMatchCount(t *testing.T) {
	ref := bbox(box(0, 0, 50, 50, "a"), box(60, 60, 10, 10, "b"))
	prop := bbox(box(0, 0, 50, 50, "a"), box(90, 90, 10, 10, "b"))
	got := Compare(ref, prop)
	// Only the "a" box clears IoU >= 0.5.
	assert.Equal(t, 1, got.Matches)
}

func TestTextSimilarity(t *testing.T) {
	a := map[string]any{"type": "text", "text": "kitten"}
	b := map[string]any{"type": "text", "text": "sitting"}
	// levenshtein(kitten, sitting) = 3, max len 7
	got := Compare(a, b)
	assert.InDelta(t, (1-3.0/7.0)*100, got.Overall, 0.01)

	// Case and whitespace insensitive.
	c := map[string]any{"type": "text", "text": "  Kitten "}
	d := map[string]any{"type": "text", "text": "kitten"}
	assert.Equal(t, 100.0, Compare(c, d).Overall)

	// Both empty.
	e := map[string]any{"type": "text", "text": ""}
	assert.Equal(t, 100.0, Compare(e, e).Overall)
}

func TestRatingFalloff(t *testing.T) {
	r := func(v int) map[string]any { return map[string]any{"type": "rating", "rating": v} }
	assert.Equal(t, 100.0, Compare(r(3), r(3)).Overall)
	assert.Equal(t, 80.0, Compare(r(3), r(4)).Overall)
	assert.InDelta(t, 20.0, Compare(r(1), r(5)).Overall, 0.01)
}

func TestKeypointDistance(t *testing.T) {
	kp := func(x, y float64) map[string]any {
		return map[string]any{"type": "keypoint", "points": []any{
			map[string]any{"label": "nose", "x": x, "y": y},
		}}
	}
	assert.Equal(t, 100.0, Compare(kp(50, 50), kp(50, 50)).Overall)
	// Distance 3 -> 100 - 3/5*100 = 40.
	assert.InDelta(t, 40.0, Compare(kp(50, 50), kp(53, 50)).Overall, 0.01)
	// Distance >= 5 -> 0.
	assert.Equal(t, 0.0, Compare(kp(50, 50), kp(60, 50)).Overall)
}

func TestPolygonLabelAndCount(t *testing.T) {
	poly := func(labels ...string) map[string]any {
		items := make([]any, len(labels))
		for i, l := range labels {
			items[i] = map[string]any{"label": l, "points": []any{[]any{0.0, 0.0}}}
		}
		return map[string]any{"type": "polygon", "polygons": items}
	}
	// Equal label sets, differing counts: count ratio wins.
	got := Compare(poly("roof", "roof"), poly("roof"))
	assert.Equal(t, 50.0, got.Overall)

	// Differing label sets: Jaccard wins.
	got = Compare(poly("roof"), poly("door"))
	assert.Equal(t, 0.0, got.Overall)
}

func TestGenericFallback(t *testing.T) {
	a := map[string]any{"weird": []any{map[string]any{"value": "x"}}}
	b := map[string]any{"weird": []any{map[string]any{"value": "x"}}}
	assert.Equal(t, 100.0, Compare(a, b).Overall)

	c := map[string]any{"weird": []any{map[string]any{"value": "y"}}}
	assert.Equal(t, 0.0, Compare(a, c).Overall)
}

func TestMixedKindsCompareAsGeneric(t *testing.T) {
	a := classification("cat")
	b := map[string]any{"type": "rating", "rating": 3}
	got := Compare(a, b)
	assert.Equal(t, KindGeneric, got.Kind)
}

func TestDecodeDeclaredAndInferred(t *testing.T) {
	declared, err := Decode(map[string]any{"type": "rectanglelabels", "boxes": []any{}})
	require.NoError(t, err)
	assert.Equal(t, KindBoundingBox, declared.Kind)

	inferred, err := Decode(map[string]any{"rating": 5})
	require.NoError(t, err)
	assert.Equal(t, KindRating, inferred.Kind)

	_, err = Decode(map[string]any{"mystery": 1})
	assert.ErrorIs(t, err, ErrUnsupportedShape)
}
