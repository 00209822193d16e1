package comparator

import (
	"sort"
)

// Consolidated is the merge of several redundant annotations of one task.
// Confidence is the mean pairwise agreement of the inputs, on [0,100].
type Consolidated struct {
	Merged     map[string]any `json:"merged"`
	Confidence float64        `json:"confidence"`
	Method     string         `json:"method"`
}

// Consolidate merges a list of results into one. The merge is type-aware:
// majority labels for classifications, mean geometry for boxes and keypoints,
// similarity medoid for text, median for ratings, majority submission where
// geometry is not averagable.
func Consolidate(results []map[string]any) Consolidated {
	if len(results) == 0 {
		return Consolidated{Method: "empty"}
	}
	if len(results) == 1 {
		return Consolidated{Merged: results[0], Confidence: 100, Method: "single_annotator"}
	}

	decoded := make([]Annotation, len(results))
	for i, r := range results {
		decoded[i], _ = Decode(r)
	}
	kind := decoded[0].Kind
	for _, d := range decoded[1:] {
		if d.Kind != kind {
			kind = KindGeneric
			break
		}
	}

	confidence := meanPairwise(decoded)

	switch kind {
	case KindClassification, KindSegmentation:
		return Consolidated{
			Merged:     map[string]any{"type": string(kind), "labels": majorityLabels(decoded)},
			Confidence: confidence,
			Method:     "majority_labels",
		}
	case KindBoundingBox:
		return Consolidated{
			Merged:     map[string]any{"type": string(kind), "boxes": meanBoxes(decoded)},
			Confidence: confidence,
			Method:     "mean_geometry",
		}
	case KindKeypoint:
		return Consolidated{
			Merged:     map[string]any{"type": string(kind), "points": meanKeypoints(decoded)},
			Confidence: confidence,
			Method:     "mean_geometry",
		}
	case KindRating:
		return Consolidated{
			Merged:     map[string]any{"type": string(kind), "rating": medianRating(decoded)},
			Confidence: confidence,
			Method:     "median",
		}
	case KindText:
		return Consolidated{
			Merged:     results[medoidIndex(decoded)],
			Confidence: confidence,
			Method:     "similarity_medoid",
		}
	default:
		// Polygon, generic: geometry is not averagable, take the majority
		// annotator's submission (the input closest to all others).
		return Consolidated{
			Merged:     results[medoidIndex(decoded)],
			Confidence: confidence,
			Method:     "majority_submission",
		}
	}
}

func meanPairwise(decoded []Annotation) float64 {
	var sum float64
	pairs := 0
	for i := 0; i < len(decoded); i++ {
		for j := i + 1; j < len(decoded); j++ {
			sum += compareDecoded(decoded[i], decoded[j]).Overall
			pairs++
		}
	}
	if pairs == 0 {
		return 100
	}
	return round2(sum / float64(pairs))
}

// majorityLabels keeps labels present in a strict majority of inputs. When no
// label reaches a majority, the most frequent labels win, ties broken by
// lexicographic order.
func majorityLabels(decoded []Annotation) []string {
	counts := make(map[string]int)
	for _, d := range decoded {
		for _, l := range dedupe(d.Labels) {
			counts[l]++
		}
	}
	need := len(decoded)/2 + 1

	var out []string
	for l, c := range counts {
		if c >= need {
			out = append(out, l)
		}
	}
	if len(out) == 0 && len(counts) > 0 {
		best := 0
		for _, c := range counts {
			if c > best {
				best = c
			}
		}
		for l, c := range counts {
			if c == best {
				out = append(out, l)
			}
		}
	}
	sort.Strings(out)
	return out
}

// meanBoxes averages geometry per label group, pairing by index within the
// label across inputs.
func meanBoxes(decoded []Annotation) []any {
	type acc struct {
		x, y, w, h float64
		n          int
	}
	groups := make(map[string][]*acc) // label -> per-index accumulators
	var labelOrder []string
	for _, d := range decoded {
		idx := make(map[string]int)
		for _, b := range d.Boxes {
			i := idx[b.Label]
			idx[b.Label]++
			if _, ok := groups[b.Label]; !ok {
				labelOrder = append(labelOrder, b.Label)
			}
			for len(groups[b.Label]) <= i {
				groups[b.Label] = append(groups[b.Label], &acc{})
			}
			g := groups[b.Label][i]
			g.x += b.X
			g.y += b.Y
			g.w += b.Width
			g.h += b.Height
			g.n++
		}
	}
	sort.Strings(labelOrder)

	var out []any
	for _, label := range labelOrder {
		for _, g := range groups[label] {
			if g.n == 0 {
				continue
			}
			n := float64(g.n)
			out = append(out, map[string]any{
				"x": round2(g.x / n), "y": round2(g.y / n),
				"width": round2(g.w / n), "height": round2(g.h / n),
				"label": label,
			})
		}
	}
	return out
}

func meanKeypoints(decoded []Annotation) []any {
	type acc struct {
		x, y float64
		n    int
	}
	groups := make(map[string][]*acc)
	var labelOrder []string
	for _, d := range decoded {
		idx := make(map[string]int)
		for _, p := range d.Points {
			i := idx[p.Label]
			idx[p.Label]++
			if _, ok := groups[p.Label]; !ok {
				labelOrder = append(labelOrder, p.Label)
			}
			for len(groups[p.Label]) <= i {
				groups[p.Label] = append(groups[p.Label], &acc{})
			}
			g := groups[p.Label][i]
			g.x += p.X
			g.y += p.Y
			g.n++
		}
	}
	sort.Strings(labelOrder)

	var out []any
	for _, label := range labelOrder {
		for _, g := range groups[label] {
			if g.n == 0 {
				continue
			}
			n := float64(g.n)
			out = append(out, map[string]any{
				"x": round2(g.x / n), "y": round2(g.y / n), "label": label,
			})
		}
	}
	return out
}

func medianRating(decoded []Annotation) int {
	ratings := make([]int, 0, len(decoded))
	for _, d := range decoded {
		ratings = append(ratings, d.Rating)
	}
	sort.Ints(ratings)
	return ratings[len(ratings)/2]
}

// medoidIndex returns the input whose mean agreement with all others is
// highest; ties resolve to the lowest index.
func medoidIndex(decoded []Annotation) int {
	best, bestScore := 0, -1.0
	for i := range decoded {
		var sum float64
		for j := range decoded {
			if i == j {
				continue
			}
			sum += compareDecoded(decoded[i], decoded[j]).Overall
		}
		if sum > bestScore {
			best, bestScore = i, sum
		}
	}
	return best
}
