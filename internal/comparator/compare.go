package comparator

import (
	"fmt"
	"log"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Agreement is the result of one pairwise comparison. Overall is on [0,100];
// the optional breakdown components are on [0,1].
type Agreement struct {
	Overall       float64 `json:"overall"`
	IoU           float64 `json:"iou,omitempty"`
	LabelMatch    float64 `json:"label_match,omitempty"`
	PositionMatch float64 `json:"position_match,omitempty"`
	Matches       int     `json:"matches,omitempty"` // boxes with IoU >= 0.5
	Kind          Kind    `json:"kind"`
}

// iouMatchThreshold marks a box pair as matched in breakdown details only;
// the overall score is independent of it.
const iouMatchThreshold = 0.5

var compareLog = log.New(log.Writer(), "[Comparator] ", log.LstdFlags)

// Compare detects the annotation type of both results and computes their
// agreement. Mixed or undetectable types fall back to the generic comparator;
// the pipeline never fails on shape.
func Compare(left, right map[string]any) Agreement {
	la, lerr := Decode(left)
	ra, rerr := Decode(right)
	if lerr != nil || rerr != nil {
		compareLog.Printf("shape detection fell back to generic (left=%v right=%v)", lerr, rerr)
	}
	if la.Kind != ra.Kind {
		la.Kind, ra.Kind = KindGeneric, KindGeneric
	}
	return compareDecoded(la, ra)
}

func compareDecoded(left, right Annotation) Agreement {
	switch left.Kind {
	case KindClassification:
		return compareLabelSets(left.Labels, right.Labels, KindClassification)
	case KindSegmentation:
		return compareLabelSets(left.Labels, right.Labels, KindSegmentation)
	case KindBoundingBox:
		return compareBoxes(left.Boxes, right.Boxes)
	case KindPolygon:
		return comparePolygons(left.Polygons, right.Polygons)
	case KindText:
		return compareText(left.Text, right.Text)
	case KindRating:
		return compareRatings(left.Rating, right.Rating)
	case KindKeypoint:
		return compareKeypoints(left.Points, right.Points)
	default:
		return compareGeneric(left.Raw, right.Raw)
	}
}

// ----------------------------------------------------------------------------
// Classification / segmentation: Jaccard of label sets
// ----------------------------------------------------------------------------

func compareLabelSets(a, b []string, kind Kind) Agreement {
	j := jaccard(a, b)
	return Agreement{Overall: round2(j * 100), LabelMatch: round4(j), Kind: kind}
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]int)
	for _, s := range dedupe(a) {
		set[s] |= 1
	}
	for _, s := range dedupe(b) {
		set[s] |= 2
	}
	inter, union := 0, 0
	for _, bits := range set {
		union++
		if bits == 3 {
			inter++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Bounding boxes: per-reference best IoU among same-label proposals
// ----------------------------------------------------------------------------

func compareBoxes(ref, prop []Box) Agreement {
	if len(ref) == 0 && len(prop) == 0 {
		return Agreement{Overall: 100, IoU: 1, Kind: KindBoundingBox}
	}
	if len(ref) == 0 || len(prop) == 0 {
		return Agreement{Kind: KindBoundingBox}
	}

	var sum float64
	matches := 0
	for _, r := range ref {
		best := 0.0
		for _, p := range prop {
			if p.Label != r.Label {
				continue
			}
			if v := boxIoU(r, p); v > best {
				best = v
			}
		}
		if best >= iouMatchThreshold {
			matches++
		}
		sum += best
	}
	mean := sum / float64(len(ref))
	return Agreement{
		Overall: round2(mean * 100),
		IoU:     round4(mean),
		Matches: matches,
		Kind:    KindBoundingBox,
	}
}

func boxIoU(a, b Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.Width, b.X+b.Width)
	y2 := math.Min(a.Y+a.Height, b.Y+b.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ----------------------------------------------------------------------------
// Polygons: label sets + count ratio, no geometric overlap
// ----------------------------------------------------------------------------

func comparePolygons(a, b []Polygon) Agreement {
	if len(a) == 0 && len(b) == 0 {
		return Agreement{Overall: 100, LabelMatch: 1, Kind: KindPolygon}
	}
	la, lb := polygonLabels(a), polygonLabels(b)
	j := jaccard(la, lb)

	countRatio := 0.0
	max := math.Max(float64(len(a)), float64(len(b)))
	if max > 0 {
		countRatio = math.Min(float64(len(a)), float64(len(b))) / max
	}

	overall := j
	if j == 1 {
		overall = countRatio
	}
	return Agreement{Overall: round2(overall * 100), LabelMatch: round4(j), Kind: KindPolygon}
}

func polygonLabels(in []Polygon) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		out = append(out, p.Label)
	}
	return out
}

// ----------------------------------------------------------------------------
// Text: normalized Levenshtein similarity after lower-case trim
// ----------------------------------------------------------------------------

func compareText(a, b string) Agreement {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" && b == "" {
		return Agreement{Overall: 100, Kind: KindText}
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	sim := 1 - float64(levenshtein(a, b))/float64(maxLen)
	if sim < 0 {
		sim = 0
	}
	return Agreement{Overall: round2(sim * 100), Kind: KindText}
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// ----------------------------------------------------------------------------
// Ratings: exact or linear falloff over the 1-5 scale
// ----------------------------------------------------------------------------

func compareRatings(a, b int) Agreement {
	if a == b {
		return Agreement{Overall: 100, Kind: KindRating}
	}
	score := 1 - math.Abs(float64(a-b))/5
	if score < 0 {
		score = 0
	}
	return Agreement{Overall: round2(score * 100), Kind: KindRating}
}

// ----------------------------------------------------------------------------
// Keypoints: pair by label, per-point Euclidean falloff
// ----------------------------------------------------------------------------

func compareKeypoints(a, b []Keypoint) Agreement {
	if len(a) == 0 && len(b) == 0 {
		return Agreement{Overall: 100, PositionMatch: 1, Kind: KindKeypoint}
	}
	if len(a) == 0 || len(b) == 0 {
		return Agreement{Kind: KindKeypoint}
	}
	byLabel := make(map[string][]Keypoint)
	for _, p := range b {
		byLabel[p.Label] = append(byLabel[p.Label], p)
	}
	var sum float64
	for _, p := range a {
		best := 0.0
		for _, q := range byLabel[p.Label] {
			d := math.Hypot(p.X-q.X, p.Y-q.Y)
			score := 100 - d/5*100
			if score < 0 {
				score = 0
			}
			if score > best {
				best = score
			}
		}
		sum += best
	}
	mean := sum / float64(len(a))
	return Agreement{Overall: round2(mean), PositionMatch: round4(mean / 100), Kind: KindKeypoint}
}

// ----------------------------------------------------------------------------
// Generic: structural equality, then Jaccard of extracted value fields
// ----------------------------------------------------------------------------

func compareGeneric(a, b map[string]any) Agreement {
	if reflect.DeepEqual(a, b) {
		return Agreement{Overall: 100, Kind: KindGeneric}
	}
	j := jaccard(extractValues(a), extractValues(b))
	return Agreement{Overall: round2(j * 100), LabelMatch: round4(j), Kind: KindGeneric}
}

// extractValues collects every "value" field reachable in the raw map,
// stringified, in deterministic order.
func extractValues(m map[string]any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if k == "value" {
					out = append(out, stringify(t[k]))
					continue
				}
				walk(t[k])
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(m)
	return out
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
