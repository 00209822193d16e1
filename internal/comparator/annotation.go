// Package comparator detects annotation types from opaque submission results
// and computes pairwise agreement (0-100) and consolidated merges per type.
//
// Runtime introspection happens once, in Decode: the opaque result is parsed
// into the Annotation sum type and every later dispatch is a switch on Kind.
package comparator

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the annotation type taxonomy.
type Kind string

const (
	KindClassification Kind = "classification"
	KindBoundingBox    Kind = "bounding_box"
	KindPolygon        Kind = "polygon"
	KindSegmentation   Kind = "segmentation"
	KindText           Kind = "text"
	KindRating         Kind = "rating"
	KindKeypoint       Kind = "keypoint"
	KindGeneric        Kind = "generic"
)

// ErrUnsupportedShape signals the type could not be inferred. Callers fall
// back to the generic comparator rather than failing the pipeline.
var ErrUnsupportedShape = errors.New("comparator: unsupported annotation shape")

// Box is a bounding box in percentage coordinates (0-100 of the frame).
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Label  string  `json:"label"`
}

// Polygon is a labelled point sequence. Geometric overlap is deliberately
// not compared; polygons agree by label sets and count ratio.
type Polygon struct {
	Label  string      `json:"label"`
	Points [][]float64 `json:"points"`
}

// Keypoint is a labelled point in percentage coordinates.
type Keypoint struct {
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Annotation is the sum-typed decoded form of an opaque result. Exactly the
// fields for its Kind are populated; Raw always keeps the source map.
type Annotation struct {
	Kind     Kind
	Labels   []string // classification, segmentation
	Boxes    []Box
	Polygons []Polygon
	Text     string
	Rating   int
	Points   []Keypoint
	Raw      map[string]any
}

// Decode parses an opaque result into an Annotation. The type is taken from
// a declared "type" field when present, otherwise inferred from the shape of
// the payload. An unrecognized shape decodes as generic with
// ErrUnsupportedShape returned alongside; the annotation is still usable.
func Decode(result map[string]any) (Annotation, error) {
	a := Annotation{Kind: KindGeneric, Raw: result}
	if result == nil {
		return a, ErrUnsupportedShape
	}

	kind := declaredKind(result)
	if kind == "" {
		kind = inferKind(result)
	}
	if kind == "" {
		return a, ErrUnsupportedShape
	}

	a.Kind = kind
	switch kind {
	case KindClassification, KindSegmentation:
		a.Labels = stringSlice(firstOf(result, "labels", "choices", "brushlabels"))
	case KindBoundingBox:
		a.Boxes = decodeBoxes(firstOf(result, "boxes", "rectangles"))
	case KindPolygon:
		a.Polygons = decodePolygons(result["polygons"])
	case KindText:
		a.Text, _ = result["text"].(string)
	case KindRating:
		a.Rating = intValue(result["rating"])
	case KindKeypoint:
		a.Points = decodeKeypoints(result["points"])
	}
	return a, nil
}

func declaredKind(result map[string]any) Kind {
	t, _ := result["type"].(string)
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "classification", "choices":
		return KindClassification
	case "bounding_box", "boundingbox", "rectangle", "rectanglelabels":
		return KindBoundingBox
	case "polygon", "polygonlabels":
		return KindPolygon
	case "segmentation", "brush", "brushlabels":
		return KindSegmentation
	case "text", "textarea":
		return KindText
	case "rating":
		return KindRating
	case "keypoint", "keypointlabels":
		return KindKeypoint
	case "generic":
		return KindGeneric
	}
	return ""
}

func inferKind(result map[string]any) Kind {
	switch {
	case result["boxes"] != nil || result["rectangles"] != nil:
		return KindBoundingBox
	case result["polygons"] != nil:
		return KindPolygon
	case result["brushlabels"] != nil:
		return KindSegmentation
	case result["points"] != nil:
		return KindKeypoint
	case result["rating"] != nil:
		return KindRating
	case result["text"] != nil:
		return KindText
	case result["labels"] != nil || result["choices"] != nil:
		return KindClassification
	case result["value"] != nil:
		return KindGeneric
	}
	return ""
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", e))
			}
		}
		return out
	}
	return nil
}

func floatValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

func intValue(v any) int {
	return int(floatValue(v))
}

func decodeBoxes(v any) []Box {
	items, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]Box); ok {
			out := make([]Box, len(typed))
			copy(out, typed)
			return out
		}
		return nil
	}
	out := make([]Box, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		label, _ := m["label"].(string)
		out = append(out, Box{
			X:      floatValue(m["x"]),
			Y:      floatValue(m["y"]),
			Width:  floatValue(m["width"]),
			Height: floatValue(m["height"]),
			Label:  label,
		})
	}
	return out
}

func decodePolygons(v any) []Polygon {
	items, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]Polygon); ok {
			out := make([]Polygon, len(typed))
			copy(out, typed)
			return out
		}
		return nil
	}
	out := make([]Polygon, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		label, _ := m["label"].(string)
		p := Polygon{Label: label}
		if pts, ok := m["points"].([]any); ok {
			for _, pt := range pts {
				if pair, ok := pt.([]any); ok && len(pair) >= 2 {
					p.Points = append(p.Points, []float64{floatValue(pair[0]), floatValue(pair[1])})
				}
			}
		}
		out = append(out, p)
	}
	return out
}

func decodeKeypoints(v any) []Keypoint {
	items, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]Keypoint); ok {
			out := make([]Keypoint, len(typed))
			copy(out, typed)
			return out
		}
		return nil
	}
	out := make([]Keypoint, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		label, _ := m["label"].(string)
		out = append(out, Keypoint{
			Label: label,
			X:     floatValue(m["x"]),
			Y:     floatValue(m["y"]),
		})
	}
	return out
}
