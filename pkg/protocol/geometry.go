package protocol

import (
	"math"
	"sort"
)

// Partition splits annotations into 2D and 3D sets, preserving order.
func Partition(list []Annotation) (flat, spatial []Annotation) {
	flat = make([]Annotation, 0, len(list))
	spatial = make([]Annotation, 0, len(list))
	for _, a := range list {
		if a.Is3D() {
			spatial = append(spatial, a)
		} else {
			flat = append(flat, a)
		}
	}
	return flat, spatial
}

// Vec3 is a point in terrain world units.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// TeleportHeight is how far above a 3D annotation a camera is placed when
// jumping to it.
const TeleportHeight = 5.0

// RankedAnnotation is a 3D annotation with its distance from a viewer.
type RankedAnnotation struct {
	Annotation
	Distance float64 `json:"distance"`
}

// Location returns the annotation's world position. 2D annotations sit on z=0.
func (a Annotation) Location() Vec3 {
	v := Vec3{X: a.X, Y: a.Y}
	if a.Z != nil {
		v.Z = *a.Z
	}
	return v
}

// TeleportTarget returns the camera position used to jump to a.
func (a Annotation) TeleportTarget() Vec3 {
	v := a.Location()
	v.Y += TeleportHeight
	return v
}

// NearestAnnotations ranks the 3D annotations in list by distance from
// origin, nearest first. Ties keep the input order.
func NearestAnnotations(list []Annotation, origin Vec3) []RankedAnnotation {
	_, spatial := Partition(list)
	out := make([]RankedAnnotation, 0, len(spatial))
	for _, a := range spatial {
		out = append(out, RankedAnnotation{Annotation: a, Distance: a.Location().Distance(origin)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}
