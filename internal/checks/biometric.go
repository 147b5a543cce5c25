package checks

import "math"

const (
	// DefaultVerifyThreshold is the maximum distance accepted when confirming a
	// claimed identity against its enrolled embedding.
	DefaultVerifyThreshold = 0.5
	// DefaultIdentifyThreshold is the maximum distance accepted when searching
	// the whole gallery for an unknown face.
	DefaultIdentifyThreshold = 0.6
)

// Candidate is one enrolled face in the identification gallery.
type Candidate struct {
	StudentID string
	Embedding []float64
}

// Match is the nearest gallery entry found by Identify.
type Match struct {
	StudentID string
	Distance  float64
}

// EuclideanDistance returns the L2 distance between a and b. ok is false when
// the lengths differ or either vector is empty.
func EuclideanDistance(a, b []float64) (dist float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), true
}

// Verify confirms probe against a single stored embedding. Students without an
// enrolled embedding always pass; a length mismatch never does.
func Verify(stored, probe []float64, threshold float64) bool {
	if len(stored) == 0 {
		return true
	}
	d, ok := EuclideanDistance(stored, probe)
	if !ok {
		return false
	}
	return d < threshold
}

// Identify returns the gallery entry closest to probe. found is false when the
// gallery has no comparable entry below threshold. On equal distances the
// earlier entry wins.
func Identify(gallery []Candidate, probe []float64, threshold float64) (Match, bool) {
	best := Match{Distance: math.Inf(1)}
	for _, c := range gallery {
		d, ok := EuclideanDistance(c.Embedding, probe)
		if !ok {
			continue
		}
		if d < best.Distance {
			best = Match{StudentID: c.StudentID, Distance: d}
		}
	}
	if best.StudentID == "" || best.Distance >= threshold {
		return Match{}, false
	}
	return best, true
}

// Finite reports whether every component of v is a finite number.
func Finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
