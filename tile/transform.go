package tile

import "math"

// IdentityEpsilon is the per-component tolerance used to elide identity
// transforms. Stored data depends on it; do not change.
const IdentityEpsilon = 1e-4

// Matrix is a 4x4 affine transform in row-major order.
type Matrix [16]float64

var Identity = Matrix{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

func (m Matrix) At(row, col int) float64 { return m[row*4+col] }

func (m Matrix) IsIdentity() bool {
	for i, v := range m {
		if !(math.Abs(v-Identity[i]) < IdentityEpsilon) {
			return false
		}
	}
	return true
}

// ApproxEqual compares component-wise within IdentityEpsilon.
func (m Matrix) ApproxEqual(o Matrix) bool {
	for i := range m {
		if !(math.Abs(m[i]-o[i]) < IdentityEpsilon) {
			return false
		}
	}
	return true
}

func (m Matrix) Mul(o Matrix) Matrix {
	var out Matrix
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

func Translation(x, y, z float64) Matrix {
	m := Identity
	m[3], m[7], m[11] = x, y, z
	return m
}

func Scale(x, y, z float64) Matrix {
	m := Identity
	m[0], m[5], m[10] = x, y, z
	return m
}

// RotationZ rotates by deg degrees around the z axis.
func RotationZ(deg float64) Matrix {
	rad := deg * math.Pi / 180
	s, c := math.Sin(rad), math.Cos(rad)
	m := Identity
	m[0], m[1] = c, -s
	m[4], m[5] = s, c
	return m
}

// EncodeTransform returns the 16 row-major components, or nil when m is
// absent or the identity.
func EncodeTransform(m *Matrix) []float64 {
	if m == nil || m.IsIdentity() {
		return nil
	}
	out := make([]float64, 16)
	copy(out, m[:])
	return out
}

// DecodeTransform returns nil for an absent array, a length other than 16,
// or a decoded identity.
func DecodeTransform(v []float64) *Matrix {
	if len(v) != 16 {
		return nil
	}
	var m Matrix
	copy(m[:], v)
	if m.IsIdentity() {
		return nil
	}
	return &m
}

// ValidTransform reports whether v is a storable transform array.
func ValidTransform(v []float64) bool {
	if len(v) != 16 {
		return false
	}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
