// Package azimuth holds arithmetic on compass angles in degrees.
package azimuth

import "math"

// Normalize returns angle wrapped into [0, 360).
func Normalize(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	// -1e-15 + 360 rounds to 360.
	if angle >= 360 {
		angle -= 360
	}
	return angle
}

// ShortestArc returns the signed rotation from one azimuth to another,
// in (-180, 180]. Positive is clockwise.
func ShortestArc(from, to float64) float64 {
	d := Normalize(to) - Normalize(from)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

// Valid reports whether angle is a finite number.
func Valid(angle float64) bool {
	return !math.IsNaN(angle) && !math.IsInf(angle, 0)
}
