// Package dtmf detects a caller pressing the '*' key during the caller-ID
// acceptance window, by running the Goertzel algorithm against the two DTMF
// tones ('*' is row 941 Hz, column 1209 Hz) over small blocks of PCM audio
// captured from the modem's line-in (spec.md §4.5).
package dtmf

import "math"

// Tone precomputes the Goertzel algorithm's per-block constants for one
// target frequency, fixed for the lifetime of a Detector.
type Tone struct {
	n          int
	sine       float64
	cosine     float64
	coeff      float64
	sampleRate float64
}

// NewTone precomputes the Goertzel constants for detecting targetFreq
// within blocks of n samples captured at sampleRate.
func NewTone(n int, targetFreq, sampleRate float64) Tone {
	k := math.Floor(0.5 + (float64(n)*targetFreq)/sampleRate)
	omega := (2.0 * math.Pi * k) / float64(n)
	return Tone{
		n:          n,
		sine:       math.Sin(omega),
		cosine:     math.Cos(omega),
		coeff:      2.0 * math.Cos(omega),
		sampleRate: sampleRate,
	}
}

// N is the block size this Tone expects Magnitude to be called with.
func (t Tone) N() int {
	return t.n
}

// Magnitude runs one block of the Goertzel recursion over samples, which
// must hold at least t.N() values, and returns the relative magnitude of
// the target frequency within them. Only samples[:t.N()] are consumed.
func (t Tone) Magnitude(samples []float64) float64 {
	var q1, q2 float64
	for i := 0; i < t.n; i++ {
		q0 := t.coeff*q1 - q2 + samples[i]
		q2 = q1
		q1 = q0
	}
	real := q1 - q2*t.cosine
	imag := q2 * t.sine
	return math.Sqrt(real*real + imag*imag)
}
