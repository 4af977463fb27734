package dtmf_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringfence/jcblock/dtmf"
)

func tonePair(n int, loFreq, hiFreq float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(i)
		out[i] = math.Sin(2*math.Pi*loFreq*t/dtmf.SampleRate8kHz) + math.Sin(2*math.Pi*hiFreq*t/dtmf.SampleRate8kHz)
	}
	return out
}

// toneSource synthesizes pure tone-pair blocks for a configurable number
// of blocks, then reports silence, so tests can drive Detector.Step
// deterministically without real audio hardware.
type toneSource struct {
	profile    dtmf.Profile
	loudBlocks int
	produced   int
}

func (s *toneSource) ReadBlock(out []float64) error {
	loud := s.produced < s.loudBlocks
	s.produced++
	if loud {
		copy(out, tonePair(len(out), s.profile.LowFreq, s.profile.HighFreq))
	} else {
		for i := range out {
			out[i] = 0
		}
	}
	return nil
}

func runSteps(t *testing.T, d *dtmf.Detector, n int) bool {
	t.Helper()
	for i := 0; i < n; i++ {
		pressed, err := d.Step()
		require.NoError(t, err)
		if pressed {
			return true
		}
	}
	return false
}

func TestConsecutiveHitDetectsAfterDetMin(t *testing.T) {
	src := &toneSource{profile: dtmf.ProfileV2B, loudBlocks: 12}
	d := dtmf.New(src, dtmf.ProfileV2B, dtmf.WithMode(dtmf.ConsecutiveHit), dtmf.WithThreshold(50))
	assert.True(t, runSteps(t, d, 12))
}

func TestConsecutiveHitIgnoresShortBurst(t *testing.T) {
	src := &toneSource{profile: dtmf.ProfileV2B, loudBlocks: 3}
	d := dtmf.New(src, dtmf.ProfileV2B, dtmf.WithMode(dtmf.ConsecutiveHit), dtmf.WithThreshold(50))
	assert.False(t, runSteps(t, d, 20))
}

func TestBeepPairRequiresTwoBeeps(t *testing.T) {
	// Two three-block beeps separated by silence, matching the 2-3 block
	// beep window original_source/tones.c's DO_BEEPS branch requires.
	src := &beepSource{profile: dtmf.ProfileV2B, loud: []bool{true, true, true, false, false, true, true, true, false}}
	d := dtmf.New(src, dtmf.ProfileV2B, dtmf.WithMode(dtmf.BeepPair), dtmf.WithThreshold(50))
	assert.True(t, runSteps(t, d, len(src.loud)))
}

func TestBeepPairIgnoresSingleBeep(t *testing.T) {
	src := &beepSource{profile: dtmf.ProfileV2B, loud: []bool{true, true, true, false, false, false, false, false, false}}
	d := dtmf.New(src, dtmf.ProfileV2B, dtmf.WithMode(dtmf.BeepPair), dtmf.WithThreshold(50))
	assert.False(t, runSteps(t, d, len(src.loud)))
}

func TestAveragingRequiresWholeWindowAboveThreshold(t *testing.T) {
	src := &toneSource{profile: dtmf.ProfileV2A, loudBlocks: 5}
	d := dtmf.New(src, dtmf.ProfileV2A, dtmf.WithMode(dtmf.Averaging), dtmf.WithAverageWindow(5), dtmf.WithThreshold(20))
	assert.True(t, runSteps(t, d, 5))
}

func TestAveragingDilutedByOneSilentBlock(t *testing.T) {
	// A loud ProfileV2A block gives magnitudes of about 89 (low) and 66
	// (high); four loud blocks out of five average the high tone to about
	// 53, below a threshold of 60 that five loud blocks would clear.
	src := &beepSource{profile: dtmf.ProfileV2A, loud: []bool{true, true, true, true, false}}
	d := dtmf.New(src, dtmf.ProfileV2A, dtmf.WithMode(dtmf.Averaging), dtmf.WithAverageWindow(5), dtmf.WithThreshold(60))
	assert.False(t, runSteps(t, d, 5))
}

// beepSource plays the tone pair on blocks where loud[i] is true and
// silence otherwise, one entry consumed per ReadBlock call.
type beepSource struct {
	profile dtmf.Profile
	loud    []bool
	idx     int
}

func (s *beepSource) ReadBlock(out []float64) error {
	on := s.idx < len(s.loud) && s.loud[s.idx]
	s.idx++
	if on {
		copy(out, tonePair(len(out), s.profile.LowFreq, s.profile.HighFreq))
	} else {
		for i := range out {
			out[i] = 0
		}
	}
	return nil
}

func TestToneMagnitudeRespondsToTargetFrequency(t *testing.T) {
	tone := dtmf.NewTone(dtmf.ProfileV2B.NLo, dtmf.ProfileV2B.LowFreq, dtmf.SampleRate8kHz)
	samples := make([]float64, dtmf.ProfileV2B.NLo)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * dtmf.ProfileV2B.LowFreq * float64(i) / dtmf.SampleRate8kHz)
	}
	onTarget := tone.Magnitude(samples)

	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * 300.0 * float64(i) / dtmf.SampleRate8kHz)
	}
	offTarget := tone.Magnitude(samples)

	assert.Greater(t, onTarget, offTarget)
}
