package dtmf

// SampleRate8kHz is the capture rate every DTMF profile assumes.
const SampleRate8kHz = 8000.0

// Profile names the frequency pair, block sizes and detection threshold
// for one DTMF digit/hardware combination (spec.md §4.5 "Tone pairs and
// block sizes"). Four concrete profiles are observed in
// original_source/tones.c and original_source/tonesRPi.c and their
// surrounding comments; ProfileV1 is a calibration profile for digit '5'
// used to validate the Goertzel pipeline before tuning it to '*'.
type Profile struct {
	Name              string
	LowFreq, HighFreq float64
	NLo, NHi          int
	Threshold         float64
}

var (
	// ProfileV1 targets digit '5' (770/1336 Hz) and is used to validate
	// the detector end-to-end with a tone pair distinct from '*'.
	ProfileV1 = Profile{Name: "v1", LowFreq: 770.0, HighFreq: 1336.0, NLo: 400, NHi: 200, Threshold: ThresholdEightBitMono}
	// ProfileV2A targets '*' (941/1209 Hz) with smaller blocks, for use
	// with Averaging mode over a window of blocks rather than
	// compared against the threshold block-by-block.
	ProfileV2A = Profile{Name: "v2a", LowFreq: 941.0, HighFreq: 1209.0, NLo: 259, NHi: 195, Threshold: 10.0}
	// ProfileV2B targets '*' with the larger blocks used for consecutive
	// -hit detection against 8-bit mono samples.
	ProfileV2B = Profile{Name: "v2b", LowFreq: 941.0, HighFreq: 1209.0, NLo: 528, NHi: 410, Threshold: ThresholdEightBitMono}
	// ProfileV3 is ProfileV2B's block sizes against 16-bit stereo
	// samples, which sit in a larger dynamic range.
	ProfileV3 = Profile{Name: "v3", LowFreq: 941.0, HighFreq: 1209.0, NLo: 528, NHi: 410, Threshold: ThresholdSixteenBitStereo}
)

// Thresholds tuned against each capture format's sample scaling (spec.md
// §9): 8-bit mono samples are rescaled into a small positive range, while
// 16-bit stereo samples are normalized to [-1, 1] and need a higher
// relative threshold to reject line noise at the same confidence.
const (
	ThresholdEightBitMono     = 0.1
	ThresholdSixteenBitStereo = 0.5
)

// detMin is the number of consecutive blocks both tones must be detected
// in to declare a continuously-held key press under ConsecutiveHit or
// BeepPair mode.
const detMin = 10

// defaultAverageWindow is BLK_CTR_MAX: the number of blocks averaged
// together before Averaging mode compares a magnitude to its threshold.
const defaultAverageWindow = 5

// beepRunLengths are the consecutive-detection run lengths (in blocks)
// that count as one short "beep" in BeepPair mode.
var beepRunLengths = map[int]bool{2: true, 3: true}

// Mode selects which of the three detection policies spec.md §4.5
// describes a Detector runs.
type Mode int

const (
	// ConsecutiveHit expects the tone pair to be held for at least
	// detMin consecutive blocks, as most phones do while a key is down.
	ConsecutiveHit Mode = iota
	// BeepPair expects two short, time-limited beeps in quick succession
	// instead of one held tone, as some phones emit on key press. It
	// runs on top of ConsecutiveHit's run-length tracking rather than
	// replacing it, so either signalling style is recognized.
	BeepPair
	// Averaging accumulates each tone's per-block magnitude over a
	// window of blocks and compares the average, rather than any single
	// block, to the threshold. Used with ProfileV2A's smaller blocks.
	Averaging
)

// Detector runs the Goertzel algorithm over successive PCM blocks from src
// and reports when the configured Profile's tone pair is recognized, using
// one of the three detection policies spec.md §4.5 describes.
type Detector struct {
	src       Source
	lo, hi    Tone
	threshold float64
	mode      Mode
	block     []float64

	numDetLo, numDetHi       int
	numDetLoWas, numDetHiWas int
	numBeeps                 int

	averageWindow     int
	sumLo, sumHi      float64
	averageBlockCount int
}

// Option configures a Detector created by New.
type Option func(*Detector)

// WithMode selects the detection policy. The default is ConsecutiveHit.
func WithMode(m Mode) Option {
	return func(d *Detector) {
		d.mode = m
	}
}

// WithThreshold overrides the Profile's threshold.
func WithThreshold(t float64) Option {
	return func(d *Detector) {
		d.threshold = t
	}
}

// WithAverageWindow overrides BLK_CTR_MAX, the number of blocks averaged
// together under Averaging mode. The default is 5, matching spec.md
// §4.5's "averaged over 5 blocks".
func WithAverageWindow(n int) Option {
	return func(d *Detector) {
		d.averageWindow = n
	}
}

// New creates a Detector that reads PCM blocks from src, tuned to profile.
func New(src Source, profile Profile, opts ...Option) *Detector {
	d := &Detector{
		src:           src,
		lo:            NewTone(profile.NLo, profile.LowFreq, SampleRate8kHz),
		hi:            NewTone(profile.NHi, profile.HighFreq, SampleRate8kHz),
		threshold:     profile.Threshold,
		mode:          ConsecutiveHit,
		averageWindow: defaultAverageWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	// N_max: every poll reads the larger of the two block sizes (spec.md
	// §4.5); the high-tone pass consumes only its own leading N_HI
	// samples from the same block.
	n := d.lo.N()
	if d.hi.N() > n {
		n = d.hi.N()
	}
	d.block = make([]float64, n)
	return d
}

// reset clears all run-length and averaging state, as tones.c does on a
// short read or device error.
func (d *Detector) reset() {
	d.numDetLo, d.numDetHi = 0, 0
	d.numDetLoWas, d.numDetHiWas = 0, 0
	d.numBeeps = 0
	d.sumLo, d.sumHi = 0, 0
	d.averageBlockCount = 0
}

// Step reads one PCM block and reports whether it completes a key-press
// detection under the configured Mode. Call it repeatedly for as long as
// the acceptance window (spec.md §4.6) remains open. An ALSA overrun or
// short read resets all counters and reports no detection, matching the
// EPIPE handling in original_source/tones.c.
func (d *Detector) Step() (bool, error) {
	if err := d.src.ReadBlock(d.block); err != nil {
		d.reset()
		return false, err
	}

	loMag := d.lo.Magnitude(d.block[:d.lo.N()])
	hiMag := d.hi.Magnitude(d.block[:d.hi.N()])

	if d.mode == Averaging {
		return d.stepAveraging(loMag, hiMag), nil
	}
	return d.stepConsecutive(loMag, hiMag), nil
}

func (d *Detector) stepAveraging(loMag, hiMag float64) bool {
	d.sumLo += loMag
	d.sumHi += hiMag
	d.averageBlockCount++
	if d.averageBlockCount < d.averageWindow {
		return false
	}
	avgLo := d.sumLo / float64(d.averageWindow)
	avgHi := d.sumHi / float64(d.averageWindow)
	d.sumLo, d.sumHi, d.averageBlockCount = 0, 0, 0
	return avgLo > d.threshold && avgHi > d.threshold
}

func (d *Detector) stepConsecutive(loMag, hiMag float64) bool {
	if loMag > d.threshold {
		d.numDetLo++
	} else {
		d.numDetLoWas = d.numDetLo
		d.numDetLo = 0
	}
	if hiMag > d.threshold {
		d.numDetHi++
	} else {
		d.numDetHiWas = d.numDetHi
		d.numDetHi = 0
	}

	if d.numDetLo >= detMin && d.numDetHi >= detMin {
		d.reset()
		return true
	}

	if d.mode == BeepPair && beepRunLengths[d.numDetLoWas] && beepRunLengths[d.numDetHiWas] {
		d.numDetLoWas, d.numDetHiWas = 0, 0
		if d.numBeeps == 0 {
			d.numBeeps = 1
			return false
		}
		d.reset()
		return true
	}

	return false
}
