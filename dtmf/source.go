package dtmf

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Source yields successive blocks of n condensate samples, scaled into the
// range the Goertzel algorithm was tuned against, from a PCM capture
// device. Two capture formats are supported, matching the two ALSA
// configurations seen across deployed hardware (spec.md §4.5, §9): 8-bit
// signed mono, and 16-bit signed little-endian stereo.
type Source interface {
	// ReadBlock fills out with n condensed samples, where n is the
	// largest block size any Tone registered with the Detector requires.
	ReadBlock(out []float64) error
}

// EightBitMonoSource reads raw signed 8-bit mono PCM frames (SND_PCM_FORMAT_S8,
// one byte per sample) and rescales them the way tones.c's ProcessSample
// input does: into a small positive range centered on 100, which is what
// the historical THRESHOLD constants in this package are tuned against.
type EightBitMonoSource struct {
	r   io.Reader
	buf []byte
}

// NewEightBitMonoSource wraps r, a signed 8-bit mono PCM stream.
func NewEightBitMonoSource(r io.Reader) *EightBitMonoSource {
	return &EightBitMonoSource{r: r}
}

// ReadBlock implements Source.
func (s *EightBitMonoSource) ReadBlock(out []float64) error {
	n := len(out)
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return errors.WithMessage(err, "dtmf: read 8-bit mono block")
	}
	for i, b := range buf {
		out[i] = float64(int(int8(b))*100)/256.0 + 100.0
	}
	return nil
}

// SixteenBitStereoSource reads signed 16-bit little-endian stereo PCM
// frames and takes the left channel of each frame (the two channels carry
// identical data from a mono microphone wired into a stereo-only codec),
// normalized to the range [-1, 1].
type SixteenBitStereoSource struct {
	r   io.Reader
	buf []byte
}

// NewSixteenBitStereoSource wraps r, a 16-bit signed LE stereo PCM stream.
func NewSixteenBitStereoSource(r io.Reader) *SixteenBitStereoSource {
	return &SixteenBitStereoSource{r: r}
}

// ReadBlock implements Source.
func (s *SixteenBitStereoSource) ReadBlock(out []float64) error {
	n := len(out)
	const bytesPerFrame = 4 // 2 channels * 2 bytes/sample
	need := n * bytesPerFrame
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return errors.WithMessage(err, "dtmf: read 16-bit stereo block")
	}
	for i := 0; i < n; i++ {
		left := int16(binary.LittleEndian.Uint16(buf[i*bytesPerFrame:]))
		out[i] = float64(left) / 32768.0
	}
	return nil
}
