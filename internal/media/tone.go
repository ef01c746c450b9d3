package media

import (
	"fmt"
	"math"
	"time"
)

var (
	lowGroup  = [4]float64{697, 770, 852, 941}
	highGroup = [4]float64{1209, 1336, 1477, 1633}
)

// keypad maps a digit to its row (low tone) and column (high tone).
var keypad = map[rune][2]int{
	'1': {0, 0}, '2': {0, 1}, '3': {0, 2}, 'A': {0, 3},
	'4': {1, 0}, '5': {1, 1}, '6': {1, 2}, 'B': {1, 3},
	'7': {2, 0}, '8': {2, 1}, '9': {2, 2}, 'C': {2, 3},
	'*': {3, 0}, '0': {3, 1}, '#': {3, 2}, 'D': {3, 3},
}

// toneAmplitude keeps the sum of both tones clear of clipping.
const toneAmplitude = 0.35 * math.MaxInt16

// TonePCM synthesises a DTMF digit as 16-bit little-endian linear PCM at
// sampleRate.
func TonePCM(digit rune, d time.Duration, sampleRate uint32) ([]byte, error) {
	pos, ok := keypad[toUpper(digit)]
	if !ok {
		return nil, fmt.Errorf("invalid DTMF digit %q", digit)
	}
	lo, hi := lowGroup[pos[0]], highGroup[pos[1]]
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := toneAmplitude * (math.Sin(2*math.Pi*lo*t) + math.Sin(2*math.Pi*hi*t))
		s := int16(v)
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	return pcm, nil
}

// ToneFrames returns the digit as codec frames ready for
// Sender.WriteFrame. A trailing partial frame is padded with silence.
func ToneFrames(digit rune, d time.Duration, c Codec) ([][]byte, error) {
	pcm, err := TonePCM(digit, d, c.SampleRate)
	if err != nil {
		return nil, err
	}
	frameBytes := 2 * c.SamplesPerFrame()
	if rem := len(pcm) % frameBytes; rem != 0 {
		pcm = append(pcm, make([]byte, frameBytes-rem)...)
	}
	encoded, err := c.Encode(pcm)
	if err != nil {
		return nil, err
	}
	step := c.SamplesPerFrame()
	var frames [][]byte
	for off := 0; off < len(encoded); off += step {
		frames = append(frames, encoded[off:off+step])
	}
	return frames, nil
}

// InBandSender plays DTMF digits as audio in the voice stream, for peers
// that did not negotiate telephone-event.
type InBandSender struct {
	out   *Sender
	codec Codec
	pace  time.Duration
}

// NewInBandSender writes tones with codec c.
func NewInBandSender(out *Sender, c Codec) *InBandSender {
	return &InBandSender{out: out, codec: c, pace: c.FrameDur}
}

// Send plays digit for d, pacing frames in real time.
func (s *InBandSender) Send(digit rune, d time.Duration) error {
	frames, err := ToneFrames(digit, d, s.codec)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if err := s.out.WriteFrame(s.codec, f, i == 0); err != nil {
			return fmt.Errorf("send tone frame: %w", err)
		}
		if s.pace > 0 {
			time.Sleep(s.pace)
		}
	}
	return nil
}
