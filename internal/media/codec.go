// Package media carries the audio plane of packet-voice lines: RTP
// sending with sequence and timestamp state, RFC 4733 telephone events
// and in-band DTMF tones encoded as G.711.
package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec is an RTP audio payload format.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	FrameDur    time.Duration
}

var (
	CodecPCMU           = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}
	CodecPCMA           = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond}
)

// SupportedCodecs lists the voice codecs in order of preference.
var SupportedCodecs = []Codec{CodecPCMU, CodecPCMA}

// SamplesPerFrame is 160 for 8 kHz audio in 20 ms frames.
func (c Codec) SamplesPerFrame() int {
	return int(int64(c.SampleRate) * int64(c.FrameDur) / int64(time.Second))
}

// TimestampIncrement returns the RTP timestamp advance per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Samples converts a duration to timestamp units.
func (c Codec) Samples(d time.Duration) uint32 {
	return uint32(int64(c.SampleRate) * int64(d) / int64(time.Second))
}

// RTPMap returns the SDP rtpmap value, e.g. "0 PCMU/8000".
func (c Codec) RTPMap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate)
}

// Format returns the payload type as it appears in an SDP m= line.
func (c Codec) Format() string {
	return strconv.Itoa(int(c.PayloadType))
}

// Encode converts 16-bit little-endian linear PCM to the codec's
// payload encoding.
func (c Codec) Encode(pcm []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.EncodeUlaw(pcm), nil
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm), nil
	}
	return nil, fmt.Errorf("no encoder for codec %s", c.Name)
}

// CodecByName finds a supported voice codec by its rtpmap name.
func CodecByName(name string) (Codec, bool) {
	for _, c := range SupportedCodecs {
		if c.Name == name {
			return c, true
		}
	}
	return Codec{}, false
}

// CodecByPayloadType finds a supported voice codec by its static
// payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range SupportedCodecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}
