package sipline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sebas/linemux/internal/media"
)

// Stream directions carried in the audio media attributes.
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

var errNoCommonCodec = errors.New("no common audio codec")

// offer describes an audio stream, ours or the peer's.
type offer struct {
	Addr      string
	Port      int
	Codecs    []media.Codec
	EventPT   uint8 // 0 when telephone-event was not offered
	Direction string
}

// answerDirection is the direction we answer dir with.
func answerDirection(dir string) string {
	switch dir {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	case dirInactive:
		return dirInactive
	default:
		return dirSendRecv
	}
}

// isHold reports whether dir puts the stream on hold from the sender's side.
func isHold(dir string) bool {
	return dir == dirSendOnly || dir == dirInactive
}

// buildSDP renders o. version must grow with every new offer in the
// same session.
func buildSDP(o offer, sessionID, version uint64) ([]byte, error) {
	if len(o.Codecs) == 0 {
		return nil, errNoCommonCodec
	}
	formats := make([]string, 0, len(o.Codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(o.Codecs)+4)
	for _, c := range o.Codecs {
		formats = append(formats, c.Format())
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.RTPMap()})
	}
	if o.EventPT != 0 {
		pt := strconv.Itoa(int(o.EventPT))
		formats = append(formats, pt)
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: pt + " telephone-event/8000"},
			sdp.Attribute{Key: "fmtp", Value: pt + " 0-15"},
		)
	}
	dir := o.Direction
	if dir == "" {
		dir = dirSendRecv
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: strconv.Itoa(int(o.Codecs[0].FrameDur.Milliseconds()))},
		sdp.Attribute{Key: dir},
	)

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "linemux",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: o.Addr,
		},
		SessionName: "linemux",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: o.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: o.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return sd.Marshal()
}

// parseSDP extracts the first audio stream of body. Codecs lists the
// supported codecs the peer offered, in its preference order.
func parseSDP(body []byte) (offer, error) {
	var o offer
	if len(body) == 0 {
		return o, errors.New("empty SDP body")
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return o, fmt.Errorf("parse SDP: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return o, errors.New("no audio stream in SDP")
	}

	o.Port = md.MediaName.Port.Value
	switch {
	case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
		o.Addr = md.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		o.Addr = sd.ConnectionInformation.Address.Address
	default:
		return o, errors.New("no connection address in SDP")
	}

	rtpmap := make(map[string]string)
	o.Direction = dirSendRecv
	for _, a := range sd.Attributes {
		if isDirection(a.Key) {
			o.Direction = a.Key
		}
	}
	for _, a := range md.Attributes {
		switch {
		case a.Key == "rtpmap":
			pt, enc, ok := strings.Cut(a.Value, " ")
			if ok {
				rtpmap[pt] = enc
			}
		case isDirection(a.Key):
			o.Direction = a.Key
		}
	}

	for _, f := range md.MediaName.Formats {
		enc, mapped := rtpmap[f]
		if mapped && strings.HasPrefix(strings.ToLower(enc), "telephone-event/") {
			if pt, err := strconv.Atoi(f); err == nil {
				o.EventPT = uint8(pt)
			}
			continue
		}
		if mapped {
			name, _, _ := strings.Cut(enc, "/")
			if c, ok := media.CodecByName(name); ok {
				o.Codecs = append(o.Codecs, c)
			}
			continue
		}
		// Static payload types may come without rtpmap.
		if pt, err := strconv.Atoi(f); err == nil {
			if c, ok := media.CodecByPayloadType(uint8(pt)); ok {
				o.Codecs = append(o.Codecs, c)
			}
		}
	}
	return o, nil
}

func isDirection(key string) bool {
	switch key {
	case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
		return true
	}
	return false
}

// negotiate picks the peer's most preferred codec that we support.
func negotiate(remote offer, supported []media.Codec) (media.Codec, error) {
	for _, rc := range remote.Codecs {
		for _, c := range supported {
			if rc.PayloadType == c.PayloadType {
				return c, nil
			}
		}
	}
	return media.Codec{}, errNoCommonCodec
}
