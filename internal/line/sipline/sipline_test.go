package sipline

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/linemux/internal/media"
	"github.com/sebas/linemux/internal/phone"
)

type recorder struct {
	mu  sync.Mutex
	evs []phone.Event
}

func (r *recorder) PostLineEvent(ev phone.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) kinds() []phone.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]phone.EventKind, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Kind
	}
	return out
}

func TestSDPOfferAnswer(t *testing.T) {
	body, err := buildSDP(offer{
		Addr:      "192.0.2.10",
		Port:      40000,
		Codecs:    media.SupportedCodecs,
		EventPT:   101,
		Direction: dirSendOnly,
	}, 42, 2)
	if err != nil {
		t.Fatalf("buildSDP() error = %v", err)
	}
	text := string(body)
	for _, want := range []string{"m=audio 40000 RTP/AVP 0 8 101", "a=rtpmap:101 telephone-event/8000", "a=sendonly", "c=IN IP4 192.0.2.10"} {
		if !strings.Contains(text, want) {
			t.Errorf("SDP missing %q:\n%s", want, text)
		}
	}

	got, err := parseSDP(body)
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	if got.Addr != "192.0.2.10" || got.Port != 40000 {
		t.Errorf("parseSDP() endpoint = %s:%d, want 192.0.2.10:40000", got.Addr, got.Port)
	}
	if got.EventPT != 101 {
		t.Errorf("EventPT = %d, want 101", got.EventPT)
	}
	if got.Direction != dirSendOnly {
		t.Errorf("Direction = %q, want %q", got.Direction, dirSendOnly)
	}
	if len(got.Codecs) != 2 || got.Codecs[0].Name != "PCMU" {
		t.Errorf("Codecs = %v, want PCMU, PCMA", got.Codecs)
	}
}

func TestParseSDPPeerOffer(t *testing.T) {
	// PCMA preferred, static PCMU without rtpmap, an unknown codec, no
	// telephone-event and the direction at session level.
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"a=inactive\r\n" +
		"m=audio 5004 RTP/AVP 8 96 0\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:96 opus/48000/2\r\n"

	got, err := parseSDP([]byte(body))
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	if got.EventPT != 0 {
		t.Errorf("EventPT = %d, want 0", got.EventPT)
	}
	if got.Direction != dirInactive {
		t.Errorf("Direction = %q, want %q", got.Direction, dirInactive)
	}
	codec, err := negotiate(got, media.SupportedCodecs)
	if err != nil {
		t.Fatalf("negotiate() error = %v", err)
	}
	if codec != media.CodecPCMA {
		t.Errorf("negotiate() = %s, want PCMA", codec.Name)
	}

	if _, err := negotiate(offer{}, media.SupportedCodecs); !errors.Is(err, errNoCommonCodec) {
		t.Errorf("negotiate(empty) error = %v, want errNoCommonCodec", err)
	}
	if _, err := parseSDP(nil); err == nil {
		t.Error("parseSDP(nil) error = nil")
	}
}

func TestAnswerDirection(t *testing.T) {
	tests := []struct {
		offer, answer string
		hold          bool
	}{
		{dirSendRecv, dirSendRecv, false},
		{dirSendOnly, dirRecvOnly, true},
		{dirRecvOnly, dirSendOnly, false},
		{dirInactive, dirInactive, true},
	}
	for _, tt := range tests {
		if got := answerDirection(tt.offer); got != tt.answer {
			t.Errorf("answerDirection(%q) = %q, want %q", tt.offer, got, tt.answer)
		}
		if got := isHold(tt.offer); got != tt.hold {
			t.Errorf("isHold(%q) = %v, want %v", tt.offer, got, tt.hold)
		}
	}
}

func TestCauseForStatus(t *testing.T) {
	tests := []struct {
		code int
		want phone.DisconnectCause
	}{
		{486, phone.CauseBusy},
		{404, phone.CauseInvalidNumber},
		{484, phone.CauseInvalidNumber},
		{503, phone.CauseCongestion},
		{502, phone.CauseCongestion},
		{603, phone.CauseIncomingRejected},
		{408, phone.CauseError},
	}
	for _, tt := range tests {
		if got := causeForStatus(tt.code); got != tt.want {
			t.Errorf("causeForStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestTargetURI(t *testing.T) {
	u, err := targetURI("5551234", "pbx.example.net:5070")
	if err != nil {
		t.Fatalf("targetURI() error = %v", err)
	}
	if u.User != "5551234" || u.Host != "pbx.example.net" || u.Port != 5070 {
		t.Errorf("targetURI() = %+v", u)
	}
	if got := hostPort(u); got != "pbx.example.net:5070" {
		t.Errorf("hostPort() = %q", got)
	}

	u, err = targetURI("alice@198.51.100.2", "")
	if err != nil {
		t.Fatalf("targetURI(user@host) error = %v", err)
	}
	if got := hostPort(u); got != "198.51.100.2:5060" {
		t.Errorf("hostPort() = %q, want default port", got)
	}

	if _, err := targetURI("5551234", ""); err == nil {
		t.Error("targetURI() without proxy error = nil")
	}
}

func inboundInvite(t *testing.T) *sip.Request {
	t.Helper()
	var ruri, from, contact sip.Uri
	if err := sip.ParseUri("sip:linemux@192.0.2.1:5060", &ruri); err != nil {
		t.Fatal(err)
	}
	if err := sip.ParseUri("sip:bob@198.51.100.9", &from); err != nil {
		t.Fatal(err)
	}
	if err := sip.ParseUri("sip:bob@198.51.100.9:5070", &contact); err != nil {
		t.Fatal(err)
	}
	req := sip.NewRequest(sip.INVITE, ruri)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "bobtag")
	req.AppendHeader(&sip.FromHeader{Address: from, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: ruri, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	return req
}

func TestInboundDialogBYE(t *testing.T) {
	d := newInboundDialog(inboundInvite(t), "ourtag")
	if d.callID != "call-1" || d.remoteTag != "bobtag" {
		t.Fatalf("dialog = %q/%q, want call-1/bobtag", d.callID, d.remoteTag)
	}

	var contact sip.Uri
	sip.ParseUri("sip:linemux@192.0.2.1:5060", &contact)
	bye := d.request(sip.BYE, contact)

	if bye.Method != sip.BYE {
		t.Errorf("Method = %s, want BYE", bye.Method)
	}
	if got := bye.Recipient.Host; got != "198.51.100.9" || bye.Recipient.Port != 5070 {
		t.Errorf("Recipient = %s:%d, want the remote contact", got, bye.Recipient.Port)
	}
	if tag, _ := bye.From().Params.Get("tag"); tag != "ourtag" {
		t.Errorf("From tag = %q, want ourtag", tag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "bobtag" {
		t.Errorf("To tag = %q, want bobtag", tag)
	}
	if bye.From().Address.User != "linemux" || bye.To().Address.User != "bob" {
		t.Errorf("From/To = %s/%s, want swapped INVITE parties", bye.From().Address.User, bye.To().Address.User)
	}
	if got := bye.CSeq().SeqNo; got != 8 {
		t.Errorf("CSeq = %d, want 8", got)
	}
	if got := bye.Destination(); got != "198.51.100.9:5070" {
		t.Errorf("Destination = %q", got)
	}

	if !d.beginReinvite() {
		t.Fatal("beginReinvite() = false on idle dialog")
	}
	if d.beginReinvite() {
		t.Error("second beginReinvite() = true")
	}
	d.endReinvite()
	if !d.beginReinvite() {
		t.Error("beginReinvite() after endReinvite = false")
	}
}

func newTestLine(t *testing.T) (*Line, *recorder) {
	t.Helper()
	l, err := New(Config{ID: "sip1", ListenAddr: "127.0.0.1:0", Proxy: "127.0.0.1:5999"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	r := &recorder{}
	l.Subscribe(r)
	return l, r
}

func TestNewLineIsOutOfService(t *testing.T) {
	l, _ := newTestLine(t)
	if got := l.Kind(); got != phone.KindPacketVoice {
		t.Errorf("Kind() = %s, want sip", got)
	}
	if got := l.Capabilities(); got.MaxCalls != 2 || got.Conference || got.Transfer {
		t.Errorf("Capabilities() = %+v", got)
	}
	if got := l.ServiceState(); got != phone.ServiceOutOfService {
		t.Errorf("ServiceState() = %s, want OUT_OF_SERVICE", got)
	}
	if got := l.State(); got != phone.StateIdle {
		t.Errorf("State() = %s, want IDLE", got)
	}
	if _, err := l.Dial("5551234"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Dial() error = %v, want ErrUnavailable", err)
	}
	if err := l.AcceptCall(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("AcceptCall() error = %v, want ErrUnavailable", err)
	}
	if err := l.SendDTMF('1'); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("SendDTMF() error = %v, want ErrNoActiveCall", err)
	}
}

func TestUnsupportedServices(t *testing.T) {
	l, r := newTestLine(t)
	if _, err := l.Dial("2"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Dial(\"2\") error = %v, want ErrNotSupported", err)
	}
	if err := l.Conference(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Conference() error = %v, want ErrNotSupported", err)
	}
	if err := l.ExplicitCallTransfer(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("ExplicitCallTransfer() error = %v, want ErrNotSupported", err)
	}
	kinds := r.kinds()
	if len(kinds) != 2 || kinds[0] != phone.EventSuppServiceFailed || kinds[1] != phone.EventSuppServiceFailed {
		t.Errorf("events = %v, want two supp_service_failed", kinds)
	}
	if err := l.Hangup(phone.NewCall("other", phone.SlotForeground)); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Hangup(foreign) error = %v, want ErrUnknownCall", err)
	}
}

func TestTransportLost(t *testing.T) {
	l, r := newTestLine(t)
	l.setService(phone.ServiceInService)

	conn := phone.NewConnection("5551234", false)
	l.mu.Lock()
	l.fg.Attach(conn, phone.CallActive)
	l.mu.Unlock()

	l.transportLost()

	if got := l.ForegroundCall().State(); got != phone.CallDisconnected {
		t.Errorf("foreground state = %s, want DISCONNECTED", got)
	}
	if got := conn.Cause(); got != phone.CauseRadioUnavailable {
		t.Errorf("cause = %s, want RADIO_UNAVAILABLE", got)
	}
	if got := l.ServiceState(); got != phone.ServiceOutOfService {
		t.Errorf("ServiceState() = %s, want OUT_OF_SERVICE", got)
	}
	kinds := r.kinds()
	if kinds[len(kinds)-1] != phone.EventRadioUnavailable {
		t.Errorf("last event = %s, want radio_unavailable", kinds[len(kinds)-1])
	}
}

func TestRTPSessionUsesPortPool(t *testing.T) {
	pool := media.NewPortPool(41000, 41009)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rs, err := newRTPSession("127.0.0.1", "127.0.0.1", pool, logger)
	if err != nil {
		t.Fatalf("newRTPSession() error = %v", err)
	}
	if rs.port < 41000 || rs.port > 41008 || rs.port%2 != 0 {
		t.Errorf("port = %d, want an even port in 41000-41008", rs.port)
	}
	if got := pool.Allocated(); got != 1 {
		t.Errorf("Allocated() = %d, want 1", got)
	}

	rs.close()
	if got := pool.Allocated(); got != 0 {
		t.Errorf("Allocated() after close = %d, want 0", got)
	}
}

// answerTx records the responses sent on an inbound INVITE.
type answerTx struct {
	sip.ServerTransaction
	mu        sync.Mutex
	responses []*sip.Response
}

func (tx *answerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

func TestAnswerFailureRejectsInvite(t *testing.T) {
	l, _ := newTestLine(t)
	l.setService(phone.ServiceInService)

	rs, err := newRTPSession("127.0.0.1", "127.0.0.1", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newRTPSession() error = %v", err)
	}
	req := inboundInvite(t)
	tx := &answerTx{}
	conn := phone.NewConnection("bob", true)
	// An offer without codecs fails negotiation before the 200 OK.
	s := &session{
		conn:      conn,
		dlg:       newInboundDialog(req, "ourtag"),
		inviteReq: req,
		inviteTx:  tx,
		rtp:       rs,
	}
	l.mu.Lock()
	l.addSessionLocked(s)
	l.ringing.Attach(conn, phone.CallIncoming)
	l.mu.Unlock()

	if err := l.AcceptCall(); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}

	tx.mu.Lock()
	responses := tx.responses
	tx.mu.Unlock()
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if got := responses[0].StatusCode; got != 500 {
		t.Errorf("StatusCode = %d, want 500", got)
	}
	if got := l.ForegroundCall().State(); got != phone.CallDisconnected {
		t.Errorf("foreground state = %s, want DISCONNECTED", got)
	}
	if got := conn.Cause(); got != phone.CauseError {
		t.Errorf("cause = %s, want ERROR", got)
	}
}
