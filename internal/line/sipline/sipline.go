// Package sipline is a packet-voice line on SIP and RTP. It keeps the
// same three-call model as a radio line: a ringing call, an active
// foreground call and a held background call. Hold and resume are
// re-INVITEs whose outcome is reported asynchronously.
//
// Conference, explicit transfer and in-call control codes are not
// available on this line kind.
package sipline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/linemux/internal/media"
	"github.com/sebas/linemux/internal/phone"
)

var (
	ErrNoRingingCall = errors.New("no ringing call")
	ErrNoActiveCall  = errors.New("no active call")
	ErrNoHeldCall    = errors.New("no held call")
	ErrCallsFull     = errors.New("no free call slot")
	ErrUnknownCall   = errors.New("call does not belong to this line")
	ErrNotSupported  = errors.New("not supported by line")
	ErrSwitchPending = errors.New("switch already in progress")
	ErrUnavailable   = errors.New("transport unavailable")
)

// Config configures a SIP line.
type Config struct {
	ID string

	// ListenAddr is the local SIP address, host:port.
	ListenAddr string
	// Transport is "udp" or "tcp".
	Transport string
	// AdvertiseAddr is the host put into Contact and SDP.
	AdvertiseAddr string
	// MediaHost is the interface RTP sockets bind to.
	MediaHost string
	// Ports supplies RTP ports. Nil means ephemeral ports. A pool may be
	// shared between lines.
	Ports *media.PortPool

	// Proxy receives calls to plain numbers, host:port.
	Proxy       string
	User        string
	DisplayName string

	// DTMFDuration is the tone length for SendDTMF and in-band tones.
	DTMFDuration time.Duration
	// RequestTimeout bounds BYE, CANCEL and re-INVITE transactions.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5060"
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "127.0.0.1"
	}
	if c.MediaHost == "" {
		c.MediaHost = "0.0.0.0"
	}
	if c.User == "" {
		c.User = "linemux"
	}
	if c.DTMFDuration == 0 {
		c.DTMFDuration = 150 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Line is a SIP line. It is safe for concurrent use.
type Line struct {
	cfg     Config
	logger  *slog.Logger
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	contact sip.Uri

	mu        sync.Mutex
	ringing   *phone.Call
	fg        *phone.Call
	bg        *phone.Call
	sessions  map[*phone.Connection]*session
	byCallID  map[string]*session
	service   phone.ServiceState
	muted     bool
	switching bool
	toneOn    *session
	sinks     []phone.Sink
}

var _ phone.Line = (*Line)(nil)

// New creates the SIP user agent. The line is out of service until Run
// starts listening.
func New(cfg Config) (*Line, error) {
	cfg.setDefaults()

	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("linemux"))
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create SIP server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create SIP client: %w", err)
	}

	l := &Line{
		cfg:    cfg,
		logger: cfg.Logger.With("line", cfg.ID),
		ua:     ua,
		srv:    srv,
		client: client,
		contact: sip.Uri{
			Scheme: "sip",
			User:   cfg.User,
			Host:   cfg.AdvertiseAddr,
			Port:   port,
		},
		ringing:  phone.NewCall(cfg.ID, phone.SlotRinging),
		fg:       phone.NewCall(cfg.ID, phone.SlotForeground),
		bg:       phone.NewCall(cfg.ID, phone.SlotBackground),
		sessions: make(map[*phone.Connection]*session),
		byCallID: make(map[string]*session),
		service:  phone.ServiceOutOfService,
	}

	srv.OnRequest(sip.INVITE, l.onInvite)
	srv.OnRequest(sip.ACK, l.onAck)
	srv.OnRequest(sip.BYE, l.onBye)
	srv.OnRequest(sip.CANCEL, l.onCancel)
	return l, nil
}

// Run serves SIP until ctx is done. A transport failure takes the line
// out of service and is reported as EventRadioUnavailable.
func (l *Line) Run(ctx context.Context) error {
	l.setService(phone.ServiceInService)
	l.logger.Info("[SipLine] Listening", "transport", l.cfg.Transport, "addr", l.cfg.ListenAddr)

	err := l.srv.ListenAndServe(ctx, l.cfg.Transport, l.cfg.ListenAddr)
	if ctx.Err() != nil {
		l.HangupAll()
		l.setService(phone.ServiceOutOfService)
		return nil
	}
	if err == nil {
		err = errors.New("listener stopped")
	}
	l.logger.Error("[SipLine] Transport failed", "error", err)
	l.transportLost()
	return fmt.Errorf("serve SIP: %w", err)
}

// Close releases the user agent.
func (l *Line) Close() error {
	return l.ua.Close()
}

func (l *Line) ID() string       { return l.cfg.ID }
func (l *Line) Kind() phone.Kind { return phone.KindPacketVoice }

func (l *Line) Capabilities() phone.Capabilities {
	return phone.Capabilities{MaxCalls: 2}
}

func (l *Line) State() phone.PhoneState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return phone.LineState(l.ringing, l.fg, l.bg)
}

func (l *Line) ServiceState() phone.ServiceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.service
}

func (l *Line) RingingCall() *phone.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ringing
}

func (l *Line) ForegroundCall() *phone.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fg
}

func (l *Line) BackgroundCall() *phone.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bg
}

func (l *Line) Subscribe(sink phone.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sinks {
		if s == sink {
			return
		}
	}
	l.sinks = append(l.sinks, sink)
}

func (l *Line) Unsubscribe(sink phone.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sinks {
		if s == sink {
			l.sinks = append(l.sinks[:i:i], l.sinks[i+1:]...)
			return
		}
	}
}

// emit must be called without l.mu held.
func (l *Line) emit(evs []phone.Event) {
	if len(evs) == 0 {
		return
	}
	l.mu.Lock()
	sinks := make([]phone.Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	now := time.Now()
	for _, ev := range evs {
		ev.LineID = l.cfg.ID
		ev.Time = now
		for _, s := range sinks {
			s.PostLineEvent(ev)
		}
	}
}

func stateChanged(c *phone.Call) phone.Event {
	return phone.Event{Kind: phone.EventPreciseCallStateChanged, Call: c}
}

func (l *Line) setService(s phone.ServiceState) {
	l.mu.Lock()
	if l.service == s {
		l.mu.Unlock()
		return
	}
	l.service = s
	l.mu.Unlock()
	l.emit([]phone.Event{{Kind: phone.EventServiceStateChanged, ServiceState: s}})
}

func (l *Line) checkUsableLocked() error {
	if l.service != phone.ServiceInService {
		return ErrUnavailable
	}
	return nil
}

func (l *Line) addSessionLocked(s *session) {
	l.sessions[s.conn] = s
	l.byCallID[s.dlg.callID] = s
}

// dropSessionLocked forgets s and returns it for closing outside the lock.
func (l *Line) dropSessionLocked(s *session) *session {
	delete(l.sessions, s.conn)
	delete(l.byCallID, s.dlg.callID)
	if l.toneOn == s {
		l.toneOn = nil
	}
	return s
}

// sessionOfLocked returns the session of c's first connection.
func (l *Line) sessionOfLocked(c *phone.Call) *session {
	for _, conn := range c.Connections() {
		if s, ok := l.sessions[conn]; ok {
			return s
		}
	}
	return nil
}

// disconnectLocked ends c and forgets its sessions. The returned
// sessions still need their signalling finished and media closed.
func (l *Line) disconnectLocked(c *phone.Call, cause phone.DisconnectCause) ([]phone.Event, []*session) {
	var evs []phone.Event
	var ended []*session
	for _, conn := range c.Disconnect(cause) {
		evs = append(evs, phone.Event{Kind: phone.EventDisconnect, Call: c, Connection: conn, Cause: cause})
		if s, ok := l.sessions[conn]; ok {
			ended = append(ended, l.dropSessionLocked(s))
		}
	}
	if len(evs) > 0 {
		evs = append(evs, stateChanged(c))
	}
	return evs, ended
}

// swapLocked exchanges the foreground and background calls and their
// states. Signalling is the caller's job.
func (l *Line) swapLocked() []phone.Event {
	if !l.fg.IsAlive() {
		l.fg.Clear()
	}
	if !l.bg.IsAlive() {
		l.bg.Clear()
	}
	l.fg, l.bg = l.bg, l.fg
	l.fg.SetSlot(phone.SlotForeground)
	l.bg.SetSlot(phone.SlotBackground)

	var evs []phone.Event
	if l.bg.IsAlive() {
		l.bg.SetState(phone.CallHolding)
		evs = append(evs, stateChanged(l.bg))
	}
	if l.fg.IsAlive() {
		l.fg.SetState(phone.CallActive)
		evs = append(evs, stateChanged(l.fg))
	}
	return evs
}

// Dial sends an INVITE. An active call is put on hold first.
func (l *Line) Dial(number string) (*phone.Connection, error) {
	if phone.IsInCallControlCode(number) {
		return nil, fmt.Errorf("in-call code %q: %w", number, ErrNotSupported)
	}
	conn := phone.NewConnection(number, false)
	target, err := targetURI(conn.Address(), l.cfg.Proxy)
	if err != nil {
		return nil, err
	}
	rs, err := newRTPSession(l.cfg.MediaHost, l.cfg.AdvertiseAddr, l.cfg.Ports, l.logger)
	if err != nil {
		return nil, err
	}
	body, err := rs.localOffer(media.SupportedCodecs, dirSendRecv)
	if err != nil {
		rs.close()
		return nil, err
	}
	req := l.newInvite(target, body)

	l.mu.Lock()
	if err := l.checkUsableLocked(); err != nil {
		l.mu.Unlock()
		rs.close()
		return nil, err
	}
	if l.ringing.IsRinging() {
		l.mu.Unlock()
		rs.close()
		return nil, fmt.Errorf("dial while ringing: %w", ErrCallsFull)
	}
	var evs []phone.Event
	var hold *session
	if l.fg.IsAlive() {
		if l.fg.State() != phone.CallActive || l.bg.IsAlive() {
			l.mu.Unlock()
			rs.close()
			return nil, ErrCallsFull
		}
		hold = l.sessionOfLocked(l.fg)
		evs = append(evs, l.swapLocked()...)
	}
	if !l.fg.IsIdle() {
		l.fg.Clear()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, dlg: newOutboundDialog(req), cancelInvite: cancel, rtp: rs}
	l.addSessionLocked(s)
	l.fg.Attach(conn, phone.CallDialing)
	evs = append(evs, stateChanged(l.fg))
	l.mu.Unlock()

	l.logger.Info("[SipLine] Dialing", "number", conn.Address(), "call_id", s.dlg.callID)
	l.emit(evs)
	if hold != nil {
		go l.holdQuietly(hold)
	}
	go l.runInvite(ctx, s, req)
	return conn, nil
}

func (l *Line) newInvite(target sip.Uri, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	from := sip.Uri{Scheme: "sip", User: l.cfg.User, Host: l.contact.Host, Port: l.contact.Port}
	req.AppendHeader(&sip.FromHeader{DisplayName: l.cfg.DisplayName, Address: from, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: l.contact})

	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)
	req.SetDestination(hostPort(target))
	return req
}

// AcceptCall answers the ringing call with 200 OK. An active call is put
// on hold.
func (l *Line) AcceptCall() error {
	l.mu.Lock()
	evs, ans, err := l.acceptLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.emit(evs)
	l.finishAccept(ans)
	return nil
}

// pendingAnswer is the signalling left to do after acceptLocked.
type pendingAnswer struct {
	s    *session
	tx   sip.ServerTransaction
	req  *sip.Request
	hold *session
}

func (l *Line) acceptLocked() ([]phone.Event, pendingAnswer, error) {
	var ans pendingAnswer
	if err := l.checkUsableLocked(); err != nil {
		return nil, ans, err
	}
	if !l.ringing.IsRinging() {
		return nil, ans, ErrNoRingingCall
	}
	s := l.sessionOfLocked(l.ringing)
	if s == nil || s.inviteTx == nil {
		return nil, ans, ErrNoRingingCall
	}
	var evs []phone.Event
	if l.fg.IsAlive() {
		if l.bg.IsAlive() {
			return nil, ans, ErrCallsFull
		}
		if l.fg.State() == phone.CallActive {
			ans.hold = l.sessionOfLocked(l.fg)
		}
		evs = append(evs, l.swapLocked()...)
	}
	if !l.fg.IsIdle() {
		l.fg.Clear()
	}
	l.fg.TakeFrom(l.ringing, phone.CallActive)
	for _, c := range l.fg.Connections() {
		c.MarkConnected()
	}
	ans.s, ans.tx, ans.req = s, s.inviteTx, s.inviteReq
	s.inviteTx, s.inviteReq = nil, nil
	evs = append(evs, stateChanged(l.fg))
	return evs, ans, nil
}

// finishAccept sends the 200 OK and starts media. If that fails the call
// is torn down again.
func (l *Line) finishAccept(ans pendingAnswer) {
	if ans.s == nil {
		return
	}
	if ans.hold != nil {
		go l.holdQuietly(ans.hold)
	}
	s := ans.s
	answered := false
	err := func() error {
		codec, err := negotiate(s.remote, media.SupportedCodecs)
		if err != nil {
			return err
		}
		body, err := s.rtp.localOffer([]media.Codec{codec}, answerDirection(s.remote.Direction))
		if err != nil {
			return err
		}
		if err := ans.tx.Respond(l.okResponse(ans.req, s.dlg.localTag, body)); err != nil {
			return fmt.Errorf("send 200 OK: %w", err)
		}
		answered = true
		return s.rtp.start(s.remote, codec)
	}()
	if err != nil {
		l.logger.Error("[SipLine] Answer failed", "call_id", s.dlg.callID, "error", err)
		if !answered {
			if rerr := ans.tx.Respond(l.response(ans.req, 500, "Server Internal Error", s.dlg.localTag, nil)); rerr != nil {
				l.logger.Warn("[SipLine] Failed to reject INVITE", "call_id", s.dlg.callID, "error", rerr)
			}
		}
		l.endSession(s, phone.CauseError, answered)
		return
	}
	l.logger.Info("[SipLine] Call answered", "call_id", s.dlg.callID)
}

// RejectCall declines the ringing call with 603.
func (l *Line) RejectCall() error {
	l.mu.Lock()
	if !l.ringing.IsRinging() {
		l.mu.Unlock()
		return ErrNoRingingCall
	}
	evs, ended := l.disconnectLocked(l.ringing, phone.CauseIncomingRejected)
	l.mu.Unlock()
	l.emit(evs)
	l.finish(ended)
	return nil
}

// SwitchHoldingAndActive holds the active call and resumes the held one,
// or answers a waiting call. The swap happens once the re-INVITEs
// succeed; a failed hold raises SuppServiceFailed.
func (l *Line) SwitchHoldingAndActive() error {
	l.mu.Lock()
	if err := l.checkUsableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.switching {
		l.mu.Unlock()
		return ErrSwitchPending
	}
	if l.ringing.IsRinging() && !l.bg.IsAlive() {
		evs, ans, err := l.acceptLocked()
		l.mu.Unlock()
		if err != nil {
			return err
		}
		l.emit(evs)
		l.finishAccept(ans)
		return nil
	}
	if l.fg.State() != phone.CallActive && l.bg.State() != phone.CallHolding {
		l.mu.Unlock()
		return ErrNoActiveCall
	}
	var hold, resume *session
	if l.fg.State() == phone.CallActive {
		hold = l.sessionOfLocked(l.fg)
	}
	if l.bg.State() == phone.CallHolding {
		resume = l.sessionOfLocked(l.bg)
	}
	l.switching = true
	l.mu.Unlock()

	go l.runSwitch(hold, resume)
	return nil
}

func (l *Line) runSwitch(hold, resume *session) {
	if hold != nil {
		if err := l.reinvite(hold, dirSendOnly); err != nil {
			l.logger.Warn("[SipLine] Hold failed", "call_id", hold.dlg.callID, "error", err)
			l.mu.Lock()
			l.switching = false
			l.mu.Unlock()
			l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppSwitch}})
			return
		}
	}
	var evs []phone.Event
	if resume != nil {
		if err := l.reinvite(resume, dirSendRecv); err != nil {
			l.logger.Warn("[SipLine] Resume failed", "call_id", resume.dlg.callID, "error", err)
			evs = append(evs, phone.Event{Kind: phone.EventSuppServiceFailed, Service: phone.SuppResume})
		}
	}
	l.mu.Lock()
	l.switching = false
	evs = append(l.swapLocked(), evs...)
	l.mu.Unlock()
	l.emit(evs)
}

// holdQuietly holds a call that was already moved to the background.
func (l *Line) holdQuietly(s *session) {
	if s == nil {
		return
	}
	if err := l.reinvite(s, dirSendOnly); err != nil {
		l.logger.Warn("[SipLine] Hold failed", "call_id", s.dlg.callID, "error", err)
		l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppHold}})
	}
}

// Conference is not available on SIP lines.
func (l *Line) Conference() error {
	l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppConference}})
	return ErrNotSupported
}

// ExplicitCallTransfer is not available on SIP lines.
func (l *Line) ExplicitCallTransfer() error {
	l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppTransfer}})
	return ErrNotSupported
}

// Hangup ends one of the line's calls: 603 for a ringing call, CANCEL
// while dialing, BYE otherwise. The held call is not resumed.
func (l *Line) Hangup(call *phone.Call) error {
	l.mu.Lock()
	var cause phone.DisconnectCause
	switch call {
	case l.ringing:
		cause = phone.CauseIncomingRejected
	case l.fg, l.bg:
		cause = phone.CauseLocal
	default:
		l.mu.Unlock()
		return ErrUnknownCall
	}
	if !call.IsAlive() {
		l.mu.Unlock()
		return fmt.Errorf("hangup %s call: %w", call.State(), ErrNoActiveCall)
	}
	evs, ended := l.disconnectLocked(call, cause)
	l.mu.Unlock()
	l.emit(evs)
	l.finish(ended)
	return nil
}

// HangupAll ends every call on the line.
func (l *Line) HangupAll() error {
	l.mu.Lock()
	evs, ended := l.disconnectLocked(l.ringing, phone.CauseIncomingRejected)
	e2, x2 := l.disconnectLocked(l.fg, phone.CauseLocal)
	e3, x3 := l.disconnectLocked(l.bg, phone.CauseLocal)
	l.mu.Unlock()
	l.emit(append(append(evs, e2...), e3...))
	l.finish(append(append(ended, x2...), x3...))
	return nil
}

// ClearDisconnected drops disconnected remnants.
func (l *Line) ClearDisconnected() {
	l.mu.Lock()
	var evs []phone.Event
	for _, c := range []*phone.Call{l.ringing, l.fg, l.bg} {
		if c.State() == phone.CallDisconnected {
			c.Clear()
			evs = append(evs, stateChanged(c))
		}
	}
	l.mu.Unlock()
	l.emit(evs)
}

func (l *Line) SetMute(muted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = muted
}

func (l *Line) Mute() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted
}

func (l *Line) activeSession() (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fg.State() != phone.CallActive {
		return nil, ErrNoActiveCall
	}
	s := l.sessionOfLocked(l.fg)
	if s == nil || !s.answered() {
		return nil, ErrNoActiveCall
	}
	return s, nil
}

// StartDTMF starts a tone as RFC 4733 events, or in-band when the peer
// did not offer telephone-event.
func (l *Line) StartDTMF(digit rune) error {
	s, err := l.activeSession()
	if err != nil {
		return err
	}
	if err := s.rtp.startTone(digit, l.cfg.DTMFDuration); err != nil {
		return err
	}
	l.mu.Lock()
	l.toneOn = s
	l.mu.Unlock()
	return nil
}

// StopDTMF ends the tone started by StartDTMF.
func (l *Line) StopDTMF() error {
	l.mu.Lock()
	s := l.toneOn
	l.toneOn = nil
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.rtp.stopTone()
}

// SendDTMF plays one digit for the configured duration.
func (l *Line) SendDTMF(digit rune) error {
	s, err := l.activeSession()
	if err != nil {
		return err
	}
	return s.rtp.sendTone(digit, l.cfg.DTMFDuration)
}
