package sipline

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/linemux/internal/media"
	"github.com/sebas/linemux/internal/phone"
)

// postDialPause is the wait for each ',' in a post-dial string.
const postDialPause = 3 * time.Second

// response builds a reply to req carrying our To tag.
func (l *Line) response(req *sip.Request, code int, reason, tag string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, body)
	if to := res.To(); to != nil && tag != "" {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", tag)
		}
	}
	return res
}

func (l *Line) okResponse(req *sip.Request, tag string, body []byte) *sip.Response {
	res := l.response(req, 200, "OK", tag, body)
	res.AppendHeader(&sip.ContactHeader{Address: l.contact})
	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	return res
}

// runInvite drives an outgoing INVITE transaction until a final response
// or until the call is hung up, in which case a CANCEL is sent.
func (l *Line) runInvite(ctx context.Context, s *session, req *sip.Request) {
	tx, err := l.client.TransactionRequest(ctx, req)
	if err != nil {
		l.logger.Error("[SipLine] INVITE failed", "call_id", s.dlg.callID, "error", err)
		l.endSession(s, phone.CauseCongestion, false)
		return
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			if err := l.sendCancel(req); err != nil {
				l.logger.Warn("[SipLine] CANCEL failed", "call_id", s.dlg.callID, "error", err)
			}
			return

		case resp := <-tx.Responses():
			if resp == nil {
				l.endSession(s, phone.CauseError, false)
				return
			}
			code := int(resp.StatusCode)
			l.logger.Debug("[SipLine] INVITE response", "call_id", s.dlg.callID, "status", code)
			switch {
			case code < 180:
			case code < 200:
				l.remoteProgress(s, code == 180 && len(resp.Body()) == 0)
			case code < 300:
				ack := sip.NewAckRequest(req, resp, nil)
				if err := l.client.WriteRequest(ack); err != nil {
					l.logger.Warn("[SipLine] ACK failed", "call_id", s.dlg.callID, "error", err)
				}
				s.dlg.confirm(resp)
				l.remoteAnswered(s, resp)
				return
			default:
				l.logger.Info("[SipLine] Call failed", "call_id", s.dlg.callID, "status", code, "reason", resp.Reason)
				l.endSession(s, causeForStatus(code), false)
				return
			}

		case <-tx.Done():
			l.logger.Warn("[SipLine] INVITE transaction ended", "call_id", s.dlg.callID, "error", tx.Err())
			l.endSession(s, phone.CauseError, false)
			return
		}
	}
}

// causeForStatus maps a final INVITE failure to a disconnect cause.
func causeForStatus(code int) phone.DisconnectCause {
	switch code {
	case 486, 600:
		return phone.CauseBusy
	case 404, 410, 484, 604:
		return phone.CauseInvalidNumber
	case 480, 503:
		return phone.CauseCongestion
	case 603:
		return phone.CauseIncomingRejected
	}
	if code >= 500 {
		return phone.CauseCongestion
	}
	return phone.CauseError
}

func (l *Line) sendCancel(invite *sip.Request) error {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetDestination(invite.Destination())

	_, err := l.request(req)
	return err
}

func (l *Line) sendBye(s *session) {
	res, err := l.request(s.dlg.request(sip.BYE, l.contact))
	if err != nil {
		l.logger.Warn("[SipLine] BYE failed", "call_id", s.dlg.callID, "error", err)
		return
	}
	l.logger.Debug("[SipLine] BYE answered", "call_id", s.dlg.callID, "status", res.StatusCode)
}

// request sends req and waits for its final response.
func (l *Line) request(req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	defer cancel()

	tx, err := l.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, fmt.Errorf("%s: transaction closed", req.Method)
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s: %w", req.Method, tx.Err())
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", req.Method, ctx.Err())
		}
	}
}

// reinvite changes the stream direction of an established call.
func (l *Line) reinvite(s *session, dir string) error {
	if !s.dlg.beginReinvite() {
		return fmt.Errorf("re-INVITE already in progress for %s", s.dlg.callID)
	}
	defer s.dlg.endReinvite()

	body, err := s.rtp.localOffer(media.SupportedCodecs, dir)
	if err != nil {
		return err
	}
	req := s.dlg.request(sip.INVITE, l.contact)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)

	res, err := l.request(req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-INVITE rejected: %d %s", res.StatusCode, res.Reason)
	}
	ack := sip.NewAckRequest(req, res, nil)
	if err := l.client.WriteRequest(ack); err != nil {
		l.logger.Warn("[SipLine] re-INVITE ACK failed", "call_id", s.dlg.callID, "error", err)
	}
	if remote, err := parseSDP(res.Body()); err == nil {
		if codec, err := negotiate(remote, media.SupportedCodecs); err == nil {
			s.rtp.start(remote, codec)
		}
	}
	l.logger.Info("[SipLine] Direction changed", "call_id", s.dlg.callID, "direction", dir)
	return nil
}

func (l *Line) remoteProgress(s *session, ringback bool) {
	l.mu.Lock()
	call := s.conn.Call()
	if _, live := l.sessions[s.conn]; !live || call == nil || call.State() != phone.CallDialing {
		l.mu.Unlock()
		return
	}
	call.SetState(phone.CallAlerting)
	evs := []phone.Event{stateChanged(call)}
	if ringback {
		evs = append(evs, phone.Event{Kind: phone.EventRingbackTone, Call: call, On: true})
	}
	l.mu.Unlock()
	l.emit(evs)
}

func (l *Line) remoteAnswered(s *session, resp *sip.Response) {
	remote, err := parseSDP(resp.Body())
	var codec media.Codec
	if err == nil {
		codec, err = negotiate(remote, media.SupportedCodecs)
	}

	l.mu.Lock()
	cancel := s.cancelInvite
	s.cancelInvite = nil
	_, live := l.sessions[s.conn]
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !live {
		// Hung up while the 2xx was in flight.
		go l.sendBye(s)
		return
	}
	if err != nil {
		l.logger.Error("[SipLine] Unusable answer", "call_id", s.dlg.callID, "error", err)
		l.endSession(s, phone.CauseError, true)
		return
	}

	l.mu.Lock()
	call := s.conn.Call()
	prev := call.State()
	if call == l.fg {
		call.SetState(phone.CallActive)
	} else {
		call.SetState(phone.CallHolding)
	}
	s.conn.MarkConnected()
	post := s.conn.PostDial()
	var evs []phone.Event
	if prev == phone.CallAlerting {
		evs = append(evs, phone.Event{Kind: phone.EventRingbackTone, Call: call, On: false})
	}
	evs = append(evs, stateChanged(call))
	l.mu.Unlock()

	if err := s.rtp.start(remote, codec); err != nil {
		l.logger.Warn("[SipLine] Media start failed", "call_id", s.dlg.callID, "error", err)
	}
	l.logger.Info("[SipLine] Call connected", "call_id", s.dlg.callID, "codec", codec.Name)
	l.emit(evs)
	if call.State() == phone.CallHolding {
		go l.holdQuietly(s)
	}
	if post != "" {
		go l.playPostDial(s, post)
	}
}

// playPostDial sends the post-dial digits. ',' pauses and ';' stops
// until the user continues.
func (l *Line) playPostDial(s *session, post string) {
	for i, ch := range post {
		s.conn.SetPostDial(post[i+len(string(ch)):])
		l.emit([]phone.Event{{Kind: phone.EventPostDialCharacter, Call: s.conn.Call(), Connection: s.conn, Char: ch}})
		switch {
		case ch == ',':
			time.Sleep(postDialPause)
		case ch == ';':
			return
		case phone.IsValidDTMF(ch):
			if err := s.rtp.sendTone(ch, l.cfg.DTMFDuration); err != nil {
				return
			}
			time.Sleep(2 * l.cfg.DTMFDuration)
		}
		if !s.conn.IsAlive() {
			return
		}
	}
}

// endSession disconnects the call owning s. bye sends a BYE for a call
// the far end still considers up.
func (l *Line) endSession(s *session, cause phone.DisconnectCause, bye bool) {
	l.mu.Lock()
	call := s.conn.Call()
	if _, live := l.sessions[s.conn]; !live || call == nil {
		l.mu.Unlock()
		s.rtp.close()
		return
	}
	if cause == phone.CauseNormal && call.State().IsDialing() {
		cause = phone.CauseBusy
	}
	evs, ended := l.disconnectLocked(call, cause)
	l.mu.Unlock()

	l.emit(evs)
	for _, e := range ended {
		if bye && e == s {
			go l.sendBye(e)
		}
		e.rtp.close()
	}
}

// finish completes local teardown of sessions dropped by a hangup.
func (l *Line) finish(ended []*session) {
	for _, s := range ended {
		l.mu.Lock()
		cancel, tx, req := s.cancelInvite, s.inviteTx, s.inviteReq
		s.cancelInvite, s.inviteTx, s.inviteReq = nil, nil, nil
		l.mu.Unlock()

		switch {
		case cancel != nil:
			cancel()
		case tx != nil:
			if err := tx.Respond(l.response(req, 603, "Decline", s.dlg.localTag, nil)); err != nil {
				l.logger.Warn("[SipLine] Decline failed", "call_id", s.dlg.callID, "error", err)
			}
		default:
			go l.sendBye(s)
		}
		s.rtp.close()
	}
}

// transportLost ends every call without signalling and takes the line
// out of service.
func (l *Line) transportLost() {
	l.mu.Lock()
	l.service = phone.ServiceOutOfService
	l.switching = false
	l.toneOn = nil
	for _, c := range []*phone.Call{l.ringing, l.fg, l.bg} {
		c.Disconnect(phone.CauseRadioUnavailable)
	}
	sessions := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
		if s.cancelInvite != nil {
			s.cancelInvite()
			s.cancelInvite = nil
		}
	}
	clear(l.sessions)
	clear(l.byCallID)
	l.mu.Unlock()

	for _, s := range sessions {
		s.rtp.close()
	}
	l.emit([]phone.Event{{Kind: phone.EventRadioUnavailable}})
}

func (l *Line) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			l.onReinvite(req, tx, callID)
			return
		}
	}

	remote, err := parseSDP(req.Body())
	if err == nil {
		_, err = negotiate(remote, media.SupportedCodecs)
	}
	if err != nil {
		l.logger.Warn("[SipLine] Rejecting INVITE", "call_id", callID, "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	tag := newTag()
	l.mu.Lock()
	if err := l.checkUsableLocked(); err != nil {
		l.mu.Unlock()
		tx.Respond(l.response(req, 503, "Service Unavailable", tag, nil))
		return
	}
	if _, dup := l.byCallID[callID]; dup {
		l.mu.Unlock()
		return
	}
	if l.ringing.IsRinging() {
		l.mu.Unlock()
		tx.Respond(l.response(req, 486, "Busy Here", tag, nil))
		return
	}
	rs, err := newRTPSession(l.cfg.MediaHost, l.cfg.AdvertiseAddr, l.cfg.Ports, l.logger)
	if err != nil {
		l.mu.Unlock()
		l.logger.Error("[SipLine] No media for incoming call", "call_id", callID, "error", err)
		tx.Respond(l.response(req, 500, "Server Internal Error", tag, nil))
		return
	}

	from := "unknown"
	if h := req.From(); h != nil {
		from = h.Address.User
		if from == "" {
			from = h.Address.Host
		}
	}
	conn := phone.NewConnection(from, true)
	s := &session{
		conn:      conn,
		dlg:       newInboundDialog(req, tag),
		inviteReq: req,
		inviteTx:  tx,
		remote:    remote,
		rtp:       rs,
	}
	l.addSessionLocked(s)

	if !l.ringing.IsIdle() {
		l.ringing.Clear()
	}
	state := phone.CallIncoming
	if l.fg.IsAlive() || l.bg.IsAlive() {
		state = phone.CallWaiting
	}
	l.ringing.Attach(conn, state)
	evs := []phone.Event{
		{Kind: phone.EventNewRingingConnection, Call: l.ringing, Connection: conn},
		stateChanged(l.ringing),
	}
	if state == phone.CallWaiting {
		evs = append(evs, phone.Event{Kind: phone.EventCallWaiting, Call: l.ringing, Connection: conn})
	} else {
		evs = append(evs, phone.Event{Kind: phone.EventIncomingRing, Call: l.ringing, Connection: conn})
	}
	l.mu.Unlock()

	if err := tx.Respond(l.response(req, 180, "Ringing", tag, nil)); err != nil {
		l.logger.Warn("[SipLine] 180 failed", "call_id", callID, "error", err)
	}
	l.logger.Info("[SipLine] Incoming call", "from", from, "call_id", callID, "state", state.String())
	l.emit(evs)
}

// onReinvite answers a hold or resume from the far end.
func (l *Line) onReinvite(req *sip.Request, tx sip.ServerTransaction, callID string) {
	l.mu.Lock()
	s, ok := l.byCallID[callID]
	l.mu.Unlock()
	if !ok || !s.answered() {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	remote, err := parseSDP(req.Body())
	var codec media.Codec
	if err == nil {
		codec, err = negotiate(remote, media.SupportedCodecs)
	}
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	body, err := s.rtp.localOffer([]media.Codec{codec}, answerDirection(remote.Direction))
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}
	if err := tx.Respond(l.okResponse(req, s.dlg.localTag, body)); err != nil {
		l.logger.Warn("[SipLine] re-INVITE answer failed", "call_id", callID, "error", err)
		return
	}
	s.rtp.start(remote, codec)

	l.mu.Lock()
	prevHeld := s.remote.Direction != "" && isHold(s.remote.Direction)
	s.remote = remote
	l.mu.Unlock()
	if held := isHold(remote.Direction); held != prevHeld {
		text := "remote resume"
		if held {
			text = "remote hold"
		}
		l.emit([]phone.Event{{Kind: phone.EventSuppServiceNotification, Call: s.conn.Call(), Connection: s.conn, Text: text}})
	}
}

func (l *Line) onAck(req *sip.Request, _ sip.ServerTransaction) {
	l.logger.Debug("[SipLine] ACK", "call_id", callIDOf(req))
}

func (l *Line) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	l.mu.Lock()
	s, ok := l.byCallID[callID]
	l.mu.Unlock()
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	l.logger.Info("[SipLine] Remote hangup", "call_id", callID)
	l.endSession(s, phone.CauseNormal, false)
}

func (l *Line) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	l.mu.Lock()
	s, ok := l.byCallID[callID]
	var inviteTx sip.ServerTransaction
	var invite *sip.Request
	if ok {
		inviteTx, invite = s.inviteTx, s.inviteReq
		s.inviteTx, s.inviteReq = nil, nil
	}
	l.mu.Unlock()
	if !ok || inviteTx == nil {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	inviteTx.Respond(l.response(invite, 487, "Request Terminated", s.dlg.localTag, nil))
	l.logger.Info("[SipLine] Caller cancelled", "call_id", callID)
	l.endSession(s, phone.CauseIncomingMissed, false)
}
