package sipline

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

type direction int

const (
	inbound direction = iota
	outbound
)

func (d direction) String() string {
	if d == outbound {
		return "outbound"
	}
	return "inbound"
}

// dialog is the RFC 3261 dialog state needed to send in-dialog requests
// (BYE and re-INVITE) for either side of a call.
type dialog struct {
	mu sync.Mutex

	callID    string
	localTag  string
	remoteTag string
	dir       direction

	invite       *sip.Request
	remoteTarget sip.Uri
	cseq         uint32
	reinviting   bool
}

func newTag() string {
	return uuid.New().String()[:8]
}

// newInboundDialog starts a dialog for a received INVITE. localTag goes
// into the To header of every response.
func newInboundDialog(req *sip.Request, localTag string) *dialog {
	d := &dialog{
		callID:   callIDOf(req),
		localTag: localTag,
		dir:      inbound,
		invite:   req,
	}
	if from := req.From(); from != nil {
		d.remoteTag, _ = from.Params.Get("tag")
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address
		d.remoteTarget.UriParams = sip.NewParams()
	} else if from := req.From(); from != nil {
		d.remoteTarget = from.Address
	}
	return d
}

// newOutboundDialog starts a dialog for an INVITE we send. It is
// confirmed by the 2xx.
func newOutboundDialog(invite *sip.Request) *dialog {
	d := &dialog{
		callID: callIDOf(invite),
		dir:    outbound,
		invite: invite,
		cseq:   1,
	}
	if from := invite.From(); from != nil {
		d.localTag, _ = from.Params.Get("tag")
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	d.remoteTarget = invite.Recipient
	return d
}

// confirm records the remote tag and target from a 2xx to our INVITE.
func (d *dialog) confirm(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
}

// request builds an in-dialog request. From and To are swapped for
// dialogs we did not initiate.
func (d *dialog) request(method sip.RequestMethod, contact sip.Uri) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := sip.NewRequest(method, d.remoteTarget)
	if len(d.invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.invite, req)
	}

	var local, remote sip.Uri
	var localName, remoteName string
	if from, to := d.invite.From(), d.invite.To(); from != nil && to != nil {
		if d.dir == outbound {
			local, localName = from.Address, from.DisplayName
			remote, remoteName = to.Address, to.DisplayName
		} else {
			local, localName = to.Address, to.DisplayName
			remote, remoteName = from.Address, from.DisplayName
		}
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	req.AppendHeader(&sip.FromHeader{DisplayName: localName, Address: local, Params: fromParams})

	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams.Add("tag", d.remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{DisplayName: remoteName, Address: remote, Params: toParams})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: contact})

	req.SetDestination(hostPort(d.remoteTarget))
	return req
}

// beginReinvite reserves the dialog for one re-INVITE transaction.
func (d *dialog) beginReinvite() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reinviting {
		return false
	}
	d.reinviting = true
	return true
}

func (d *dialog) endReinvite() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinviting = false
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func hostPort(u sip.Uri) string {
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return u.Host + ":" + strconv.Itoa(port)
}

// targetURI turns a dialled number into a request URI. A number that
// already names a host is used as is.
func targetURI(number, proxy string) (sip.Uri, error) {
	var u sip.Uri
	s := number
	if !containsRune(number, '@') {
		if proxy == "" {
			return u, fmt.Errorf("no proxy configured to route %q", number)
		}
		s = number + "@" + proxy
	}
	if err := sip.ParseUri("sip:"+s, &u); err != nil {
		return u, fmt.Errorf("invalid target %q: %w", s, err)
	}
	return u, nil
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
