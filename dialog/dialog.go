// Package dialog tracks established SIP dialogs: the peer-to-peer
// state identified by Call-ID and the two tags, the route set learned
// from Record-Route, CSeq bookkeeping, and construction of in-dialog
// requests per RFC 3261 section 12.
package dialog

import (
	"sync"

	"braces.dev/errtrace"

	"github.com/softsip/softsip/internal/util"
	"github.com/softsip/softsip/sip"
)

// State is the dialog lifecycle state.
type State string

const (
	// StateEarly is a dialog created by a provisional response.
	StateEarly State = "early"
	// StateConfirmed is a dialog created or confirmed by a 2xx.
	StateConfirmed State = "confirmed"
	// StateTerminated is a dead dialog.
	StateTerminated State = "terminated"
)

// Role is the side this endpoint played when the dialog formed.
type Role string

const (
	RoleUAC Role = "uac"
	RoleUAS Role = "uas"
)

// Key identifies a dialog: Call-ID plus local and remote tags. An
// early UAC dialog may have an empty remote tag until the first
// tagged response.
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k Key) String() string { return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag }

// Errors of the dialog layer.
const (
	// ErrOutOfOrder is returned when a mid-dialog request does not
	// advance the remote CSeq; the caller answers 500.
	ErrOutOfOrder sip.Error = "out of order in-dialog request"
	// ErrTerminated is returned for operations on a dead dialog.
	ErrTerminated sip.Error = "dialog terminated"
	// ErrNoContact is returned when a dialog-forming message lacks the
	// Contact a route set needs.
	ErrNoContact sip.Error = "dialog-forming message has no Contact"
)

// Dialog is one SIP dialog. All methods are safe for concurrent use.
type Dialog struct {
	mu sync.Mutex

	key   Key
	role  Role
	state State

	localURI  sip.URI
	remoteURI sip.URI

	localTarget  sip.URI
	remoteTarget sip.URI

	// routeSet is ordered for sending: the Record-Route list of the
	// dialog-forming response reversed for UAC, verbatim for UAS.
	routeSet []sip.URI

	localCSeq  uint32
	remoteCSeq uint32
	// inviteCSeq is the CSeq of the INVITE that formed the dialog;
	// ACK and CANCEL reuse it.
	inviteCSeq uint32

	secure bool
}

// NewUAC creates a dialog from a sent INVITE and a received response
// carrying a To tag. The state follows the response class: early for
// 1xx, confirmed for 2xx.
func NewUAC(invite *sip.Request, res *sip.Response) (*Dialog, error) {
	from, ok1 := invite.From()
	to, ok2 := res.To()
	cid, ok3 := invite.CallID()
	cseq, ok4 := invite.CSeq()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}
	localTag, _ := from.Tag()
	remoteTag, _ := to.Tag()

	dlg := &Dialog{
		key:        Key{CallID: string(cid), LocalTag: localTag, RemoteTag: remoteTag},
		role:       RoleUAC,
		state:      StateEarly,
		localCSeq:  cseq.SeqNo,
		inviteCSeq: cseq.SeqNo,
	}
	if res.Status().IsSuccessful() {
		dlg.state = StateConfirmed
	}
	if from.URI != nil {
		dlg.localURI = from.URI.Clone()
	}
	if to.URI != nil {
		dlg.remoteURI = to.URI.Clone()
	}
	if u, ok := invite.URI().(*sip.SIPURI); ok {
		dlg.secure = u.Secure
	}
	if contact, ok := invite.Contact(); ok && contact.URI != nil {
		dlg.localTarget = contact.URI.Clone()
	}
	if contact, ok := res.Contact(); ok && contact.URI != nil {
		dlg.remoteTarget = contact.URI.Clone()
	}

	// RFC 3261 12.1.2: the UAC route set is the Record-Route list in
	// reverse order
	rrs := res.RecordRoutes()
	for i := len(rrs) - 1; i >= 0; i-- {
		if rrs[i].URI != nil {
			dlg.routeSet = append(dlg.routeSet, rrs[i].URI.Clone())
		}
	}
	return dlg, nil
}

// NewUAS creates a dialog from a received INVITE and the tagged
// response being sent for it.
func NewUAS(invite *sip.Request, res *sip.Response) (*Dialog, error) {
	from, ok1 := invite.From()
	to, ok2 := res.To()
	cid, ok3 := invite.CallID()
	cseq, ok4 := invite.CSeq()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errtrace.Wrap(sip.ErrInvalidMessage)
	}
	localTag, _ := to.Tag()
	remoteTag, _ := from.Tag()

	dlg := &Dialog{
		key:        Key{CallID: string(cid), LocalTag: localTag, RemoteTag: remoteTag},
		role:       RoleUAS,
		state:      StateEarly,
		localCSeq:  0,
		remoteCSeq: cseq.SeqNo,
		inviteCSeq: cseq.SeqNo,
	}
	if res.Status().IsSuccessful() {
		dlg.state = StateConfirmed
	}
	if to.URI != nil {
		dlg.localURI = to.URI.Clone()
	}
	if from.URI != nil {
		dlg.remoteURI = from.URI.Clone()
	}
	if u, ok := invite.URI().(*sip.SIPURI); ok {
		dlg.secure = u.Secure
	}
	if contact, ok := res.Contact(); ok && contact.URI != nil {
		dlg.localTarget = contact.URI.Clone()
	}
	if contact, ok := invite.Contact(); ok && contact.URI != nil {
		dlg.remoteTarget = contact.URI.Clone()
	} else {
		return nil, errtrace.Wrap(ErrNoContact)
	}

	// RFC 3261 12.1.1: the UAS route set is the Record-Route list in
	// message order
	for _, rr := range invite.RecordRoutes() {
		if rr.URI != nil {
			dlg.routeSet = append(dlg.routeSet, rr.URI.Clone())
		}
	}
	return dlg, nil
}

func (dlg *Dialog) Key() Key {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.key
}

func (dlg *Dialog) Role() Role { return dlg.role }

func (dlg *Dialog) State() State {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.state
}

// RemoteTarget returns the current remote target URI.
func (dlg *Dialog) RemoteTarget() sip.URI {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteTarget
}

// Confirm moves an early dialog to confirmed, filling the remote tag
// learned from the 2xx and refreshing the remote target.
func (dlg *Dialog) Confirm(res *sip.Response) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.state == StateTerminated {
		return
	}
	dlg.state = StateConfirmed
	if to, ok := res.To(); ok && dlg.role == RoleUAC {
		if tag, ok := to.Tag(); ok {
			dlg.key.RemoteTag = tag
		}
	}
	if contact, ok := res.Contact(); ok && contact.URI != nil {
		dlg.remoteTarget = contact.URI.Clone()
	}
}

// Terminate marks the dialog dead. Further in-dialog requests fail.
func (dlg *Dialog) Terminate() {
	dlg.mu.Lock()
	dlg.state = StateTerminated
	dlg.mu.Unlock()
}

// CheckInbound validates a mid-dialog request against the remote CSeq,
// advancing it on success. ACK and CANCEL are exempt from the strict
// increase rule.
func (dlg *Dialog) CheckInbound(req *sip.Request) error {
	cseq, ok := req.CSeq()
	if !ok {
		return errtrace.Wrap(sip.ErrInvalidMessage)
	}

	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.state == StateTerminated {
		return errtrace.Wrap(ErrTerminated)
	}
	if req.IsAck() || req.Method().Equal(sip.CANCEL) {
		return nil
	}
	if dlg.remoteCSeq != 0 && cseq.SeqNo <= dlg.remoteCSeq {
		return errtrace.Wrap(ErrOutOfOrder)
	}
	dlg.remoteCSeq = cseq.SeqNo
	return nil
}

// NewRequest builds the next in-dialog request per RFC 3261 section
// 12.2.1.1, advancing the local CSeq. ACK and CANCEL must be built
// with NewAck and the transaction layer respectively.
func (dlg *Dialog) NewRequest(method sip.RequestMethod, body []byte) (*sip.Request, error) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.state == StateTerminated {
		return nil, errtrace.Wrap(ErrTerminated)
	}
	dlg.localCSeq++
	return dlg.buildRequest(method, dlg.localCSeq, body), nil
}

// NewAck builds the ACK for a 2xx response to the dialog's INVITE. It
// reuses the INVITE CSeq number and travels end-to-end.
func (dlg *Dialog) NewAck(body []byte) (*sip.Request, error) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.state == StateTerminated {
		return nil, errtrace.Wrap(ErrTerminated)
	}
	return dlg.buildRequest(sip.ACK, dlg.inviteCSeq, body), nil
}

// buildRequest assembles the request with the dialog's identity and
// route set. Callers hold the mutex.
func (dlg *Dialog) buildRequest(method sip.RequestMethod, seqNo uint32, body []byte) *sip.Request {
	uri, routes := dlg.nextHop()

	req := sip.NewRequest(method, uri, nil, nil)

	hop := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Params:          sip.NewParams(),
	}
	hop.SetBranch(sip.GenerateBranch())
	req.AppendHeader(sip.ViaHeader{hop})

	for _, route := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: sip.Address{URI: route.Clone()}})
	}

	from := &sip.FromHeader{Address: sip.Address{URI: dlg.localURI.Clone(), Params: sip.NewParams()}}
	from.SetTag(dlg.key.LocalTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: sip.Address{URI: dlg.remoteURI.Clone(), Params: sip.NewParams()}}
	if dlg.key.RemoteTag != "" {
		to.SetTag(dlg.key.RemoteTag)
	}
	req.AppendHeader(to)

	req.AppendHeader(sip.CallIDHeader(dlg.key.CallID))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seqNo, Method: method})
	req.AppendHeader(sip.MaxForwardsHeader(sip.DefaultMaxForwards))
	if dlg.localTarget != nil {
		req.AppendHeader(&sip.ContactHeader{Address: sip.Address{URI: dlg.localTarget.Clone()}})
	}
	req.SetBody(body, true)
	return req
}

// nextHop applies the strict/loose routing rules: with no route set
// the request goes straight to the remote target; a loose first route
// keeps the remote target in the request-URI; a strict first route
// takes over the request-URI and the remote target goes last.
func (dlg *Dialog) nextHop() (sip.URI, []sip.URI) {
	target := dlg.remoteTarget
	if target == nil {
		// peers that omit Contact on dialog-forming responses still
		// get in-dialog requests at their address of record
		target = dlg.remoteURI
	}

	if len(dlg.routeSet) == 0 {
		return target.Clone(), nil
	}

	first, ok := dlg.routeSet[0].(*sip.SIPURI)
	if ok && first.IsLooseRouter() {
		routes := make([]sip.URI, len(dlg.routeSet))
		for i, r := range dlg.routeSet {
			routes[i] = r.Clone()
		}
		return target.Clone(), routes
	}

	// strict routing
	routes := make([]sip.URI, 0, len(dlg.routeSet))
	for _, r := range dlg.routeSet[1:] {
		routes = append(routes, r.Clone())
	}
	routes = append(routes, target.Clone())
	return dlg.routeSet[0].Clone(), routes
}

// MatchesResponse reports whether a response correlates to this dialog
// via the (Call-ID, local tag, remote tag) triple. Early UAC dialogs
// with no remote tag yet match on Call-ID and local tag alone.
func (dlg *Dialog) MatchesResponse(res *sip.Response) bool {
	cid, ok := res.CallID()
	if !ok {
		return false
	}
	from, ok := res.From()
	if !ok {
		return false
	}
	fromTag, _ := from.Tag()

	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if string(cid) != dlg.key.CallID || fromTag != dlg.key.LocalTag {
		return false
	}
	if dlg.key.RemoteTag == "" {
		return true
	}
	to, ok := res.To()
	if !ok {
		return false
	}
	toTag, _ := to.Tag()
	return util.EqFold(toTag, dlg.key.RemoteTag)
}
