package dialog

import (
	"sync"

	"github.com/softsip/softsip/sip"
)

// Table is the concurrent dialog table, keyed by the dialog triple.
type Table struct {
	mu      sync.RWMutex
	dialogs map[Key]*Dialog
}

// NewTable returns an empty dialog table.
func NewTable() *Table {
	return &Table{dialogs: make(map[Key]*Dialog)}
}

// Put stores the dialog under its current key.
func (t *Table) Put(dlg *Dialog) {
	t.mu.Lock()
	t.dialogs[dlg.Key()] = dlg
	t.mu.Unlock()
}

// Rekey moves a dialog stored under an old key (an early dialog
// without a remote tag) to its confirmed key.
func (t *Table) Rekey(old Key, dlg *Dialog) {
	t.mu.Lock()
	delete(t.dialogs, old)
	t.dialogs[dlg.Key()] = dlg
	t.mu.Unlock()
}

// Delete removes the dialog.
func (t *Table) Delete(dlg *Dialog) {
	t.mu.Lock()
	delete(t.dialogs, dlg.Key())
	t.mu.Unlock()
}

// Get returns the dialog stored under key.
func (t *Table) Get(key Key) (*Dialog, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dlg, ok := t.dialogs[key]
	return dlg, ok
}

// MatchRequest finds the dialog an inbound mid-dialog request belongs
// to: local tag is the To tag, remote tag is the From tag.
func (t *Table) MatchRequest(req *sip.Request) (*Dialog, bool) {
	cid, ok := req.CallID()
	if !ok {
		return nil, false
	}
	to, ok := req.To()
	if !ok {
		return nil, false
	}
	from, ok := req.From()
	if !ok {
		return nil, false
	}
	toTag, _ := to.Tag()
	fromTag, _ := from.Tag()
	if toTag == "" {
		return nil, false
	}
	return t.Get(Key{CallID: string(cid), LocalTag: toTag, RemoteTag: fromTag})
}

// MatchResponse finds the dialog an inbound response belongs to.
func (t *Table) MatchResponse(res *sip.Response) (*Dialog, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, dlg := range t.dialogs {
		if dlg.MatchesResponse(res) {
			return dlg, true
		}
	}
	return nil, false
}

// Len returns the number of live dialogs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dialogs)
}
