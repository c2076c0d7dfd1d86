/*
Package imapengine implements the FETCH and STORE semantics of IMAP on the
account store: mapping client sequence numbers and UIDs to messages, projecting
message attributes from stored structure trees, and changing message labels
with optimistic concurrency.

A Session is used by a single goroutine. Sessions of the same account
coordinate only through the store: conditional writes of label sets, the
change log, and state change broadcasts.
*/
package imapengine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/store"
)

var pkglog = mlog.New("imapengine", nil)

// Checker tells whether a session may access a mailbox. Access control is
// computed elsewhere.
type Checker interface {
	MayRead(mailboxID int64) bool
	MayModify(mailboxID int64) bool
}

// AllowAll is a Checker that permits everything.
type AllowAll struct{}

func (AllowAll) MayRead(mailboxID int64) bool   { return true }
func (AllowAll) MayModify(mailboxID int64) bool { return true }

// Session is the state of a client of an account: its enabled extensions and
// the selected mailbox.
type Session struct {
	ID  uuid.UUID
	Cid int64

	log  mlog.Log
	acc  *store.Account
	comm *store.Comm
	acl  Checker

	// Enabled extensions. CONDSTORE is also enabled by using a modseq in a
	// command. QRESYNC implies CONDSTORE.
	Condstore bool
	Qresync   bool

	sel *Selected

	// If set, called before each attempt to write a label change. For tests.
	beforeCAS func(id store.MessageID, attempt int)
}

// NewSession starts a session on an account and registers it for state
// change broadcasts. Close must be called.
func NewSession(log mlog.Log, acc *store.Account, acl Checker) *Session {
	cid := mox.Cid()
	id := uuid.New()
	if acl == nil {
		acl = AllowAll{}
	}
	return &Session{
		ID:   id,
		Cid:  cid,
		log:  log.WithPkg("imapengine").WithCid(cid).With(slog.String("session", id.String()), slog.String("account", acc.Name)),
		acc:  acc,
		comm: store.RegisterComm(acc),
		acl:  acl,
	}
}

// Close unregisters the session.
func (s *Session) Close() {
	s.comm.Unregister()
	s.sel = nil
}

// Account returns the account of the session.
func (s *Session) Account() *store.Account {
	return s.acc
}

// Selected returns the selected mailbox, nil if none.
func (s *Session) Selected() *Selected {
	return s.sel
}

// Unselect closes the selected mailbox.
func (s *Session) Unselect() {
	s.sel = nil
}

// Selected is the state of a mailbox selected in a session: the messages with
// their sequence numbers, and the modseq up to which changes have been applied.
type Selected struct {
	Mailbox  store.Mailbox
	ReadOnly bool

	// UIDs in ascending order, the sequence number of a message is its index + 1.
	uids []store.UID
	ids  []store.MessageID

	modseq store.ModSeq // Changes up to and including modseq are applied.
}

// Address is a message in the selected mailbox as seen by a client.
type Address struct {
	Seq uint32
	UID store.UID
	ID  store.MessageID
}

// Select makes mailbox name the selected mailbox of the session, with the
// messages currently in it.
func (s *Session) Select(ctx context.Context, name string, readOnly bool) (sel *Selected, rerr error) {
	defer recoverCommand(s.log, "select", &rerr)

	s.sel = nil
	sel = &Selected{ReadOnly: readOnly}
	err := s.acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.acc.MailboxFind(tx, name)
		xcheckf(err, "looking up mailbox")
		if mb == nil {
			xusercodeErrorf("NONEXISTENT", "%w", store.ErrUnknownMailbox)
		}
		if !s.acl.MayRead(mb.ID) {
			xusercodeErrorf("NOPERM", "no permission to read mailbox")
		}
		sel.Mailbox = *mb

		l, err := s.acc.MailboxMessages(tx, mb.ID)
		xcheckf(err, "listing messages")
		for _, mm := range l {
			sel.uids = append(sel.uids, mm.UID)
			sel.ids = append(sel.ids, mm.MessageID)
		}
		sel.modseq, err = s.acc.HighestModSeqTx(tx)
		xcheckf(err, "get highest modseq")
		return nil
	})
	xcheckf(err, "select")
	// Broadcasts from before the selection are already reflected.
	s.drainPending()
	s.sel = sel
	s.log.Debug("selected mailbox", slog.String("mailbox", name), slog.Int("messages", len(sel.uids)), slog.Any("modseq", sel.modseq))
	return sel, nil
}

func (s *Session) drainPending() {
	select {
	case <-s.comm.Pending:
	default:
	}
	s.comm.Get()
}

func (s *Session) xselected() *Selected {
	if s.sel == nil {
		xuserErrorf("no mailbox selected")
	}
	return s.sel
}

// Sync applies changes from the change log to the message list: messages
// removed from the mailbox are removed, new messages are added at the end.
// Sequence numbers are renumbered to remain contiguous. Sync can be called
// repeatedly, it only applies changes after those already applied.
func (s *Session) Sync(ctx context.Context) (rerr error) {
	defer recoverCommand(s.log, "sync", &rerr)
	s.xsync(ctx)
	return nil
}

func (s *Session) xsync(ctx context.Context) {
	sel := s.xselected()
	// Pending broadcasts only signal that the change log has new entries.
	s.drainPending()

	err := s.acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb := store.Mailbox{ID: sel.Mailbox.ID}
		if err := tx.Get(&mb); err == bstore.ErrAbsent {
			xusercodeErrorf("NONEXISTENT", "mailbox no longer exists")
		} else {
			xcheckf(err, "get mailbox")
		}
		changes, err := s.acc.ChangesSinceMailbox(tx, mb.ID, sel.modseq)
		xcheckf(err, "changes since for mailbox")
		highest, err := s.acc.HighestModSeqTx(tx)
		xcheckf(err, "get highest modseq")

		sel.apply(changes)
		sel.Mailbox = mb
		if highest > sel.modseq {
			sel.modseq = highest
		}
		return nil
	})
	xcheckf(err, "sync")
}

// apply processes insert and delete changes for messages in the mailbox, in
// order of modseq.
func (sel *Selected) apply(changes []store.Change) {
	for _, c := range changes {
		switch c.Kind {
		case store.ChangeDelete:
			if i, ok := slices.BinarySearch(sel.uids, c.UID); ok {
				sel.uids = slices.Delete(sel.uids, i, i+1)
				sel.ids = slices.Delete(sel.ids, i, i+1)
			}
		case store.ChangeInsert:
			// Only UIDs above the current highest are new, others were present at
			// selection or applied in an earlier sync.
			if len(sel.uids) == 0 || c.UID > sel.uids[len(sel.uids)-1] {
				sel.uids = append(sel.uids, c.UID)
				sel.ids = append(sel.ids, store.MessageID(c.RecordID))
			}
		}
		if c.ModSeq > sel.modseq {
			sel.modseq = c.ModSeq
		}
	}
}

// Count returns the number of messages.
func (sel *Selected) Count() int {
	return len(sel.uids)
}

// ModSeq returns the modseq up to which changes are applied.
func (sel *Selected) ModSeq() store.ModSeq {
	return sel.modseq
}

// Addresses returns all messages in sequence order.
func (sel *Selected) Addresses() []Address {
	l := make([]Address, len(sel.uids))
	for i := range sel.uids {
		l[i] = Address{uint32(i + 1), sel.uids[i], sel.ids[i]}
	}
	return l
}

// Resolve returns the messages in the set, in ascending sequence order, each
// message once. With byUID, set has UIDs and UIDs without message are ignored.
// Otherwise set has sequence numbers, and numbers beyond the last message are
// ignored: they can refer to messages removed by another session. A set that
// matches nothing resolves to an empty list.
func (sel *Selected) Resolve(set NumSet, byUID bool) (l []Address, rerr error) {
	defer recoverCommand(pkglog, "resolve", &rerr)
	return sel.xresolve(set, byUID), nil
}

func (sel *Selected) xresolve(set NumSet, byUID bool) []Address {
	var indexes []int
	n := len(sel.uids)

	if !byUID && n > 0 {
		for _, r := range set.Ranges {
			first, last := r.bounds(uint32(n))
			if first > uint32(n) {
				continue
			}
			last = min(last, uint32(n))
			for seq := first; seq <= last; seq++ {
				indexes = append(indexes, int(seq-1))
			}
		}
	} else if n > 0 {
		highest := uint32(sel.uids[n-1])
		for _, r := range set.Ranges {
			first, last := r.bounds(highest)
			i := sort.Search(n, func(i int) bool { return sel.uids[i] >= store.UID(first) })
			for ; i < n && sel.uids[i] <= store.UID(last); i++ {
				indexes = append(indexes, i)
			}
		}
	}

	slices.Sort(indexes)
	indexes = slices.Compact(indexes)
	l := make([]Address, len(indexes))
	for j, i := range indexes {
		l[j] = Address{uint32(i + 1), sel.uids[i], sel.ids[i]}
	}
	return l
}

// ExpandMissing returns the UIDs in set that do not have a message in the
// mailbox, in ascending order. Only UIDs below the next UID of the mailbox are
// considered, they are the ones that can have existed. In sequence mode every
// number refers to an existing message, and nothing is returned.
func (sel *Selected) ExpandMissing(set NumSet, byUID bool) []store.UID {
	if !byUID {
		return nil
	}
	maxUID := uint32(sel.Mailbox.UIDNext) - 1
	if sel.Mailbox.UIDNext == 0 {
		maxUID = 0
	}
	highest := maxUID
	if n := len(sel.uids); n > 0 {
		highest = uint32(sel.uids[n-1])
	}
	var l []store.UID
	for _, r := range set.Ranges {
		first, last := r.bounds(highest)
		if last > maxUID {
			last = maxUID
		}
		for uid := first; uid <= last && uid != 0; uid++ {
			if _, ok := slices.BinarySearch(sel.uids, store.UID(uid)); !ok {
				l = append(l, store.UID(uid))
			}
			if uid == last {
				break
			}
		}
	}
	slices.Sort(l)
	return slices.Compact(l)
}

func (sel *Selected) String() string {
	return fmt.Sprintf("%s (%d messages, modseq %d)", sel.Mailbox.Name, len(sel.uids), sel.modseq)
}
