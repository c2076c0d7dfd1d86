package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/mjl-/bstore"
)

// Collection is the kind of entity a change is about.
type Collection string

const (
	CollectionEmail   Collection = "email"
	CollectionMailbox Collection = "mailbox"
	CollectionThread  Collection = "thread"
)

// ChangeKind is the type of change to an entity.
type ChangeKind uint8

const (
	ChangeInsert      ChangeKind = 1
	ChangeUpdate      ChangeKind = 2
	ChangeChildUpdate ChangeKind = 3 // Entity itself unchanged, but its contents/aggregates did.
	ChangeDelete      ChangeKind = 4
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeChildUpdate:
		return "childupdate"
	case ChangeDelete:
		return "delete"
	}
	return fmt.Sprintf("unknown(%d)", k)
}

// Change is an entry in the change log of an account. All changes committed in
// a single batch have the same modseq.
type Change struct {
	ID         int64
	ModSeq     ModSeq     `bstore:"nonzero,index"`
	Collection Collection `bstore:"nonzero"`
	Kind       ChangeKind `bstore:"nonzero"`
	RecordID   int64      // Message, mailbox or thread ID.

	// For email changes: Insert and Delete of a message in a mailbox have the
	// mailbox and UID set. Without MailboxID, the change is about the message
	// itself.
	MailboxID int64 `bstore:"index MailboxID+ModSeq"`
	UID       UID
	ThreadID  MessageID
}

// nextModSeq increments the modseq counter and returns the new value. If the
// counter does not exist yet, it is initialized from the highest modseq in the
// change log.
func nextModSeq(tx *bstore.Tx) (ModSeq, error) {
	v := SyncState{ID: 1}
	err := tx.Get(&v)
	if err == bstore.ErrAbsent {
		highest, err := highestLoggedModSeq(tx)
		if err != nil {
			return 0, err
		}
		v = SyncState{1, highest + 1}
		return v.LastModSeq, tx.Insert(&v)
	} else if err != nil {
		return 0, fmt.Errorf("get sync state: %w", err)
	}
	v.LastModSeq++
	return v.LastModSeq, tx.Update(&v)
}

func highestLoggedModSeq(tx *bstore.Tx) (ModSeq, error) {
	q := bstore.QueryTx[Change](tx)
	q.SortDesc("ModSeq")
	q.Limit(1)
	c, err := q.Get()
	if err == bstore.ErrAbsent {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("get highest change: %w", err)
	}
	return c.ModSeq, nil
}

// HighestModSeqTx returns the last assigned modseq of the account, 0 if none
// was assigned yet.
func (a *Account) HighestModSeqTx(tx *bstore.Tx) (ModSeq, error) {
	v := SyncState{ID: 1}
	err := tx.Get(&v)
	if err == bstore.ErrAbsent {
		return highestLoggedModSeq(tx)
	}
	return v.LastModSeq, err
}

// HighestModSeq returns the last assigned modseq of the account.
func (a *Account) HighestModSeq(ctx context.Context) (ms ModSeq, rerr error) {
	rerr = a.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		ms, err = a.HighestModSeqTx(tx)
		return err
	})
	return
}

// ChangesSince returns the changes for a collection with a modseq above
// modseq, ordered by modseq and then by order of logging.
func (a *Account) ChangesSince(ctx context.Context, collection Collection, modseq ModSeq) ([]Change, error) {
	q := bstore.QueryDB[Change](ctx, a.DB)
	q.FilterNonzero(Change{Collection: collection})
	q.FilterGreater("ModSeq", modseq)
	q.SortAsc("ModSeq", "ID")
	return q.List()
}

// ChangesSinceMailbox returns the Insert and Delete changes of messages in a
// mailbox with a modseq above modseq, ordered by modseq and order of logging.
func (a *Account) ChangesSinceMailbox(tx *bstore.Tx, mailboxID int64, modseq ModSeq) ([]Change, error) {
	q := bstore.QueryTx[Change](tx)
	q.FilterNonzero(Change{MailboxID: mailboxID, Collection: CollectionEmail})
	q.FilterGreater("ModSeq", modseq)
	q.SortAsc("ModSeq", "ID")
	return q.List()
}

// ChangeLogBuilder collects changes for a batch that gets a single modseq. The
// modseq is assigned when first needed inside a write transaction. A builder
// that never logs a change does not consume a modseq.
//
// A builder is used by a single goroutine.
type ChangeLogBuilder struct {
	acc     *Account
	modseq  ModSeq
	pending []Change // Logged, not yet written.
	written []Change // Written in committed transactions.
}

// BeginChanges starts a new batch of changes.
func (a *Account) BeginChanges() *ChangeLogBuilder {
	return &ChangeLogBuilder{acc: a}
}

// ModSeq returns the modseq of the batch, assigning it from the account
// counter on first use.
func (b *ChangeLogBuilder) ModSeq(tx *bstore.Tx) (ModSeq, error) {
	if b.modseq != 0 {
		return b.modseq, nil
	}
	ms, err := nextModSeq(tx)
	if err != nil {
		return 0, fmt.Errorf("next modseq: %w", err)
	}
	b.modseq = ms
	return ms, nil
}

// Assigned returns the modseq of the batch, 0 if none was assigned.
func (b *ChangeLogBuilder) Assigned() ModSeq {
	return b.modseq
}

// Empty returns whether no changes were logged.
func (b *ChangeLogBuilder) Empty() bool {
	return len(b.pending) == 0 && len(b.written) == 0
}

func (b *ChangeLogBuilder) log(c Change) {
	b.pending = append(b.pending, c)
}

// LogInsert logs a new entity. For messages in a mailbox, mailboxID and uid are
// set.
func (b *ChangeLogBuilder) LogInsert(collection Collection, id int64, mailboxID int64, uid UID) {
	b.log(Change{Collection: collection, Kind: ChangeInsert, RecordID: id, MailboxID: mailboxID, UID: uid})
}

// LogUpdate logs a change to a message, e.g. of its labels.
func (b *ChangeLogBuilder) LogUpdate(id MessageID, threadID MessageID) {
	b.log(Change{Collection: CollectionEmail, Kind: ChangeUpdate, RecordID: int64(id), ThreadID: threadID})
}

// LogChildUpdate logs a change in the contents of a mailbox or thread.
func (b *ChangeLogBuilder) LogChildUpdate(collection Collection, id int64) {
	for _, c := range b.pending {
		if c.Collection == collection && c.Kind == ChangeChildUpdate && c.RecordID == id {
			return
		}
	}
	b.log(Change{Collection: collection, Kind: ChangeChildUpdate, RecordID: id})
}

// LogDelete logs removal of an entity. For removal of a message from a
// mailbox, mailboxID and uid are set.
func (b *ChangeLogBuilder) LogDelete(collection Collection, id int64, mailboxID int64, uid UID) {
	b.log(Change{Collection: collection, Kind: ChangeDelete, RecordID: id, MailboxID: mailboxID, UID: uid})
}

// writePending inserts the pending changes in tx.
func (b *ChangeLogBuilder) writePending(tx *bstore.Tx) error {
	if len(b.pending) == 0 {
		return nil
	}
	modseq, err := b.ModSeq(tx)
	if err != nil {
		return err
	}
	for i := range b.pending {
		c := b.pending[i]
		c.ID = 0
		c.ModSeq = modseq
		if err := tx.Insert(&c); err != nil {
			return fmt.Errorf("inserting change: %w", err)
		}
		b.pending[i] = c
	}
	return nil
}

// Write runs fn in a write transaction, and writes the changes logged so far in
// the same transaction, so they are stored atomically with the records they
// describe. If the transaction fails, changes logged by fn are dropped, and a
// modseq assigned in the transaction is released.
func (b *ChangeLogBuilder) Write(ctx context.Context, fn func(tx *bstore.Tx) error) error {
	modseq := b.modseq
	npending := len(b.pending)
	err := b.acc.DB.Write(ctx, func(tx *bstore.Tx) error {
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return b.writePending(tx)
	})
	if err != nil {
		b.modseq = modseq
		b.pending = b.pending[:npending]
		return err
	}
	b.written = append(b.written, b.pending...)
	b.pending = nil
	return nil
}

// Commit writes remaining changes and broadcasts a state change for the batch
// to other sessions of the account. The broadcast is not sent back to comm,
// which can be nil. If no changes were logged, nothing is written and no modseq
// is consumed. The modseq of the batch is returned.
func (b *ChangeLogBuilder) Commit(ctx context.Context, comm *Comm) (ModSeq, error) {
	if b.Empty() {
		return 0, nil
	}
	if len(b.pending) > 0 {
		if err := b.Write(ctx, nil); err != nil {
			return 0, err
		}
	}

	var sc StateChange
	sc.Account = b.acc.Name
	for _, c := range b.written {
		km := KindModSeq{c.Collection, c.ModSeq}
		if !slices.Contains(sc.Changes, km) {
			sc.Changes = append(sc.Changes, km)
		}
	}
	b.written = nil
	if comm != nil {
		comm.Broadcast(sc)
	} else {
		BroadcastChanges(b.acc, sc)
	}
	return b.modseq, nil
}
