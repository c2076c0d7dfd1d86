/*
Package store implements storage for accounts: mailboxes, messages and their
labels, a change log with modification sequences, and broadcasts of committed
changes to interested sessions.

Layout of storage for accounts:

	<DataDir>/accounts/<name>/index.db
	<DataDir>/accounts/<name>/blob.db

Index.db is a bstore database with mailboxes, messages, mailbox membership,
the change log, the modseq counter and queued training tasks. Blob.db is a
bbolt database with the raw messages, keyed by their sha256 hash. Messages
carry their parsed structure as an archived msgtree, so attributes can be
computed without parsing the message again.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/moxvar"
)

var pkglog = mlog.New("store", nil)

var (
	ErrUnknownMailbox = errors.New("no such mailbox")
	ErrAccountUnknown = errors.New("no such account")
	ErrMailboxExists  = errors.New("mailbox already exists")
)

// InitialMailboxes are created for a new account.
var InitialMailboxes = []string{"Inbox", "Sent", "Archive", "Trash", "Drafts", "Junk"}

// UID is a message identifier within a mailbox, as seen by clients. UIDs are
// assigned in increasing order and never reused within a mailbox.
type UID uint32

// MessageID identifies a message record within an account. The same message
// can be in multiple mailboxes. It is an alias, bstore only accepts the basic
// integer types as primary key and reference.
type MessageID = uint32

// ModSeq is a modification sequence. Every committed batch of changes gets the
// next modseq of the account. Zero means "none".
type ModSeq int64

// Client returns the modseq as sent to clients. Modseq 0 is special in IMAP, so
// it is returned as 1.
func (ms ModSeq) Client() int64 {
	if ms == 0 {
		return 1
	}
	return int64(ms)
}

// ModSeqFromClient converts a modseq from a client to a modseq for internal
// use, e.g. in a database query. Modseq 1 is turned into 0.
func ModSeqFromClient(modseq int64) ModSeq {
	if modseq == 1 {
		return 0
	}
	return ModSeq(modseq)
}

// NextUIDValidity is a singleton record in the database with the next UIDValidity
// to use for the next mailbox.
type NextUIDValidity struct {
	ID   int // Just a single record with ID 1.
	Next uint32
}

// SyncState tracks the modseq counter of the account.
type SyncState struct {
	ID int // Just a single record with ID 1.

	// Last assigned, next assigned will be one higher.
	LastModSeq ModSeq `bstore:"nonzero"`
}

// Mailbox is collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID int64

	// "Inbox" is the name for the special IMAP "INBOX". Slash separated
	// for hierarchy.
	Name string `bstore:"nonzero,unique"`

	// If UIDs are invalidated, UIDValidity must be changed. Used by IMAP for
	// synchronization.
	UIDValidity uint32

	// UID to be assigned to the next message delivered to the mailbox.
	UIDNext UID

	CreateSeq ModSeq
}

// Message is a stored message, possibly present in multiple mailboxes through
// MailboxMessage records.
type Message struct {
	ID MessageID

	// ID of the first message of the thread, possibly the message itself.
	ThreadID MessageID

	// Sha256 of the raw message, key in the blob store.
	BlobHash []byte

	Received time.Time `bstore:"default now"`
	Size     int64

	// Lower-case Message-ID header value without angle brackets, for threading.
	HeaderMessageID string `bstore:"index"`

	// Labels: system flags in canonical case (e.g. `\Seen`), keywords in lower
	// case. Sorted, no duplicates.
	Keywords []string

	// Modseq of the last change to the message, and at creation.
	ModSeq    ModSeq `bstore:"index"`
	CreateSeq ModSeq

	// Short text of the first text part, for display in lists.
	Preview string

	// Archived msgtree.Tree, see msgtree.NewView.
	TreeBuf []byte
}

// MailboxMessage is the presence of a message in a mailbox with a UID.
type MailboxMessage struct {
	ID        int64
	MailboxID int64     `bstore:"nonzero,unique MailboxID+UID,ref Mailbox"`
	MessageID MessageID `bstore:"nonzero,index,ref Message"`
	UID       UID       `bstore:"nonzero"`
}

// TrainTask is a queued training of the junk classifier with a message, written
// in the same transaction as the label change that caused it.
type TrainTask struct {
	ID        int64
	MessageID MessageID `bstore:"nonzero"`
	Junk      bool      // Train as junk, otherwise as ham.
	Queued    time.Time `bstore:"default now"`
}

// Types stored in DB.
var DBTypes = []any{NextUIDValidity{}, SyncState{}, Mailbox{}, Message{}, MailboxMessage{}, Change{}, TrainTask{}}

// Account holds the databases of a user, shared between all sessions of the
// account.
type Account struct {
	Name   string     // Name, according to configuration.
	Dir    string     // Directory with the databases of the account.
	DBPath string     // Path to database with mailboxes, messages, etc.
	DB     *bstore.DB // Open database connection.
	Blobs  *BlobStore // Raw messages.

	nused int // Reference count, while >0, this account is alive and shared.
}

// InitialUIDValidity returns a UIDValidity used for initializing an account.
// It can be replaced during tests with a predictable value.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // A 2-second resolution will get us far enough beyond 2038.
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

func closeAccount(acc *Account) (rerr error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	acc.nused--
	if acc.nused == 0 {
		rerr = acc.DB.Close()
		acc.DB = nil
		if err := acc.Blobs.Close(); rerr == nil {
			rerr = err
		}
		acc.Blobs = nil
		delete(openAccounts.names, acc.Name)
	}
	return
}

// OpenAccount opens an account by name, creating its databases if needed. A
// single shared Account exists per name, Close must be called when done.
func OpenAccount(log mlog.Log, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	if !slices.Contains(mox.Conf.Static.Accounts, name) {
		return nil, ErrAccountUnknown
	}

	acc, err := openAccount(log, name)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

// openAccount opens an existing account, or creates it if it is missing.
func openAccount(log mlog.Log, name string) (a *Account, rerr error) {
	dir := mox.AccountDir(name)
	dbpath := filepath.Join(dir, "index.db")

	// Create account if it doesn't exist yet.
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(dbpath, log.Logger)}
	db, err := bstore.Open(mox.Context, dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr != nil {
			err := db.Close()
			log.Check(err, "closing database after error")
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	if isNew {
		if err := initAccount(db); err != nil {
			return nil, fmt.Errorf("initializing account: %v", err)
		}
	}

	blobs, err := OpenBlobStore(filepath.Join(dir, "blob.db"))
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %v", err)
	}

	log.Debug("opened account", slog.String("account", name), slog.Bool("new", isNew))
	return &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
		Blobs:  blobs,
	}, nil
}

func initAccount(db *bstore.DB) error {
	return db.Write(context.TODO(), func(tx *bstore.Tx) error {
		uidvalidity := InitialUIDValidity()

		for _, name := range InitialMailboxes {
			mb := Mailbox{Name: name, UIDValidity: uidvalidity, UIDNext: 1}
			if err := tx.Insert(&mb); err != nil {
				return fmt.Errorf("creating mailbox: %w", err)
			}
		}

		uidvalidity++
		if err := tx.Insert(&NextUIDValidity{1, uidvalidity}); err != nil {
			return fmt.Errorf("inserting nextuidvalidity: %w", err)
		}
		return nil
	})
}

// Close reduces the reference count, and closes the databases when it was the
// last user.
func (a *Account) Close() error {
	return closeAccount(a)
}

// NextUIDValidity returns the next new/unique uidvalidity to use for this account.
func (a *Account) NextUIDValidity(tx *bstore.Tx) (uint32, error) {
	nuv := NextUIDValidity{ID: 1}
	if err := tx.Get(&nuv); err != nil {
		return 0, err
	}
	v := nuv.Next
	nuv.Next++
	if err := tx.Update(&nuv); err != nil {
		return 0, err
	}
	return v, nil
}

// MailboxFind finds a mailbox by name, returning nil if it doesn't exist.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (*Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterEqual("Name", name)
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

// Mailboxes returns all mailboxes, ordered by name.
func (a *Account) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	return bstore.QueryDB[Mailbox](ctx, a.DB).SortAsc("Name").List()
}

// MailboxCreate creates a new mailbox, logging an Insert change. Changes are
// committed and broadcast.
func (a *Account) MailboxCreate(ctx context.Context, comm *Comm, name string) (mb Mailbox, rerr error) {
	b := a.BeginChanges()
	err := b.Write(ctx, func(tx *bstore.Tx) error {
		if xmb, err := a.MailboxFind(tx, name); err != nil {
			return err
		} else if xmb != nil {
			return ErrMailboxExists
		}
		uidvalidity, err := a.NextUIDValidity(tx)
		if err != nil {
			return fmt.Errorf("next uidvalidity: %w", err)
		}
		modseq, err := b.ModSeq(tx)
		if err != nil {
			return err
		}
		mb = Mailbox{Name: name, UIDValidity: uidvalidity, UIDNext: 1, CreateSeq: modseq}
		if err := tx.Insert(&mb); err != nil {
			return fmt.Errorf("inserting mailbox: %w", err)
		}
		b.LogInsert(CollectionMailbox, int64(mb.ID), 0, 0)
		return nil
	})
	if err != nil {
		return Mailbox{}, err
	}
	_, err = b.Commit(ctx, comm)
	return mb, err
}

// MailboxMessages returns the membership records of a mailbox, ordered by UID.
func (a *Account) MailboxMessages(tx *bstore.Tx, mailboxID int64) ([]MailboxMessage, error) {
	q := bstore.QueryTx[MailboxMessage](tx)
	q.FilterNonzero(MailboxMessage{MailboxID: mailboxID})
	q.SortAsc("UID")
	return q.List()
}

// MessageMailboxes returns the IDs of the mailboxes a message is in.
func (a *Account) MessageMailboxes(tx *bstore.Tx, id MessageID) ([]int64, error) {
	q := bstore.QueryTx[MailboxMessage](tx)
	q.FilterNonzero(MailboxMessage{MessageID: id})
	var l []int64
	err := q.ForEach(func(mm MailboxMessage) error {
		if !slices.Contains(l, mm.MailboxID) {
			l = append(l, mm.MailboxID)
		}
		return nil
	})
	return l, err
}
