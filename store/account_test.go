package store

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
)

var ctxbg = context.Background()
var pkglogTest = mlog.New("store", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var testMsg = crlf(`From: <mjl@mox.example>
To: <other@mox.example>
Subject: test
Message-ID: <m01@mox.example>

hi
`)

var replyMsg = crlf(`From: <other@mox.example>
To: <mjl@mox.example>
Subject: re: test
Message-ID: <m02@mox.example>
In-Reply-To: <m01@mox.example>
References: <unknown@mox.example> <M01@mox.example>

hi back
`)

// setup removes old data and opens the account. Returned func must be called at
// the end of the test.
func setup(t *testing.T) (*Account, func()) {
	t.Helper()
	os.RemoveAll("../testdata/store/data")
	mox.ConfigStaticPath = "../testdata/store/mailstore.conf"
	mox.MustLoadConfig(true)
	stopSwitchboard := Switchboard()
	acc, err := OpenAccount(pkglogTest, "mjl")
	tcheck(t, err, "open account")
	return acc, func() {
		err := acc.Close()
		tcheck(t, err, "close account")
		stopSwitchboard()
	}
}

func TestOpenAccount(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	_, err := OpenAccount(pkglogTest, "bogus")
	if !errors.Is(err, ErrAccountUnknown) {
		t.Fatalf("open unknown account: got %v, expected ErrAccountUnknown", err)
	}

	// Second open shares the account.
	acc2, err := OpenAccount(pkglogTest, "mjl")
	tcheck(t, err, "open account again")
	if acc2 != acc {
		t.Fatalf("second open returned different account")
	}
	err = acc2.Close()
	tcheck(t, err, "close")

	mbl, err := acc.Mailboxes(ctxbg)
	tcheck(t, err, "mailboxes")
	var names []string
	for _, mb := range mbl {
		names = append(names, mb.Name)
	}
	tcompare(t, names, []string{"Archive", "Drafts", "Inbox", "Junk", "Sent", "Trash"})

	mb, err := acc.MailboxCreate(ctxbg, nil, "Lists")
	tcheck(t, err, "create mailbox")
	tcompare(t, mb.CreateSeq, ModSeq(1))
	_, err = acc.MailboxCreate(ctxbg, nil, "Lists")
	if !errors.Is(err, ErrMailboxExists) {
		t.Fatalf("create duplicate mailbox: got %v, expected ErrMailboxExists", err)
	}
	// The failed create did not consume a modseq.
	ms, err := acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, ModSeq(1))
}

// Message records are stored and looked up by their uint32 key, and
// MailboxMessage references are checked against them.
func TestMessageRecord(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	m, mm, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")
	tcompare(t, m.ID, MessageID(1))
	tcompare(t, mm.MessageID, m.ID)

	xm := Message{ID: m.ID}
	err = acc.DB.Get(ctxbg, &xm)
	tcheck(t, err, "get message")
	tcompare(t, xm.BlobHash, m.BlobHash)

	l, err := bstore.QueryDB[MailboxMessage](ctxbg, acc.DB).FilterNonzero(MailboxMessage{MessageID: m.ID}).List()
	tcheck(t, err, "list mailbox messages")
	tcompare(t, len(l), 1)

	err = acc.DB.Get(ctxbg, &Message{ID: m.ID + 1})
	if !errors.Is(err, bstore.ErrAbsent) {
		t.Fatalf("get unknown message: got %v, expected ErrAbsent", err)
	}
	err = acc.DB.Insert(ctxbg, &MailboxMessage{MailboxID: mm.MailboxID, MessageID: m.ID + 1, UID: mm.UID + 1})
	if !errors.Is(err, bstore.ErrReference) {
		t.Fatalf("insert mailbox message for unknown message: got %v, expected ErrReference", err)
	}
}

func TestChangeLog(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	ms, err := acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, ModSeq(0))

	// Builder without changes is a no-op.
	b := acc.BeginChanges()
	ms, err = b.Commit(ctxbg, nil)
	tcheck(t, err, "commit empty")
	tcompare(t, ms, ModSeq(0))
	ms, err = acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, ModSeq(0))

	m, mm, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, []string{"$Forwarded", `\seen`})
	tcheck(t, err, "deliver")
	tcompare(t, m.ModSeq, ModSeq(1))
	tcompare(t, m.CreateSeq, ModSeq(1))
	tcompare(t, m.ThreadID, m.ID)
	tcompare(t, m.Keywords, []string{"$forwarded", `\Seen`})
	tcompare(t, mm.UID, UID(1))
	tcompare(t, m.HeaderMessageID, "m01@mox.example")

	changes, err := acc.ChangesSince(ctxbg, CollectionEmail, 0)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 1)
	c := changes[0]
	tcompare(t, []any{c.Kind, c.RecordID, c.MailboxID, c.UID, c.ModSeq}, []any{ChangeInsert, int64(m.ID), mm.MailboxID, UID(1), ModSeq(1)})

	changes, err = acc.ChangesSince(ctxbg, CollectionThread, 0)
	tcheck(t, err, "thread changes")
	tcompare(t, len(changes), 1)
	tcompare(t, changes[0].Kind, ChangeInsert)

	changes, err = acc.ChangesSince(ctxbg, CollectionMailbox, 0)
	tcheck(t, err, "mailbox changes")
	tcompare(t, len(changes), 1)
	tcompare(t, []any{changes[0].Kind, changes[0].RecordID}, []any{ChangeChildUpdate, mm.MailboxID})

	// Reply joins the thread through References, with the last known reference.
	m2, mm2, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(replyMsg), time.Time{}, nil)
	tcheck(t, err, "deliver reply")
	tcompare(t, m2.ThreadID, m.ID)
	tcompare(t, mm2.UID, UID(2))
	tcompare(t, m2.ModSeq, ModSeq(2))

	changes, err = acc.ChangesSince(ctxbg, CollectionThread, 1)
	tcheck(t, err, "thread changes")
	tcompare(t, len(changes), 1)
	tcompare(t, []any{changes[0].Kind, changes[0].RecordID}, []any{ChangeChildUpdate, int64(m.ID)})

	changes, err = acc.ChangesSince(ctxbg, CollectionEmail, 2)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 0)

	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		l, err := acc.ChangesSinceMailbox(tx, mm.MailboxID, 1)
		tcheck(t, err, "changes since for mailbox")
		tcompare(t, len(l), 1)
		tcompare(t, l[0].UID, UID(2))
		return nil
	})
	tcheck(t, err, "read")

	// Unknown mailbox does not consume a modseq.
	_, _, err = acc.Deliver(ctxbg, pkglogTest, nil, "Bogus", []byte(testMsg), time.Time{}, nil)
	if !errors.Is(err, ErrUnknownMailbox) {
		t.Fatalf("deliver to unknown mailbox: got %v, expected ErrUnknownMailbox", err)
	}
	ms, err = acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, ModSeq(2))
}

func TestModSeqInit(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	_, _, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")
	_, _, err = acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")

	// Without a counter, the next modseq continues after the highest in the change log.
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		return tx.Delete(&SyncState{ID: 1})
	})
	tcheck(t, err, "remove sync state")
	ms, err := acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, ModSeq(2))

	m, _, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")
	tcompare(t, m.ModSeq, ModSeq(3))
}

func TestSetLabels(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	m, _, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, []string{"a"})
	tcheck(t, err, "deliver")

	var ls LabelState
	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		ls, err = acc.ReadLabels(tx, m.ID)
		return err
	})
	tcheck(t, err, "read labels")
	tcompare(t, ls.Labels, []string{"a"})
	tcompare(t, ls.Token, VersionToken([]string{"a"}))

	// Stale token.
	b := acc.BeginChanges()
	err = b.Write(ctxbg, func(tx *bstore.Tx) error {
		_, err := b.SetLabels(tx, m.ID, VersionToken(nil), []string{"b"})
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("set labels with stale token: got %v, expected ErrConflict", err)
	}
	tcompare(t, b.Empty(), true)
	tcompare(t, b.Assigned(), ModSeq(0))

	var nm Message
	err = b.Write(ctxbg, func(tx *bstore.Tx) error {
		var err error
		nm, err = b.SetLabels(tx, m.ID, ls.Token, []string{"a", "b"})
		return err
	})
	tcheck(t, err, "set labels")
	ms, err := b.Commit(ctxbg, nil)
	tcheck(t, err, "commit")
	tcompare(t, ms, ModSeq(2))
	tcompare(t, nm.ModSeq, ModSeq(2))
	tcompare(t, nm.Keywords, []string{"a", "b"})

	changes, err := acc.ChangesSince(ctxbg, CollectionEmail, 1)
	tcheck(t, err, "changes")
	tcompare(t, len(changes), 1)
	tcompare(t, []any{changes[0].Kind, changes[0].RecordID, changes[0].ThreadID}, []any{ChangeUpdate, int64(m.ID), m.ThreadID})

	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		_, err := acc.ReadLabels(tx, m.ID+100)
		return err
	})
	if err != bstore.ErrAbsent {
		t.Fatalf("read labels of absent message: got %v, expected ErrAbsent", err)
	}
}

func TestExpunge(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	m1, mm1, err := acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(testMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")
	_, _, err = acc.Deliver(ctxbg, pkglogTest, nil, "Inbox", []byte(replyMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")

	removed, err := acc.Expunge(ctxbg, nil, "Inbox", []UID{1, 5})
	tcheck(t, err, "expunge")
	tcompare(t, removed, []UID{1})

	changes, err := acc.ChangesSince(ctxbg, CollectionEmail, 2)
	tcheck(t, err, "changes")
	tcompare(t, len(changes), 2)
	tcompare(t, []any{changes[0].Kind, changes[0].MailboxID, changes[0].UID}, []any{ChangeDelete, mm1.MailboxID, UID(1)})
	tcompare(t, []any{changes[1].Kind, changes[1].RecordID, changes[1].MailboxID}, []any{ChangeDelete, int64(m1.ID), int64(0)})

	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		l, err := acc.MailboxMessages(tx, mm1.MailboxID)
		tcheck(t, err, "mailbox messages")
		tcompare(t, len(l), 1)
		tcompare(t, l[0].UID, UID(2))
		return nil
	})
	tcheck(t, err, "read")

	// Blob is retained.
	buf, err := acc.Blobs.Get(m1.BlobHash, 0, -1)
	tcheck(t, err, "get blob")
	tcompare(t, string(buf), testMsg)

	// Nothing to remove, no modseq consumed.
	removed, err = acc.Expunge(ctxbg, nil, "Inbox", []UID{1})
	tcheck(t, err, "expunge again")
	tcompare(t, len(removed), 0)
	ms, err := acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, ModSeq(3))
}

func TestBroadcast(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	c1 := RegisterComm(acc)
	defer c1.Unregister()
	c2 := RegisterComm(acc)
	defer c2.Unregister()

	_, _, err := acc.Deliver(ctxbg, pkglogTest, c1, "Inbox", []byte(testMsg), time.Time{}, nil)
	tcheck(t, err, "deliver")

	select {
	case <-c2.Pending:
	default:
		t.Fatalf("no pending changes for other comm")
	}
	l := c2.Get()
	tcompare(t, l, []StateChange{{
		Account: "mjl",
		Changes: []KindModSeq{
			{CollectionEmail, 1},
			{CollectionThread, 1},
			{CollectionMailbox, 1},
		},
	}})
	tcompare(t, len(c1.Get()), 0)
}

func TestBlobStore(t *testing.T) {
	acc, cleanup := setup(t)
	defer cleanup()

	hash, err := acc.Blobs.Put([]byte("0123456789"))
	tcheck(t, err, "put")
	hash2, err := acc.Blobs.Put([]byte("0123456789"))
	tcheck(t, err, "put again")
	tcompare(t, hash2, hash)

	get := func(start, end int64, exp string) {
		t.Helper()
		buf, err := acc.Blobs.Get(hash, start, end)
		tcheck(t, err, "get")
		tcompare(t, string(buf), exp)
	}
	get(0, -1, "0123456789")
	get(2, 4, "23")
	get(8, 100, "89")
	get(20, -1, "")

	_, err = acc.Blobs.Get(make([]byte, 32), 0, -1)
	if err != ErrBlobAbsent {
		t.Fatalf("get absent blob: got %v, expected ErrBlobAbsent", err)
	}

	err = acc.Blobs.Delete(hash)
	tcheck(t, err, "delete")
	_, err = acc.Blobs.Get(hash, 0, -1)
	if err != ErrBlobAbsent {
		t.Fatalf("get deleted blob: got %v, expected ErrBlobAbsent", err)
	}
}
