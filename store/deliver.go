package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailstore/message"
	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
)

// Deliver parses raw, stores it in the blob store and adds it to the mailbox
// with the next UID. The message joins the thread of the first referenced
// message found in the account, otherwise it starts a new thread. Changes are
// committed and broadcast. Labels are canonicalized.
func (a *Account) Deliver(ctx context.Context, log mlog.Log, comm *Comm, mailboxName string, raw []byte, received time.Time, labels []string) (Message, MailboxMessage, error) {
	labels, err := CanonicalLabels(labels)
	if err != nil {
		return Message{}, MailboxMessage{}, err
	}
	p, err := message.Parse(log.Logger, raw)
	if err != nil {
		return Message{}, MailboxMessage{}, fmt.Errorf("parsing message: %w", err)
	}
	preview := message.Preview(log, p.Tree, raw, mox.Conf.Static.Store.PreviewMaxBytes)

	hash, err := a.Blobs.Put(raw)
	if err != nil {
		return Message{}, MailboxMessage{}, err
	}

	if received.IsZero() {
		received = time.Now()
	}

	var m Message
	var mm MailboxMessage
	b := a.BeginChanges()
	err = b.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := a.MailboxFind(tx, mailboxName)
		if err != nil {
			return err
		} else if mb == nil {
			return ErrUnknownMailbox
		}

		var threadID MessageID
		for i := len(p.References) - 1; i >= 0 && threadID == 0; i-- {
			q := bstore.QueryTx[Message](tx)
			q.FilterEqual("HeaderMessageID", p.References[i])
			q.SortAsc("ID")
			q.Limit(1)
			if pm, err := q.Get(); err == nil {
				threadID = pm.ThreadID
			} else if err != bstore.ErrAbsent {
				return fmt.Errorf("looking up referenced message: %w", err)
			}
		}

		modseq, err := b.ModSeq(tx)
		if err != nil {
			return err
		}
		m = Message{
			ThreadID:        threadID,
			BlobHash:        hash,
			Received:        received,
			Size:            int64(len(raw)),
			HeaderMessageID: p.MessageID,
			Keywords:        labels,
			ModSeq:          modseq,
			CreateSeq:       modseq,
			Preview:         preview,
			TreeBuf:         p.Tree.Marshal(),
		}
		if err := tx.Insert(&m); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		newThread := m.ThreadID == 0
		if newThread {
			m.ThreadID = m.ID
			if err := tx.Update(&m); err != nil {
				return fmt.Errorf("setting thread: %w", err)
			}
		}

		mm = MailboxMessage{MailboxID: mb.ID, MessageID: m.ID, UID: mb.UIDNext}
		if err := tx.Insert(&mm); err != nil {
			return fmt.Errorf("inserting mailbox message: %w", err)
		}
		mb.UIDNext++
		if err := tx.Update(mb); err != nil {
			return fmt.Errorf("updating mailbox uidnext: %w", err)
		}

		b.LogInsert(CollectionEmail, int64(m.ID), mb.ID, mm.UID)
		if newThread {
			b.LogInsert(CollectionThread, int64(m.ThreadID), 0, 0)
		} else {
			b.LogChildUpdate(CollectionThread, int64(m.ThreadID))
		}
		b.LogChildUpdate(CollectionMailbox, mb.ID)
		return nil
	})
	if err != nil {
		return Message{}, MailboxMessage{}, err
	}
	if _, err := b.Commit(ctx, comm); err != nil {
		return Message{}, MailboxMessage{}, err
	}
	log.Debug("delivered message",
		slog.String("mailbox", mailboxName),
		slog.Any("id", m.ID),
		slog.Any("uid", mm.UID),
		slog.Any("modseq", m.ModSeq))
	return m, mm, nil
}

// Expunge removes the messages with uids from the mailbox. Messages that are no
// longer in any mailbox are removed from the account. Their blobs are kept.
// UIDs without message are ignored. The removed UIDs are returned.
func (a *Account) Expunge(ctx context.Context, comm *Comm, mailboxName string, uids []UID) ([]UID, error) {
	var removed []UID
	b := a.BeginChanges()
	err := b.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := a.MailboxFind(tx, mailboxName)
		if err != nil {
			return err
		} else if mb == nil {
			return ErrUnknownMailbox
		}

		q := bstore.QueryTx[MailboxMessage](tx)
		q.FilterNonzero(MailboxMessage{MailboxID: mb.ID})
		q.FilterFn(func(mm MailboxMessage) bool {
			return slices.Contains(uids, mm.UID)
		})
		q.SortAsc("UID")
		l, err := q.List()
		if err != nil {
			return fmt.Errorf("listing messages to expunge: %w", err)
		}
		for _, mm := range l {
			if err := tx.Delete(&mm); err != nil {
				return fmt.Errorf("removing message from mailbox: %w", err)
			}
			removed = append(removed, mm.UID)
			b.LogDelete(CollectionEmail, int64(mm.MessageID), mb.ID, mm.UID)

			others, err := a.MessageMailboxes(tx, mm.MessageID)
			if err != nil {
				return err
			}
			if len(others) > 0 {
				continue
			}
			m := Message{ID: mm.MessageID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message: %w", err)
			}
			if err := tx.Delete(&m); err != nil {
				return fmt.Errorf("removing message: %w", err)
			}
			b.LogDelete(CollectionEmail, int64(m.ID), 0, 0)
			b.LogChildUpdate(CollectionThread, int64(m.ThreadID))
		}
		if len(l) > 0 {
			b.LogChildUpdate(CollectionMailbox, mb.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_, err = b.Commit(ctx, comm)
	return removed, err
}
