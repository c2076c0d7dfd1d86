package imapengine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/mjl-/bstore"
	"golang.org/x/exp/maps"

	"github.com/mjl-/mailstore/metrics"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/store"
)

// StoreOutcome is the result of a label change for a single message.
type StoreOutcome string

const (
	OutcomeUpdated   StoreOutcome = "updated"
	OutcomeUnchanged StoreOutcome = "unchanged" // Labels already as requested, nothing written.
	OutcomeConflict  StoreOutcome = "conflict"  // Concurrent changes, retries exhausted.
	OutcomeSkipped   StoreOutcome = "skipped"   // Changed after the UNCHANGEDSINCE modseq.
	OutcomeNotFound  StoreOutcome = "notfound"  // Message removed concurrently.
)

// StoreCommand is a STORE or UID STORE.
type StoreCommand struct {
	NumSet NumSet
	UID    bool
	Flags  imap.StoreFlags

	// CONDSTORE: only change messages that have not changed after this client
	// modseq. ../rfc/7162:1131
	UnchangedSince *int64
}

// StoreRecord is the outcome for a message. Flags and ModSeq are the state of
// the message after the command, for outcomes updated, unchanged and skipped.
type StoreRecord struct {
	Seq      uint32
	UID      store.UID
	ID       store.MessageID
	Outcome  StoreOutcome
	Attempts int // Conditional writes attempted.
	Flags    []string
	ModSeq   int64
}

// StoreResult is the response to a StoreCommand.
type StoreResult struct {
	Records []StoreRecord

	// Sequence numbers or UIDs (depending on the command) of messages not changed
	// because of UNCHANGEDSINCE, for the MODIFIED response code. ../rfc/7162:1182
	Modified []uint32 `json:",omitempty"`

	// Whether messages in the set were expunged after UNCHANGEDSINCE, for the
	// EXPUNGEISSUED response code. ../rfc/9051:7138
	ExpungeIssued bool `json:",omitempty"`

	// Whether a change failed for at least one message due to concurrent
	// changes.
	Failed bool `json:",omitempty"`

	ModSeq        int64 // Of the batch, 0 if nothing was changed.
	HighestModSeq int64 `json:",omitempty"` // Set when CONDSTORE is enabled.
}

// ModifiedSet returns Modified as a compact number set.
func (r StoreResult) ModifiedSet() NumSet {
	l := make([]store.UID, len(r.Modified))
	for i, n := range r.Modified {
		l[i] = store.UID(n)
	}
	slices.Sort(l)
	return CompactUIDSet(l)
}

// Store changes the labels of the messages in the set. Each message is changed
// with a conditional write against the labels as read, retrying with fresh
// labels when another session changed them in between. All changes get the
// same modseq and are broadcast to other sessions once.
//
// If the context is canceled, processing stops after the current message,
// changes already made are committed and the context error is returned.
func (s *Session) Store(ctx context.Context, cmd StoreCommand) (result StoreResult, rerr error) {
	start := time.Now()
	defer func() {
		metrics.CommandObserve("store", commandResult(rerr), start)
	}()
	defer recoverCommand(s.log, "store", &rerr)

	sel := s.xselected()

	op := cmd.Flags.Op
	if op != imap.StoreFlagsSet && op != imap.StoreFlagsAdd && op != imap.StoreFlagsDel {
		xsyntaxErrorf("unknown store operation %d", op)
	}
	labelArgs := make([]string, len(cmd.Flags.Flags))
	for i, f := range cmd.Flags.Flags {
		labelArgs[i] = string(f)
	}
	labels, err := store.CanonicalLabels(labelArgs)
	if err != nil {
		xsyntaxErrorf("%v", err)
	}
	if cmd.UnchangedSince != nil && *cmd.UnchangedSince < 0 {
		xsyntaxErrorf("bad unchangedsince %d", *cmd.UnchangedSince)
	}

	if sel.ReadOnly {
		// ../rfc/9051:4211
		xuserErrorf("mailbox selected read-only")
	}
	if !s.acl.MayModify(sel.Mailbox.ID) {
		xusercodeErrorf("NOPERM", "no permission to change messages in mailbox")
	}
	if cmd.UnchangedSince != nil {
		s.Condstore = true
	}

	s.xsync(ctx)
	addrs := sel.xresolve(cmd.NumSet, cmd.UID)

	// Messages changed after the precondition modseq are left out, messages removed
	// from the mailbox after it are flagged.
	var since store.ModSeq
	changed := map[store.MessageID]bool{}
	if cmd.UnchangedSince != nil {
		since = store.ModSeqFromClient(*cmd.UnchangedSince)
		changes, err := s.acc.ChangesSince(ctx, store.CollectionEmail, since)
		xcheckf(err, "changes since precondition modseq")
		var expunged []store.UID
		for _, c := range changes {
			switch {
			case c.Kind == store.ChangeUpdate:
				changed[store.MessageID(c.RecordID)] = true
			case c.Kind == store.ChangeDelete && c.MailboxID == sel.Mailbox.ID:
				expunged = append(expunged, c.UID)
			}
		}
		if cmd.UID && len(expunged) > 0 {
			slices.Sort(expunged)
			for _, uid := range sel.ExpandMissing(cmd.NumSet, true) {
				if _, ok := slices.BinarySearch(expunged, uid); ok {
					result.ExpungeIssued = true
					break
				}
			}
		}
	}

	maxAttempts := 1 + mox.Conf.Static.Store.MaxRetries
	b := s.acc.BeginChanges()
	seenMailboxes := map[int64]bool{}

	// Changes to a message are not interrupted halfway.
	wctx := context.WithoutCancel(ctx)
	var canceled error
	for _, a := range addrs {
		if err := ctx.Err(); err != nil {
			canceled = err
			break
		}

		var rec StoreRecord
		if cmd.UnchangedSince != nil && changed[a.ID] {
			rec = StoreRecord{Seq: a.Seq, UID: a.UID, ID: a.ID, Outcome: OutcomeSkipped}
		} else {
			rec = s.xstoreMessage(wctx, b, a, op, labels, cmd.UnchangedSince != nil, since, maxAttempts, seenMailboxes)
		}
		metrics.StoreRecordInc(string(rec.Outcome))
		switch rec.Outcome {
		case OutcomeSkipped:
			if cmd.UID {
				result.Modified = append(result.Modified, uint32(rec.UID))
			} else {
				result.Modified = append(result.Modified, rec.Seq)
			}
		case OutcomeConflict:
			result.Failed = true
		case OutcomeNotFound:
			if cmd.UnchangedSince != nil {
				result.ExpungeIssued = true
			}
		}
		result.Records = append(result.Records, rec)
	}

	// Unseen counts of mailboxes with the message have changed.
	mailboxIDs := maps.Keys(seenMailboxes)
	slices.Sort(mailboxIDs)
	for _, mbID := range mailboxIDs {
		b.LogChildUpdate(store.CollectionMailbox, mbID)
	}

	modseq, err := b.Commit(wctx, s.comm)
	xcheckf(err, "commit changes")
	result.ModSeq = int64(modseq)

	if s.Condstore {
		ms, err := s.acc.HighestModSeq(wctx)
		xcheckf(err, "get highest modseq")
		result.HighestModSeq = ms.Client()
	}
	s.log.Debug("store", slog.String("numset", cmd.NumSet.String()), slog.Int("records", len(result.Records)), slog.Any("modseq", modseq), slog.Bool("failed", result.Failed))

	if canceled != nil {
		return result, canceled
	}
	return result, nil
}

func newLabels(old []string, op imap.StoreFlagsOp, labels []string) []string {
	switch op {
	case imap.StoreFlagsAdd:
		l, _ := store.MergeKeywords(old, labels)
		return l
	case imap.StoreFlagsDel:
		l, _ := store.RemoveKeywords(old, labels)
		return l
	}
	return append([]string{}, labels...)
}

// xstoreMessage changes the labels of a single message: read labels and
// version token, compute the new labels, write conditionally on the token.
// Retried on conflict, up to maxAttempts writes.
func (s *Session) xstoreMessage(ctx context.Context, b *store.ChangeLogBuilder, a Address, op imap.StoreFlagsOp, labels []string, precondition bool, since store.ModSeq, maxAttempts int, seenMailboxes map[int64]bool) StoreRecord {
	rec := StoreRecord{Seq: a.Seq, UID: a.UID, ID: a.ID}
	junkKeyword := mox.Conf.Static.Store.JunkKeyword
	notJunkKeyword := mox.Conf.Static.Store.NotJunkKeyword

	for {
		var ls store.LabelState
		err := s.acc.DB.Read(ctx, func(tx *bstore.Tx) error {
			var err error
			ls, err = s.acc.ReadLabels(tx, a.ID)
			return err
		})
		if err == bstore.ErrAbsent {
			s.log.Info("message gone during store, skipping", slog.Any("uid", a.UID), slog.Any("msgid", a.ID))
			rec.Outcome = OutcomeNotFound
			return rec
		}
		xcheckf(err, "reading labels")

		rec.Flags = labelStrings(ls.Labels)
		rec.ModSeq = ls.ModSeq.Client()
		if precondition && ls.ModSeq > since {
			rec.Outcome = OutcomeSkipped
			return rec
		}

		nlabels := newLabels(ls.Labels, op, labels)
		if slices.Equal(ls.Labels, nlabels) {
			rec.Outcome = OutcomeUnchanged
			return rec
		}

		rec.Attempts++
		if s.beforeCAS != nil {
			s.beforeCAS(a.ID, rec.Attempts)
		}

		train, junk := store.NeedsTraining(ls.Labels, nlabels, junkKeyword, notJunkKeyword)
		seenChanged := hasLabel(ls.Labels, store.FlagSeen) != hasLabel(nlabels, store.FlagSeen)
		var m store.Message
		var mailboxIDs []int64
		err = b.Write(ctx, func(tx *bstore.Tx) error {
			var err error
			m, err = b.SetLabels(tx, a.ID, ls.Token, nlabels)
			if err != nil {
				return err
			}
			if train {
				if err := s.acc.QueueTraining(tx, a.ID, junk); err != nil {
					return err
				}
			}
			if seenChanged {
				mailboxIDs, err = s.acc.MessageMailboxes(tx, a.ID)
			}
			return err
		})
		switch {
		case err == store.ErrConflict:
			metrics.StoreRetryInc()
			s.log.Debug("labels changed concurrently", slog.Any("msgid", a.ID), slog.Int("attempt", rec.Attempts))
			if rec.Attempts >= maxAttempts {
				s.log.Info("giving up changing labels after concurrent changes", slog.Any("msgid", a.ID), slog.Int("attempts", rec.Attempts))
				rec.Outcome = OutcomeConflict
				return rec
			}
			continue
		case err == bstore.ErrAbsent:
			rec.Outcome = OutcomeNotFound
			return rec
		}
		xcheckf(err, "changing labels")

		for _, mbID := range mailboxIDs {
			seenMailboxes[mbID] = true
		}
		rec.Outcome = OutcomeUpdated
		rec.Flags = labelStrings(m.Keywords)
		rec.ModSeq = m.ModSeq.Client()
		return rec
	}
}
