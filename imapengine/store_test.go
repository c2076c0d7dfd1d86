package imapengine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mailstore/store"
)

func storeFlags(t *testing.T, s string) imap.StoreFlags {
	t.Helper()
	f, err := ParseStoreFlags(s)
	tcheck(t, err, "parse store flags")
	return f
}

func xstore(t *testing.T, s *Session, set string, byUID bool, flags string) StoreResult {
	t.Helper()
	r, err := s.Store(ctxbg, StoreCommand{NumSet: numSet(t, set), UID: byUID, Flags: storeFlags(t, flags)})
	tcheck(t, err, "store")
	return r
}

func outcomes(r StoreResult) []StoreOutcome {
	var l []StoreOutcome
	for _, rec := range r.Records {
		l = append(l, rec.Outcome)
	}
	return l
}

func TestStore(t *testing.T) {
	env := setup(t, 3)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	r := xstore(t, s, "1:2", false, `+FLAGS (\SEEN $Forwarded)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated, OutcomeUpdated})
	tcompare(t, r.ModSeq, int64(4))
	tcompare(t, r.Failed, false)
	for _, rec := range r.Records {
		tcompare(t, rec.Flags, []string{"$forwarded", `\Seen`})
		tcompare(t, rec.ModSeq, int64(4))
		tcompare(t, rec.Attempts, 1)
	}

	// Two label updates and a single mailbox update for the unseen count, all with
	// the same modseq.
	changes, err := env.acc.ChangesSince(ctxbg, store.CollectionEmail, 3)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 2)
	for _, c := range changes {
		tcompare(t, c.Kind, store.ChangeUpdate)
		tcompare(t, c.ModSeq, store.ModSeq(4))
	}
	changes, err = env.acc.ChangesSince(ctxbg, store.CollectionMailbox, 3)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 1)

	// Setting the same labels again changes nothing, and consumes no modseq.
	r = xstore(t, s, "1:2", false, `FLAGS ($forwarded \Seen)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUnchanged, OutcomeUnchanged})
	tcompare(t, r.ModSeq, int64(0))
	ms, err := env.acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, store.ModSeq(4))

	// Keyword only, no mailbox change.
	r = xstore(t, s, "1", true, `-FLAGS.SILENT ($forwarded $bogus)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
	tcompare(t, r.Records[0].Flags, []string{`\Seen`})
	changes, err = env.acc.ChangesSince(ctxbg, store.CollectionMailbox, 4)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 0)

	// Junk keyword queues training.
	r = xstore(t, s, "3", false, `+FLAGS ($Junk)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
	tasks, err := env.acc.TrainTasks(ctxbg)
	tcheck(t, err, "train tasks")
	tcompare(t, len(tasks), 1)
	tcompare(t, tasks[0].MessageID, r.Records[0].ID)
	tcompare(t, tasks[0].Junk, true)
	r = xstore(t, s, "3", false, `FLAGS ($notjunk)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
	tasks, err = env.acc.TrainTasks(ctxbg)
	tcheck(t, err, "train tasks")
	tcompare(t, len(tasks), 2)
	tcompare(t, tasks[1].Junk, false)

	// Messages removed by another session, only noticed at sync.
	_, err = env.acc.Expunge(ctxbg, nil, "Inbox", []store.UID{2})
	tcheck(t, err, "expunge")
	r = xstore(t, s, "1:*", true, `+FLAGS ($x)`)
	tcompare(t, len(r.Records), 2)
	tcompare(t, uidsOf(r), []store.UID{1, 3})
}

func uidsOf(r StoreResult) []store.UID {
	var l []store.UID
	for _, rec := range r.Records {
		l = append(l, rec.UID)
	}
	return l
}

func TestStoreRejected(t *testing.T) {
	env := setup(t, 1)
	defer env.close()

	ro := env.session("Inbox", true)
	defer ro.Close()
	_, err := ro.Store(ctxbg, StoreCommand{NumSet: numSet(t, "1"), Flags: storeFlags(t, `+FLAGS (\Seen)`)})
	var uerr *UserError
	if !errors.As(err, &uerr) {
		t.Fatalf("store in read-only mailbox: got %v, expected user error", err)
	}

	s := NewSession(pkglogTest, env.acc, denyChecker{modify: true})
	defer s.Close()
	_, err = s.Select(ctxbg, "Inbox", false)
	tcheck(t, err, "select")
	_, err = s.Store(ctxbg, StoreCommand{NumSet: numSet(t, "1"), Flags: storeFlags(t, `+FLAGS (\Seen)`)})
	if !errors.As(err, &uerr) || uerr.Code != "NOPERM" {
		t.Fatalf("store without permission: got %v, expected NOPERM", err)
	}

	_, err = ParseStoreFlags(`+FLAGS (\Recent)`)
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("parse store flags with \\Recent: got %v, expected syntax error", err)
	}
	_, err = s.Store(ctxbg, StoreCommand{NumSet: numSet(t, "1"), Flags: imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{"with space"}}})
	if !errors.As(err, &serr) {
		t.Fatalf("store with bad keyword: got %v, expected syntax error", err)
	}

	ms, err := env.acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, store.ModSeq(1))
}

func TestStoreConflict(t *testing.T) {
	env := setup(t, 1)
	defer env.close()

	a := env.session("Inbox", false)
	defer a.Close()
	b := env.session("Inbox", false)
	defer b.Close()

	// Session b changes the labels between a reading and writing them.
	a.beforeCAS = func(id store.MessageID, attempt int) {
		if attempt != 1 {
			return
		}
		r := xstore(t, b, "1", false, `+FLAGS ($b)`)
		tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
		tcompare(t, r.Records[0].Attempts, 1)
	}
	r := xstore(t, a, "1", false, `+FLAGS ($a)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
	tcompare(t, r.Records[0].Attempts, 2)
	tcompare(t, r.Records[0].Flags, []string{"$a", "$b"})
	tcompare(t, r.Failed, false)
	tcompare(t, readLabels(t, env.acc, r.Records[0].ID), []string{"$a", "$b"})

	// Session b was notified of the change by a.
	select {
	case <-b.comm.Pending:
	default:
		t.Fatalf("no pending state change for other session")
	}

	// Continuous changes by b exhaust the attempts of a.
	a.beforeCAS = func(id store.MessageID, attempt int) {
		xstore(t, b, "1", false, fmt.Sprintf(`FLAGS ($n%d)`, attempt))
	}
	r = xstore(t, a, "1", false, `+FLAGS ($c)`)
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeConflict})
	tcompare(t, r.Failed, true)
	tcompare(t, r.Records[0].Attempts, 11)
	tcompare(t, r.ModSeq, int64(0))
}

func TestStoreUnchangedSince(t *testing.T) {
	env := setup(t, 3)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	xstore(t, s, "1", true, `+FLAGS ($a)`) // modseq 4
	xstore(t, s, "3", true, `+FLAGS ($b)`) // modseq 5
	xstore(t, s, "1", true, `+FLAGS ($x)`) // modseq 6
	xstore(t, s, "2", true, `+FLAGS ($d)`) // modseq 7

	unchangedSince := int64(5)
	cmd := StoreCommand{NumSet: numSet(t, "2:3"), UID: true, Flags: storeFlags(t, `+FLAGS ($e)`), UnchangedSince: &unchangedSince}
	r, err := s.Store(ctxbg, cmd)
	tcheck(t, err, "store")
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeSkipped, OutcomeUpdated})
	tcompare(t, r.Modified, []uint32{2})
	tcompare(t, r.ModifiedSet().String(), "2")
	tcompare(t, r.ExpungeIssued, false)
	tcompare(t, r.Failed, false)
	tcompare(t, r.ModSeq, int64(8))
	tcompare(t, r.HighestModSeq, int64(8))
	tcompare(t, r.Records[1].Flags, []string{"$b", "$e"})
	tcompare(t, readLabels(t, env.acc, r.Records[0].ID), []string{"$d"})

	// A message in the set that was removed after the modseq is flagged.
	_, err = env.acc.Expunge(ctxbg, nil, "Inbox", []store.UID{3})
	tcheck(t, err, "expunge")
	cmd.NumSet = numSet(t, "3")
	r, err = s.Store(ctxbg, cmd)
	tcheck(t, err, "store")
	tcompare(t, len(r.Records), 0)
	tcompare(t, r.ExpungeIssued, true)

	// Sequence numbers in the modified set.
	unchangedSince = 1
	cmd = StoreCommand{NumSet: numSet(t, "1:*"), Flags: storeFlags(t, `+FLAGS ($f)`), UnchangedSince: &unchangedSince}
	r, err = s.Store(ctxbg, cmd)
	tcheck(t, err, "store")
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeSkipped, OutcomeSkipped})
	tcompare(t, r.ModifiedSet().String(), "1:2")
}

func TestStoreCanceled(t *testing.T) {
	env := setup(t, 2)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	// Canceled after the first message, its change is kept.
	ctx, cancel := context.WithCancel(ctxbg)
	defer cancel()
	s.beforeCAS = func(id store.MessageID, attempt int) {
		cancel()
	}
	r, err := s.Store(ctx, StoreCommand{NumSet: numSet(t, "1:2"), Flags: storeFlags(t, `+FLAGS ($a)`)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("store with canceled context: got %v, expected context.Canceled", err)
	}
	tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
	tcompare(t, r.ModSeq, int64(3))
	ms, err := env.acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, store.ModSeq(3))
}

func TestStoreConcurrent(t *testing.T) {
	env := setup(t, 1)
	defer env.close()

	// Sessions adding different keywords to the same message at the same time all
	// succeed, conflicts are resolved by retrying.
	const n = 4
	var g errgroup.Group
	results := make([]StoreResult, n)
	for i := 0; i < n; i++ {
		i := i
		s := env.session("Inbox", false)
		defer s.Close()
		cmd := StoreCommand{NumSet: numSet(t, "1"), Flags: storeFlags(t, fmt.Sprintf("+FLAGS ($k%d)", i))}
		g.Go(func() error {
			r, err := s.Store(ctxbg, cmd)
			results[i] = r
			return err
		})
	}
	err := g.Wait()
	tcheck(t, err, "concurrent stores")

	modseqs := map[int64]bool{}
	for _, r := range results {
		tcompare(t, outcomes(r), []StoreOutcome{OutcomeUpdated})
		if r.Records[0].Attempts > n {
			t.Fatalf("store took %d attempts, expected at most %d", r.Records[0].Attempts, n)
		}
		modseqs[r.ModSeq] = true
	}
	tcompare(t, len(modseqs), n)
	tcompare(t, readLabels(t, env.acc, 1), []string{"$k0", "$k1", "$k2", "$k3"})

	ms, err := env.acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, store.ModSeq(1+n))
}
