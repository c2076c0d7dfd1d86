package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjl-/mailstore/imapengine"
	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/store"
)

func TestImportMaildir(t *testing.T) {
	os.RemoveAll("testdata/import/data")
	mox.ConfigStaticPath = filepath.FromSlash("testdata/import/mailstore.conf")
	mox.MustLoadConfig(true)
	defer store.Switchboard()()

	log := mlog.New("import", nil)
	acc, err := store.OpenAccount(log, "mjl")
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account")
	}()

	dir := filepath.Join(t.TempDir(), "maildir")
	for _, sub := range []string{"new", "cur", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0770); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	files := map[string]string{
		"cur/1700000002.1.host:2,S": "Subject: second\n\nbody\n",
		"cur/1700000003.1.host:2,":  "Subject: third\n\nbody\n",
		"new/1700000001.1.host":     "Subject: first\n\nbody\n",
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0660); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	n, err := importMaildir(context.Background(), log, acc, "Archive", dir, false, 2)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 3 {
		t.Fatalf("imported %d messages, expected 3", n)
	}

	// UIDs follow new then cur, in file name order.
	s := imapengine.NewSession(log, acc, nil)
	defer s.Close()
	if _, err := s.Select(context.Background(), "Archive", true); err != nil {
		t.Fatalf("select: %v", err)
	}
	ns, err := imapengine.ParseNumSet("1:*")
	if err != nil {
		t.Fatalf("parse numset: %v", err)
	}
	items, err := imapengine.ParseFetchItems("(FLAGS ENVELOPE)")
	if err != nil {
		t.Fatalf("parse fetch items: %v", err)
	}
	r, err := s.Fetch(context.Background(), imapengine.FetchCommand{NumSet: ns, UID: true, Items: items})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(r.Records) != 3 {
		t.Fatalf("fetched %d records, expected 3", len(r.Records))
	}
	for i, exp := range []struct {
		subject string
		seen    bool
	}{{"first", false}, {"second", true}, {"third", false}} {
		rec := r.Records[i]
		if subject := rec.Value("ENVELOPE").Envelope.Subject; subject != exp.subject {
			t.Fatalf("message %d: subject %q, expected %q", i, subject, exp.subject)
		}
		if seen := len(rec.Value("FLAGS").Flags) == 1; seen != exp.seen {
			t.Fatalf("message %d: flags %v, expected seen %v", i, rec.Value("FLAGS").Flags, exp.seen)
		}
	}

	_, err = importMaildir(context.Background(), log, acc, "Bogus", dir, false, 2)
	if err == nil {
		t.Fatalf("import into unknown mailbox: got nil error")
	}
}
