package imapengine

import (
	"errors"
	"strings"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailstore/store"
)

var partsMsg = crlf(`From: <mjl@mox.example>
To: <other@mox.example>
Subject: parts
Message-ID: <p01@mox.example>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=x

--x
Content-Type: text/plain

text
--x
Content-Type: application/octet-stream
Content-Transfer-Encoding: x-bogus

data
--x
Content-Type: application/octet-stream
Content-Transfer-Encoding: base64

aGVsbG8=
--x--
`)

func fetchItems(t *testing.T, s string) []FetchItem {
	t.Helper()
	l, err := ParseFetchItems(s)
	tcheck(t, err, "parse fetch items")
	return l
}

func fetch(t *testing.T, s *Session, set string, byUID bool, items string) FetchResult {
	t.Helper()
	r, err := s.Fetch(ctxbg, FetchCommand{NumSet: numSet(t, set), UID: byUID, Items: fetchItems(t, items)})
	tcheck(t, err, "fetch")
	return r
}

func names(rec FetchRecord) []string {
	var l []string
	for _, v := range rec.Values {
		l = append(l, v.Name)
	}
	return l
}

func readLabels(t *testing.T, acc *store.Account, id store.MessageID) []string {
	t.Helper()
	var ls store.LabelState
	err := acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		var err error
		ls, err = acc.ReadLabels(tx, id)
		return err
	})
	tcheck(t, err, "read labels")
	return ls.Labels
}

func TestFetch(t *testing.T) {
	env := setup(t, 2)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	raw := simpleMsg(1)
	r := fetch(t, s, "1", true, "(FLAGS RFC822.SIZE EMAILID THREADID ENVELOPE BODY.PEEK[] BODY.PEEK[]<0.4>)")
	tcompare(t, len(r.Records), 1)
	rec := r.Records[0]
	tcompare(t, names(rec), []string{"UID", "FLAGS", "RFC822.SIZE", "EMAILID", "THREADID", "ENVELOPE", "BODY[]", "BODY[]<0>"})
	tcompare(t, rec.Values[0].Number, int64(1))
	tcompare(t, rec.Values[1].Flags, []string{})
	tcompare(t, rec.Values[2].Number, int64(len(raw)))
	tcompare(t, rec.Values[3].Text, "M1")
	tcompare(t, rec.Values[4].Text, "T1")
	tcompare(t, rec.Values[5].Envelope.Subject, "test 1")
	tcompare(t, string(rec.Values[6].Bytes), raw)
	tcompare(t, string(rec.Values[7].Bytes), "From")
	tcompare(t, r.HighestModSeq, int64(0))

	// Peek does not mark as read.
	tcompare(t, len(readLabels(t, env.acc, rec.ID)), 0)

	// Header and text together are the whole message.
	r = fetch(t, s, "1", false, "(BODY.PEEK[HEADER] BODY.PEEK[TEXT] BODY.PEEK[1] BODY.PEEK[5] BODY.PEEK[HEADER.FIELDS (subject)])")
	rec = r.Records[0]
	tcompare(t, string(rec.Values[0].Bytes)+string(rec.Values[1].Bytes), raw)
	tcompare(t, string(rec.Values[1].Bytes), "hi 1\r\n")
	// Part 1 of a non-multipart message is its body.
	tcompare(t, string(rec.Values[2].Bytes), "hi 1\r\n")
	// Nonexistent part.
	tcompare(t, rec.Values[3].Bytes, []byte(nil))
	tcompare(t, rec.Values[4].Name, "BODY[HEADER.FIELDS (SUBJECT)]")
	tcompare(t, string(rec.Values[4].Bytes), "Subject: test 1\r\n\r\n")

	// Fetching a section without peek marks as read, flags are added to the
	// response.
	r = fetch(t, s, "1:2", false, "(BODY[HEADER.FIELDS (Subject)])")
	tcompare(t, len(r.Records), 2)
	for i, rec := range r.Records {
		tcompare(t, names(rec), []string{"BODY[HEADER.FIELDS (SUBJECT)]", "FLAGS"})
		tcompare(t, rec.Values[1].Flags, []string{`\Seen`})
		tcompare(t, rec.Seq, uint32(i+1))
		tcompare(t, readLabels(t, env.acc, rec.ID), []string{`\Seen`})
	}
	ms, err := env.acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, store.ModSeq(3))

	// Both messages were changed in one batch, with a mailbox update for the
	// unseen count.
	changes, err := env.acc.ChangesSince(ctxbg, store.CollectionEmail, 2)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 2)
	changes, err = env.acc.ChangesSince(ctxbg, store.CollectionMailbox, 2)
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 1)
	tcompare(t, changes[0].Kind, store.ChangeChildUpdate)

	// Already read, nothing changes.
	r = fetch(t, s, "1", false, "(RFC822)")
	tcompare(t, names(r.Records[0]), []string{"RFC822"})
	ms, err = env.acc.HighestModSeq(ctxbg)
	tcheck(t, err, "highest modseq")
	tcompare(t, ms, store.ModSeq(3))
}

func TestFetchReadOnly(t *testing.T) {
	env := setup(t, 1)
	defer env.close()

	s := env.session("Inbox", true)
	defer s.Close()

	r := fetch(t, s, "1", false, "(RFC822.TEXT)")
	tcompare(t, names(r.Records[0]), []string{"RFC822.TEXT"})
	tcompare(t, string(r.Records[0].Values[0].Bytes), "hi 1\r\n")
	tcompare(t, len(readLabels(t, env.acc, r.Records[0].ID)), 0)

	// Without permission to modify, messages are not marked as read either.
	s2 := NewSession(pkglogTest, env.acc, denyChecker{modify: true})
	defer s2.Close()
	_, err := s2.Select(ctxbg, "Inbox", false)
	tcheck(t, err, "select")
	r = fetch(t, s2, "1", false, "(BODY[])")
	tcompare(t, names(r.Records[0]), []string{"BODY[]"})
	tcompare(t, len(readLabels(t, env.acc, r.Records[0].ID)), 0)
}

func TestFetchBinary(t *testing.T) {
	env := setup(t, 0)
	defer env.close()
	env.deliver("Inbox", partsMsg)

	s := env.session("Inbox", false)
	defer s.Close()

	r := fetch(t, s, "1", true, "(BINARY.PEEK[3] BINARY.SIZE[3] BINARY.PEEK[2] BODYSTRUCTURE BINARY.PEEK[3]<1.3>)")
	rec := r.Records[0]
	tcompare(t, names(rec), []string{"UID", "BINARY[3]", "BINARY.SIZE[3]", "BINARY[2]", "BODYSTRUCTURE", "BINARY[3]<1>"})
	tcompare(t, string(rec.Values[1].Bytes), "hello")
	tcompare(t, rec.Values[2].Number, int64(5))
	tcompare(t, string(rec.Values[5].Bytes), "ell")

	// Undecodable part gives an error for just that attribute.
	v := rec.Values[3]
	if v.Err == nil || v.Err.Code != "UNKNOWN-CTE" {
		t.Fatalf("binary of part with bad content-transfer-encoding: got %#v, expected UNKNOWN-CTE error", v.Err)
	}
	tcompare(t, v.Bytes, []byte(nil))

	bs := rec.Values[4].Structure
	tcompare(t, bs.MediaType, "MULTIPART")
	tcompare(t, len(bs.Parts), 3)
	tcompare(t, bs.Parts[2].Encoding, "BASE64")
}

func TestFetchChangedSince(t *testing.T) {
	env := setup(t, 3)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	flags, err := ParseStoreFlags("+FLAGS ($x)")
	tcheck(t, err, "parse store flags")
	_, err = s.Store(ctxbg, StoreCommand{NumSet: numSet(t, "2"), UID: true, Flags: flags})
	tcheck(t, err, "store")
	_, err = env.acc.Expunge(ctxbg, nil, "Inbox", []store.UID{3})
	tcheck(t, err, "expunge")

	since := int64(3)
	cmd := FetchCommand{
		NumSet:       numSet(t, "1:10"),
		UID:          true,
		Items:        fetchItems(t, "FLAGS"),
		ChangedSince: &since,
		Vanished:     true,
	}
	_, err = s.Fetch(ctxbg, cmd)
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("vanished without qresync: got %v, expected syntax error", err)
	}

	s.Qresync = true
	r, err := s.Fetch(ctxbg, cmd)
	tcheck(t, err, "fetch changedsince")
	tcompare(t, len(r.Records), 1)
	rec := r.Records[0]
	tcompare(t, rec.UID, store.UID(2))
	tcompare(t, names(rec), []string{"UID", "FLAGS", "MODSEQ"})
	tcompare(t, rec.Values[1].Flags, []string{"$x"})
	tcompare(t, rec.Values[2].Number, int64(4))
	tcompare(t, r.Vanished, []store.UID{3})
	tcompare(t, r.HighestModSeq, int64(5))
	tcompare(t, s.Selected().Count(), 2)

	// Nothing changed after the latest modseq.
	since = 5
	r, err = s.Fetch(ctxbg, cmd)
	tcheck(t, err, "fetch changedsince")
	tcompare(t, len(r.Records), 0)
	tcompare(t, len(r.Vanished), 0)
}

func TestFetchMissingBlob(t *testing.T) {
	env := setup(t, 2)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	// Remove the raw content of the first message.
	var m store.Message
	err := env.acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		m = store.Message{ID: 1}
		return tx.Get(&m)
	})
	tcheck(t, err, "get message")
	err = env.acc.Blobs.Delete(m.BlobHash)
	tcheck(t, err, "delete blob")

	// Metadata can still be returned, content cannot, the record is left out.
	r := fetch(t, s, "1:2", false, "(FLAGS RFC822.SIZE)")
	tcompare(t, len(r.Records), 2)
	r = fetch(t, s, "1:2", false, "(FLAGS BODY.PEEK[])")
	tcompare(t, len(r.Records), 1)
	tcompare(t, r.Records[0].Seq, uint32(2))
}

func TestFetchSyntax(t *testing.T) {
	env := setup(t, 1)
	defer env.close()

	s := env.session("Inbox", false)
	defer s.Close()

	for _, cmd := range []FetchCommand{
		{NumSet: numSet(t, "1")},
		{NumSet: numSet(t, "1"), Items: []FetchItem{{Attr: AttrBodySection}}},
		{NumSet: numSet(t, "1"), Items: []FetchItem{{Attr: "BOGUS"}}},
		{NumSet: numSet(t, "1"), Items: []FetchItem{{Attr: AttrFlags}}, Vanished: true},
	} {
		_, err := s.Fetch(ctxbg, cmd)
		var serr *SyntaxError
		if !errors.As(err, &serr) {
			t.Fatalf("fetch %#v: got %v, expected syntax error", cmd, err)
		}
	}
}

// A header item before a content item uses the full message, read once.
func TestFetchContentOnce(t *testing.T) {
	env := setup(t, 0)
	defer env.close()

	mm := env.deliver("Inbox", partsMsg)
	s := env.session("Inbox", true)
	defer s.Close()

	m := store.Message{ID: mm.MessageID}
	err := env.acc.DB.Get(ctxbg, &m)
	tcheck(t, err, "get message")
	a := Address{Seq: 1, UID: mm.UID, ID: mm.MessageID}

	items := fetchItems(t, "(BODY.PEEK[HEADER] BODY.PEEK[1])")
	p := newProjection(s, m, items)
	hdr := p.value(a, items[0])
	tcompare(t, p.rawFull, true)
	raw := p.raw
	text := p.value(a, items[1])
	tcompare(t, &p.raw[0] == &raw[0], true)
	tcompare(t, string(text.Bytes), "text")
	tcompare(t, string(hdr.Bytes), partsMsg[:strings.Index(partsMsg, "\r\n\r\n")+4])

	// Without content items, only the header is read.
	items = fetchItems(t, "(BODY.PEEK[HEADER.FIELDS (Subject)])")
	p = newProjection(s, m, items)
	v := p.value(a, items[0])
	tcompare(t, p.rawFull, false)
	tcompare(t, len(p.raw), len(hdr.Bytes))
	tcompare(t, string(v.Bytes), "Subject: parts\r\n\r\n")
}
