package imapengine

import (
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/mjl-/mailstore/store"
)

func TestParseNumSet(t *testing.T) {
	for _, s := range []string{"1", "1:*", "*", "1,3:5,7:*", "5:3"} {
		ns, err := ParseNumSet(s)
		tcheck(t, err, "parse numset")
		tcompare(t, ns.String(), s)
	}
	for _, s := range []string{"", "0", "1:0", "$", "1,", "a", "1 2"} {
		_, err := ParseNumSet(s)
		var serr *SyntaxError
		if !errors.As(err, &serr) {
			t.Fatalf("parse numset %q: got %v, expected syntax error", s, err)
		}
	}

	tcompare(t, CompactUIDSet([]store.UID{1, 2, 3, 5, 7, 8}).String(), "1:3,5,7:8")
	tcompare(t, CompactUIDSet(nil).String(), "")
}

func TestParseFetchItems(t *testing.T) {
	l, err := ParseFetchItems("ALL")
	tcheck(t, err, "parse")
	tcompare(t, l, []FetchItem{{Attr: AttrFlags}, {Attr: AttrInternalDate}, {Attr: AttrRFC822Size}, {Attr: AttrEnvelope}})

	l, err = ParseFetchItems("(flags body.peek[1.2.HEADER.FIELDS (Subject To)]<0.100> binary[3]<1.2> BINARY.SIZE[] modseq body[2.mime])")
	tcheck(t, err, "parse")
	tcompare(t, l, []FetchItem{
		{Attr: AttrFlags},
		{Attr: AttrBodySection, Section: &imap.FetchItemBodySection{
			Part:         []int{1, 2},
			HeaderFields: []string{"Subject", "To"},
			Partial:      &imap.SectionPartial{Offset: 0, Size: 100},
			Peek:         true,
		}},
		{Attr: AttrBinary, Binary: &imap.FetchItemBinarySection{Part: []int{3}, Partial: &imap.SectionPartial{Offset: 1, Size: 2}}},
		{Attr: AttrBinarySize, Binary: &imap.FetchItemBinarySection{}},
		{Attr: AttrModSeq},
		{Attr: AttrBodySection, Section: &imap.FetchItemBodySection{Part: []int{2}, Specifier: imap.PartSpecifierMIME}},
	})
	var names []string
	for _, fi := range l {
		names = append(names, fi.Name())
	}
	tcompare(t, names, []string{"FLAGS", "BODY[1.2.HEADER.FIELDS (SUBJECT TO)]<0>", "BINARY[3]<1>", "BINARY.SIZE[]", "MODSEQ", "BODY[2.MIME]"})

	for _, s := range []string{"", "BODY.PEEK", "BODY[MIME]", "BODY[0]", "BINARY.SIZE.PEEK[1]", "(FLAGS", "BOGUS", "BODY[HEADER.FIELDS ()]", "BODY[]<0.0>"} {
		_, err := ParseFetchItems(s)
		var serr *SyntaxError
		if !errors.As(err, &serr) {
			t.Fatalf("parse fetch items %q: got %v, expected syntax error", s, err)
		}
	}
}

func TestParseStoreFlags(t *testing.T) {
	f, err := ParseStoreFlags(`+FLAGS.SILENT (\Seen $Forwarded)`)
	tcheck(t, err, "parse")
	tcompare(t, f, imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{`\Seen`, "$Forwarded"}})

	f, err = ParseStoreFlags(`-flags $junk`)
	tcheck(t, err, "parse")
	tcompare(t, f, imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: []imap.Flag{"$junk"}})

	f, err = ParseStoreFlags(`FLAGS ()`)
	tcheck(t, err, "parse")
	tcompare(t, f, imap.StoreFlags{Op: imap.StoreFlagsSet})

	for _, s := range []string{"", "FLAGS", "+FLAGS (\\Recent)", "FLAGS ($a", "LABELS ($a)"} {
		_, err := ParseStoreFlags(s)
		var serr *SyntaxError
		if !errors.As(err, &serr) {
			t.Fatalf("parse store flags %q: got %v, expected syntax error", s, err)
		}
	}
}
