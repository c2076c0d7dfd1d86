package imapengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/mjl-/mailstore/store"
)

// NumSet is a set of sequence numbers or UIDs, e.g. "1,3:5,7:*".
type NumSet struct {
	Ranges []NumRange
}

// SetNumber is a number in a set, or "*" for the highest number.
type SetNumber struct {
	Number uint32
	Star   bool
}

// NumRange is a single number, or a range with Last set.
type NumRange struct {
	First SetNumber
	Last  *SetNumber
}

func (ss NumSet) String() string {
	s := ""
	for _, r := range ss.Ranges {
		if s != "" {
			s += ","
		}
		if r.First.Star {
			s += "*"
		} else {
			s += fmt.Sprintf("%d", r.First.Number)
		}
		if r.Last == nil {
			continue
		}
		s += ":"
		if r.Last.Star {
			s += "*"
		} else {
			s += fmt.Sprintf("%d", r.Last.Number)
		}
	}
	return s
}

// bounds returns the range as an ordered interval, with star replaced by
// highest.
func (r NumRange) bounds(highest uint32) (uint32, uint32) {
	first := r.First.Number
	if r.First.Star {
		first = highest
	}
	last := first
	if r.Last != nil {
		last = r.Last.Number
		if r.Last.Star {
			last = highest
		}
	}
	if first > last {
		first, last = last, first
	}
	return first, last
}

// CompactUIDSet returns a set with ranges for runs of consecutive UIDs. l must
// be sorted.
func CompactUIDSet(l []store.UID) (r NumSet) {
	for len(l) > 0 {
		e := 1
		for ; e < len(l) && l[e] == l[e-1]+1; e++ {
		}
		first := SetNumber{Number: uint32(l[0])}
		var last *SetNumber
		if e > 1 {
			last = &SetNumber{Number: uint32(l[e-1])}
		}
		r.Ranges = append(r.Ranges, NumRange{first, last})
		l = l[e:]
	}
	return
}

type parser struct {
	orig     string
	upper    string
	o        int
	contexts []string
}

// toUpper upper cases bytes that are a-z, keeping offsets into the original
// and upper case strings the same.
func toUpper(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'a' && c <= 'z' {
			r[i] = c - 0x20
		}
	}
	return string(r)
}

func newParser(s string) *parser {
	return &parser{orig: s, upper: toUpper(s)}
}

func (p *parser) xerrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	remaining := fmt.Sprintf("remaining %q", p.orig[p.o:])
	if len(p.contexts) > 0 {
		remaining += ", context " + strings.Join(p.contexts, ",")
	}
	xsyntaxErrorf("%s (%s)", errmsg, remaining)
}

func (p *parser) context(s string) func() {
	p.contexts = append(p.contexts, s)
	return func() {
		p.contexts = p.contexts[:len(p.contexts)-1]
	}
}

func (p *parser) empty() bool {
	return p.o == len(p.upper)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data")
	}
}

func (p *parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.upper[p.o:], s)
}

func (p *parser) take(s string) bool {
	if !p.hasPrefix(s) {
		return false
	}
	p.o += len(s)
	return true
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %s", s)
	}
}

func (p *parser) xspace() {
	p.xtake(" ")
}

func (p *parser) takelist(l ...string) (string, bool) {
	for _, w := range l {
		if p.take(w) {
			return w, true
		}
	}
	return "", false
}

func (p *parser) xtakelist(l ...string) string {
	w, ok := p.takelist(l...)
	if !ok {
		p.xerrorf("expected one of %s", strings.Join(l, ","))
	}
	return w
}

func (p *parser) digits() string {
	o := p.o
	for o < len(p.upper) && p.upper[o] >= '0' && p.upper[o] <= '9' {
		o++
	}
	s := p.upper[p.o:o]
	p.o = o
	return s
}

func (p *parser) xnumber() uint32 {
	s := p.digits()
	if s == "" {
		p.xerrorf("expected number")
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return uint32(n)
}

func (p *parser) xnznumber() uint32 {
	n := p.xnumber()
	if n == 0 {
		p.xerrorf("expected non-zero number")
	}
	return n
}

func (p *parser) xnumber64() int64 {
	s := p.digits()
	if s == "" {
		p.xerrorf("expected number64")
	}
	v, err := strconv.ParseInt(s, 10, 63) // ../rfc/9051:6794 ../rfc/7162:297
	if err != nil {
		p.xerrorf("parsing number64 %q: %v", s, err)
	}
	return v
}

// xatomish takes characters up to a space, parenthesis or bracket.
func (p *parser) xatomish(what string) string {
	o := p.o
	for o < len(p.orig) && !strings.ContainsRune(" ()[]{}\"", rune(p.orig[o])) && p.orig[o] > ' ' && p.orig[o] < 0x7f {
		o++
	}
	if o == p.o {
		p.xerrorf("expected %s", what)
	}
	s := p.orig[p.o:o]
	p.o = o
	return s
}

// ../rfc/9051:7133
func (p *parser) xnumSet() (r NumSet) {
	defer p.context("numSet")()
	if p.hasPrefix("$") {
		p.xerrorf("search result reference not supported")
	}
	r.Ranges = append(r.Ranges, p.xnumRange())
	for p.take(",") {
		r.Ranges = append(r.Ranges, p.xnumRange())
	}
	return r
}

func (p *parser) xnumRange() (r NumRange) {
	if p.take("*") {
		r.First.Star = true
	} else {
		r.First.Number = p.xnznumber()
	}
	if p.take(":") {
		r.Last = &SetNumber{}
		if p.take("*") {
			r.Last.Star = true
		} else {
			r.Last.Number = p.xnznumber()
		}
	}
	return
}

// ../rfc/9051:6989
func (p *parser) xheaderList() []string {
	p.xspace()
	p.xtake("(")
	l := []string{p.xatomish("header field name")}
	for !p.take(")") {
		p.xspace()
		l = append(l, p.xatomish("header field name"))
	}
	return l
}

// ../rfc/9051:6999
func (p *parser) xsection() *imap.FetchItemBodySection {
	defer p.context("section")()
	sec := &imap.FetchItemBodySection{}
	p.xtake("[")
	if p.take("]") {
		return sec
	}
	// Part path: numbers separated by dots, possibly followed by a specifier.
	for {
		s := p.digits()
		if s == "" {
			break
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n == 0 {
			p.xerrorf("bad part number %q", s)
		}
		sec.Part = append(sec.Part, int(n))
		if !p.take(".") {
			p.xtake("]")
			return sec
		}
	}
	w := p.xtakelist("HEADER.FIELDS.NOT", "HEADER.FIELDS", "HEADER", "TEXT", "MIME")
	switch w {
	case "HEADER.FIELDS.NOT":
		sec.HeaderFieldsNot = p.xheaderList()
	case "HEADER.FIELDS":
		sec.HeaderFields = p.xheaderList()
	case "HEADER":
		sec.Specifier = imap.PartSpecifierHeader
	case "TEXT":
		sec.Specifier = imap.PartSpecifierText
	case "MIME":
		if len(sec.Part) == 0 {
			p.xerrorf("MIME requires a part")
		}
		sec.Specifier = imap.PartSpecifierMIME
	}
	p.xtake("]")
	return sec
}

// ../rfc/9051:6841
func (p *parser) xpartial() *imap.SectionPartial {
	p.xtake("<")
	offset := p.xnumber()
	p.xtake(".")
	count := p.xnznumber()
	p.xtake(">")
	return &imap.SectionPartial{Offset: int64(offset), Size: int64(count)}
}

// ../rfc/9051:6987
func (p *parser) xsectionBinary() (r []int) {
	p.xtake("[")
	if p.take("]") {
		return nil
	}
	r = append(r, int(p.xnznumber()))
	for p.take(".") {
		r = append(r, int(p.xnznumber()))
	}
	p.xtake("]")
	return r
}

var fetchAttWords = []string{
	"ENVELOPE", "FLAGS", "INTERNALDATE", "RFC822.SIZE", "BODYSTRUCTURE", "UID", "BODY.PEEK", "BODY", "BINARY.PEEK", "BINARY.SIZE", "BINARY",
	"RFC822.HEADER", "RFC822.TEXT", "RFC822",
	"MODSEQ", "EMAILID", "THREADID", "PREVIEW",
}

// ../rfc/9051:6557 ../rfc/7162:2483 ../rfc/8474:307 ../rfc/8970:179
func (p *parser) xfetchAtt() FetchItem {
	defer p.context("fetchAtt")()
	w := p.xtakelist(fetchAttWords...)
	peek := strings.HasSuffix(w, ".PEEK")
	switch strings.TrimSuffix(w, ".PEEK") {
	case "ENVELOPE":
		return FetchItem{Attr: AttrEnvelope}
	case "FLAGS":
		return FetchItem{Attr: AttrFlags}
	case "INTERNALDATE":
		return FetchItem{Attr: AttrInternalDate}
	case "RFC822.SIZE":
		return FetchItem{Attr: AttrRFC822Size}
	case "BODYSTRUCTURE":
		return FetchItem{Attr: AttrBodyStructure}
	case "UID":
		return FetchItem{Attr: AttrUID}
	case "RFC822.HEADER":
		return FetchItem{Attr: AttrRFC822Header}
	case "RFC822.TEXT":
		return FetchItem{Attr: AttrRFC822Text}
	case "RFC822":
		return FetchItem{Attr: AttrRFC822}
	case "MODSEQ":
		return FetchItem{Attr: AttrModSeq}
	case "EMAILID":
		return FetchItem{Attr: AttrEmailID}
	case "THREADID":
		return FetchItem{Attr: AttrThreadID}
	case "PREVIEW":
		return FetchItem{Attr: AttrPreview}
	case "BODY":
		if !p.hasPrefix("[") {
			if peek {
				p.xerrorf("BODY.PEEK requires a section")
			}
			return FetchItem{Attr: AttrBody}
		}
		sec := p.xsection()
		sec.Peek = peek
		if p.hasPrefix("<") {
			sec.Partial = p.xpartial()
		}
		return FetchItem{Attr: AttrBodySection, Section: sec}
	case "BINARY":
		sec := &imap.FetchItemBinarySection{Part: p.xsectionBinary(), Peek: peek}
		if p.hasPrefix("<") {
			sec.Partial = p.xpartial()
		}
		return FetchItem{Attr: AttrBinary, Binary: sec}
	case "BINARY.SIZE":
		if peek {
			p.xerrorf("BINARY.SIZE cannot have PEEK")
		}
		return FetchItem{Attr: AttrBinarySize, Binary: &imap.FetchItemBinarySection{Part: p.xsectionBinary()}}
	}
	panic("missing case")
}

// ../rfc/9051:6553
func (p *parser) xfetchAtts() []FetchItem {
	defer p.context("fetchAtts")()

	fields := func(l ...FetchAttr) []FetchItem {
		r := make([]FetchItem, len(l))
		for i, a := range l {
			r[i] = FetchItem{Attr: a}
		}
		return r
	}

	if w, ok := p.takelist("ALL", "FAST", "FULL"); ok {
		switch w {
		case "ALL":
			return fields(AttrFlags, AttrInternalDate, AttrRFC822Size, AttrEnvelope)
		case "FAST":
			return fields(AttrFlags, AttrInternalDate, AttrRFC822Size)
		case "FULL":
			return fields(AttrFlags, AttrInternalDate, AttrRFC822Size, AttrEnvelope, AttrBody)
		}
		panic("missing case")
	}

	if !p.take("(") {
		return []FetchItem{p.xfetchAtt()}
	}
	l := []FetchItem{p.xfetchAtt()}
	for !p.take(")") {
		p.xspace()
		l = append(l, p.xfetchAtt())
	}
	return l
}

// ../rfc/9051:6565
func (p *parser) xflag() imap.Flag {
	s := p.xatomish("flag")
	if _, err := store.CanonicalLabel(s); err != nil {
		p.xerrorf("%v", err)
	}
	return imap.Flag(s)
}

// parse runs fn, returning a syntax error for a panic from the parser.
func parse[T any](s string, fn func(p *parser) T) (r T, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(*SyntaxError); ok {
			rerr = err
			return
		}
		panic(x)
	}()
	p := newParser(s)
	r = fn(p)
	p.xempty()
	return r, nil
}

// ParseNumSet parses a sequence set like "1,3:5,7:*".
func ParseNumSet(s string) (NumSet, error) {
	return parse(s, (*parser).xnumSet)
}

// ParseFetchItems parses FETCH attributes as in the FETCH command, e.g. "ALL",
// "UID", or "(FLAGS BODY.PEEK[1.2.HEADER.FIELDS (Subject)]<0.100>)".
func ParseFetchItems(s string) ([]FetchItem, error) {
	return parse(s, (*parser).xfetchAtts)
}

// ParseStoreFlags parses the flags operation and flag list of a STORE command,
// e.g. "+FLAGS.SILENT (\Seen $Forwarded)". A single flag without parentheses is
// also accepted.
func ParseStoreFlags(s string) (imap.StoreFlags, error) {
	return parse(s, func(p *parser) (r imap.StoreFlags) {
		defer p.context("storeFlags")()
		switch {
		case p.take("+"):
			r.Op = imap.StoreFlagsAdd
		case p.take("-"):
			r.Op = imap.StoreFlagsDel
		default:
			r.Op = imap.StoreFlagsSet
		}
		p.xtake("FLAGS")
		r.Silent = p.take(".SILENT")
		p.xspace()
		if !p.take("(") {
			r.Flags = []imap.Flag{p.xflag()}
			return
		}
		if p.take(")") {
			return
		}
		r.Flags = append(r.Flags, p.xflag())
		for !p.take(")") {
			p.xspace()
			r.Flags = append(r.Flags, p.xflag())
		}
		return
	})
}
