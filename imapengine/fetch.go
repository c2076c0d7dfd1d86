package imapengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/mjl-/bstore"

	"github.com/mjl-/mailstore/metrics"
	"github.com/mjl-/mailstore/msgtree"
	"github.com/mjl-/mailstore/store"
)

// FetchAttr is a message attribute that can be requested with FETCH.
type FetchAttr string

const (
	AttrEnvelope      FetchAttr = "ENVELOPE"
	AttrFlags         FetchAttr = "FLAGS"
	AttrInternalDate  FetchAttr = "INTERNALDATE"
	AttrRFC822Size    FetchAttr = "RFC822.SIZE"
	AttrUID           FetchAttr = "UID"
	AttrBody          FetchAttr = "BODY"
	AttrBodyStructure FetchAttr = "BODYSTRUCTURE"
	AttrBodySection   FetchAttr = "BODY[]"
	AttrBinary        FetchAttr = "BINARY[]"
	AttrBinarySize    FetchAttr = "BINARY.SIZE[]"
	AttrRFC822        FetchAttr = "RFC822"
	AttrRFC822Header  FetchAttr = "RFC822.HEADER"
	AttrRFC822Text    FetchAttr = "RFC822.TEXT"
	AttrModSeq        FetchAttr = "MODSEQ"
	AttrEmailID       FetchAttr = "EMAILID"
	AttrThreadID      FetchAttr = "THREADID"
	AttrPreview       FetchAttr = "PREVIEW"
)

// FetchItem is a requested attribute. Section is set for AttrBodySection,
// Binary for AttrBinary and AttrBinarySize.
type FetchItem struct {
	Attr    FetchAttr
	Section *imap.FetchItemBodySection   `json:",omitempty"`
	Binary  *imap.FetchItemBinarySection `json:",omitempty"`
}

// Name returns the attribute name as used in a FETCH response, e.g.
// "BODY[1.HEADER.FIELDS (SUBJECT)]<0>".
func (fi FetchItem) Name() string {
	switch fi.Attr {
	case AttrBodySection:
		s := "BODY[" + sectionString(fi.Section) + "]"
		if fi.Section.Partial != nil {
			s += fmt.Sprintf("<%d>", fi.Section.Partial.Offset)
		}
		return s
	case AttrBinary:
		s := "BINARY[" + partString(fi.Binary.Part) + "]"
		if fi.Binary.Partial != nil {
			s += fmt.Sprintf("<%d>", fi.Binary.Partial.Offset)
		}
		return s
	case AttrBinarySize:
		return "BINARY.SIZE[" + partString(fi.Binary.Part) + "]"
	}
	return string(fi.Attr)
}

func partString(l []int) string {
	s := make([]string, len(l))
	for i, n := range l {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ".")
}

func sectionString(sec *imap.FetchItemBodySection) string {
	s := partString(sec.Part)
	var spec string
	switch {
	case len(sec.HeaderFields) > 0:
		spec = "HEADER.FIELDS (" + strings.ToUpper(strings.Join(sec.HeaderFields, " ")) + ")"
	case len(sec.HeaderFieldsNot) > 0:
		spec = "HEADER.FIELDS.NOT (" + strings.ToUpper(strings.Join(sec.HeaderFieldsNot, " ")) + ")"
	default:
		spec = string(sec.Specifier)
	}
	if spec != "" && s != "" {
		s += "."
	}
	return s + spec
}

// setsSeen returns whether fetching the item marks the message as read.
// ../rfc/9051:4053
func (fi FetchItem) setsSeen() bool {
	switch fi.Attr {
	case AttrRFC822, AttrRFC822Text:
		return true
	case AttrBodySection:
		return !fi.Section.Peek
	case AttrBinary:
		return !fi.Binary.Peek
	}
	return false
}

// headerOnly returns whether the item can be served from the header of the
// top-level message.
func (fi FetchItem) headerOnly() bool {
	switch fi.Attr {
	case AttrRFC822Header:
		return true
	case AttrBodySection:
		sec := fi.Section
		return len(sec.Part) == 0 && (sec.Specifier == imap.PartSpecifierHeader || len(sec.HeaderFields) > 0 || len(sec.HeaderFieldsNot) > 0)
	}
	return false
}

// needsContent returns whether the item needs the full raw message.
func (fi FetchItem) needsContent() bool {
	switch fi.Attr {
	case AttrBody, AttrBodyStructure, AttrBinary, AttrBinarySize, AttrRFC822, AttrRFC822Text:
		return true
	case AttrBodySection:
		return !fi.headerOnly()
	}
	return false
}

// FetchCommand is a FETCH or UID FETCH.
type FetchCommand struct {
	NumSet NumSet
	UID    bool
	Items  []FetchItem

	// CONDSTORE: only messages with a modseq above ChangedSince (as a client
	// modseq). ../rfc/7162:1067
	ChangedSince *int64

	// QRESYNC: also return UIDs in the set that were expunged since ChangedSince.
	// Requires UID and ChangedSince. ../rfc/7162:1899
	Vanished bool
}

// FetchResult is the response to a FetchCommand.
type FetchResult struct {
	Records  []FetchRecord
	Vanished []store.UID `json:",omitempty"`

	// Highest modseq of the account after the command, set when CONDSTORE is
	// enabled.
	HighestModSeq int64 `json:",omitempty"`
}

// FetchRecord holds the requested attributes of a message, in order of the
// request.
type FetchRecord struct {
	Seq    uint32
	UID    store.UID
	ID     store.MessageID
	Values []AttrValue
}

// Value returns the first value with the attribute name, nil if absent.
func (r FetchRecord) Value(name string) *AttrValue {
	for i := range r.Values {
		if r.Values[i].Name == name {
			return &r.Values[i]
		}
	}
	return nil
}

// AttrValue is a projected attribute. Depending on the attribute, one of the
// fields is set. If the attribute could not be produced, Err is set instead.
type AttrValue struct {
	Name string // As in a FETCH response, see FetchItem.Name.

	Number    int64             `json:",omitempty"` // For UID, RFC822.SIZE, BINARY.SIZE, MODSEQ.
	Text      string            `json:",omitempty"` // For EMAILID, THREADID, PREVIEW.
	Time      time.Time         `json:",omitempty"` // For INTERNALDATE.
	Flags     []string          `json:",omitempty"`
	Envelope  *imap.Envelope    `json:",omitempty"`
	Structure *msgtree.BodyPart `json:",omitempty"` // For BODY and BODYSTRUCTURE.
	Bytes     []byte            `json:",omitempty"` // Sections, binary and RFC822*. Nil for a nonexistent part.
	Err       *AttrError        `json:",omitempty"`
}

// AttrError is a failure to produce an attribute of a single message, e.g. a
// binary section with an undecodable content-transfer-encoding. Other
// attributes and messages are still returned.
type AttrError struct {
	Code    string // E.g. UNKNOWN-CTE.
	Message string
}

// recordMissing is a panic value for a message whose record or raw content
// disappeared, the message is left out of the response.
type recordMissing struct{ err error }

func xrecordMissingf(format string, args ...any) {
	panic(recordMissing{fmt.Errorf(format, args...)})
}

// fetchProjection produces the attributes of a single message, loading the
// parsed structure and raw message only when needed.
type fetchProjection struct {
	s *Session
	m store.Message

	view    *msgtree.View
	raw     []byte // Full message, or only the header of the top-level message.
	rawFull bool

	// Whether an item needs the full message, header-only items then use it too
	// so the blob is read once.
	full bool
}

func newProjection(s *Session, m store.Message, items []FetchItem) *fetchProjection {
	p := &fetchProjection{s: s, m: m}
	for _, fi := range items {
		p.full = p.full || fi.needsContent()
	}
	return p
}

func (p *fetchProjection) xview() msgtree.View {
	if p.view == nil {
		v, err := msgtree.NewView(p.m.TreeBuf)
		if err != nil {
			xrecordMissingf("structure of message %d: %v", p.m.ID, err)
		}
		p.view = &v
	}
	return *p.view
}

// xheader returns the raw message with at least the header of the top-level
// message, by reading only that header range from the blob store.
func (p *fetchProjection) xheader() []byte {
	if p.full {
		return p.xcontent()
	} else if p.raw != nil {
		return p.raw
	}
	end := int64(p.xview().Root().BodyStart)
	buf, err := p.s.acc.Blobs.Get(p.m.BlobHash, 0, end)
	if errors.Is(err, store.ErrBlobAbsent) {
		xrecordMissingf("raw content of message %d: %v", p.m.ID, err)
	}
	xcheckf(err, "reading message header")
	p.raw = buf
	return buf
}

func (p *fetchProjection) xcontent() []byte {
	if p.rawFull {
		return p.raw
	}
	buf, err := p.s.acc.Blobs.Get(p.m.BlobHash, 0, -1)
	if errors.Is(err, store.ErrBlobAbsent) {
		xrecordMissingf("raw content of message %d: %v", p.m.ID, err)
	}
	xcheckf(err, "reading message")
	p.raw = buf
	p.rawFull = true
	return buf
}

func (p *fetchProjection) xsection(sec *imap.FetchItemBodySection) []byte {
	var raw []byte
	if (FetchItem{Attr: AttrBodySection, Section: sec}).headerOnly() {
		raw = p.xheader()
	} else {
		raw = p.xcontent()
	}
	buf, err := p.xview().Section(raw, sec)
	if errors.Is(err, msgtree.ErrNoPart) {
		return nil
	} else if errors.Is(err, msgtree.ErrDecode) {
		// Embedded message in an undecodable part.
		return nil
	}
	xcheckf(err, "get section")
	if buf == nil {
		buf = []byte{}
	}
	return buf
}

func labelStrings(l []string) []string {
	if l == nil {
		return []string{}
	}
	return append([]string{}, l...)
}

// value returns the attribute for the message.
func (p *fetchProjection) value(a Address, fi FetchItem) AttrValue {
	m := p.m
	v := AttrValue{Name: fi.Name()}
	switch fi.Attr {
	case AttrUID:
		v.Number = int64(a.UID)
	case AttrFlags:
		v.Flags = labelStrings(m.Keywords)
	case AttrInternalDate:
		v.Time = m.Received
	case AttrRFC822Size:
		v.Number = m.Size
	case AttrModSeq:
		v.Number = m.ModSeq.Client()
	case AttrEmailID:
		v.Text = fmt.Sprintf("M%d", m.ID)
	case AttrThreadID:
		v.Text = fmt.Sprintf("T%d", m.ThreadID)
	case AttrPreview:
		v.Text = m.Preview
	case AttrEnvelope:
		v.Envelope = p.xview().Envelope()
	case AttrBody, AttrBodyStructure:
		bs, err := p.xview().BodyStructure(p.xcontent(), fi.Attr == AttrBodyStructure)
		xcheckf(err, "body structure")
		v.Structure = bs
	case AttrRFC822:
		v.Bytes = p.xsection(&imap.FetchItemBodySection{})
	case AttrRFC822Header:
		v.Bytes = p.xsection(&imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader})
	case AttrRFC822Text:
		v.Bytes = p.xsection(&imap.FetchItemBodySection{Specifier: imap.PartSpecifierText})
	case AttrBodySection:
		v.Bytes = p.xsection(fi.Section)
	case AttrBinary, AttrBinarySize:
		buf, err := p.xview().Binary(p.xcontent(), fi.Binary.Part)
		if errors.Is(err, msgtree.ErrDecode) {
			// ../rfc/9051:4310
			metrics.DecodeErrorInc()
			p.s.log.Debugx("decoding binary section", err, slog.Any("msgid", m.ID), slog.String("attr", v.Name))
			v.Err = &AttrError{Code: "UNKNOWN-CTE", Message: err.Error()}
			return v
		} else if errors.Is(err, msgtree.ErrNoPart) {
			return v
		}
		xcheckf(err, "binary section")
		if fi.Attr == AttrBinarySize {
			v.Number = int64(len(buf))
		} else {
			v.Bytes = msgtree.Partial(buf, fi.Binary.Partial)
			if v.Bytes == nil {
				v.Bytes = []byte{}
			}
		}
	default:
		xserverErrorf("unknown fetch attribute %q", fi.Attr)
	}
	return v
}

// project returns the record for the message at a. If the record or its raw
// content is missing, ok is false.
func (s *Session) project(a Address, m store.Message, items []FetchItem) (rec FetchRecord, ok bool) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if e, isMissing := x.(recordMissing); isMissing {
			s.log.Infox("message missing during fetch, skipping", e.err, slog.Any("uid", a.UID), slog.Any("msgid", a.ID))
			ok = false
			return
		}
		panic(x)
	}()

	p := newProjection(s, m, items)
	rec = FetchRecord{Seq: a.Seq, UID: a.UID, ID: a.ID}
	for _, fi := range items {
		rec.Values = append(rec.Values, p.value(a, fi))
	}
	return rec, true
}

func hasAttr(items []FetchItem, attr FetchAttr) bool {
	for _, fi := range items {
		if fi.Attr == attr {
			return true
		}
	}
	return false
}

func validateFetchItems(items []FetchItem) {
	if len(items) == 0 {
		xsyntaxErrorf("no fetch attributes")
	}
	for _, fi := range items {
		switch fi.Attr {
		case AttrBodySection:
			if fi.Section == nil {
				xsyntaxErrorf("missing section for %s", fi.Attr)
			}
			if fi.Section.Specifier == imap.PartSpecifierMIME && len(fi.Section.Part) == 0 {
				xsyntaxErrorf("MIME requires a part")
			}
		case AttrBinary, AttrBinarySize:
			if fi.Binary == nil {
				xsyntaxErrorf("missing section for %s", fi.Attr)
			}
		case AttrEnvelope, AttrFlags, AttrInternalDate, AttrRFC822Size, AttrUID, AttrBody, AttrBodyStructure, AttrRFC822, AttrRFC822Header, AttrRFC822Text, AttrModSeq, AttrEmailID, AttrThreadID, AttrPreview:
		default:
			xsyntaxErrorf("unknown fetch attribute %q", fi.Attr)
		}
	}
}

// seenCandidate is a message to mark read after the fetch, with the label
// version token as seen during projection.
type seenCandidate struct {
	rec    int
	id     store.MessageID
	token  uint64
	labels []string
}

// Fetch returns the requested attributes of the messages in the set. Messages
// that no longer exist are left out. Fetching content without PEEK marks the
// messages as read, if the mailbox was selected read-write. Changes by other
// sessions are applied to the selected mailbox first.
func (s *Session) Fetch(ctx context.Context, cmd FetchCommand) (result FetchResult, rerr error) {
	start := time.Now()
	defer func() {
		metrics.CommandObserve("fetch", commandResult(rerr), start)
	}()
	defer recoverCommand(s.log, "fetch", &rerr)

	sel := s.xselected()
	validateFetchItems(cmd.Items)
	if cmd.Vanished && (!cmd.UID || cmd.ChangedSince == nil) {
		// ../rfc/7162:1890
		xsyntaxErrorf("VANISHED requires UID FETCH and CHANGEDSINCE")
	}
	if cmd.Vanished && !s.Qresync {
		// ../rfc/7162:1887
		xsyntaxErrorf("VANISHED requires QRESYNC to be enabled")
	}
	if cmd.ChangedSince != nil && *cmd.ChangedSince < 0 {
		xsyntaxErrorf("bad changedsince %d", *cmd.ChangedSince)
	}
	if cmd.ChangedSince != nil || hasAttr(cmd.Items, AttrModSeq) {
		// ../rfc/7162:375
		s.Condstore = true
	}

	s.xsync(ctx)
	addrs := sel.xresolve(cmd.NumSet, cmd.UID)

	items := cmd.Items
	if cmd.UID && !hasAttr(items, AttrUID) {
		// ../rfc/9051:4448
		items = append([]FetchItem{{Attr: AttrUID}}, items...)
	}
	if cmd.ChangedSince != nil && !hasAttr(items, AttrModSeq) {
		// ../rfc/7162:1079
		items = append(items, FetchItem{Attr: AttrModSeq})
	}
	var markSeen bool
	for _, fi := range items {
		markSeen = markSeen || fi.setsSeen()
	}
	// ../rfc/9051:4055
	markSeen = markSeen && !sel.ReadOnly && s.acl.MayModify(sel.Mailbox.ID)

	var changedSince store.ModSeq
	if cmd.ChangedSince != nil {
		changedSince = store.ModSeqFromClient(*cmd.ChangedSince)
	}

	var candidates []seenCandidate
	err := s.acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		if cmd.Vanished {
			result.Vanished = s.xvanished(tx, sel, cmd.NumSet, changedSince)
		}

		for _, a := range addrs {
			if err := ctx.Err(); err != nil {
				return err
			}
			m := store.Message{ID: a.ID}
			if err := tx.Get(&m); err == bstore.ErrAbsent {
				s.log.Info("message record gone during fetch, skipping", slog.Any("uid", a.UID), slog.Any("msgid", a.ID))
				metrics.FetchRecordInc("notfound")
				continue
			} else if err != nil {
				return fmt.Errorf("get message: %w", err)
			}
			if cmd.ChangedSince != nil && m.ModSeq <= changedSince {
				continue
			}
			rec, ok := s.project(a, m, items)
			if !ok {
				metrics.FetchRecordInc("notfound")
				continue
			}
			metrics.FetchRecordInc("ok")
			if markSeen && !hasLabel(m.Keywords, store.FlagSeen) {
				candidates = append(candidates, seenCandidate{len(result.Records), m.ID, store.VersionToken(m.Keywords), m.Keywords})
			}
			result.Records = append(result.Records, rec)
		}
		return nil
	})
	xcheckf(err, "fetch")

	if len(candidates) > 0 {
		s.xmarkSeen(ctx, result.Records, candidates)
	}

	if s.Condstore {
		ms, err := s.acc.HighestModSeq(ctx)
		xcheckf(err, "get highest modseq")
		result.HighestModSeq = ms.Client()
	}
	return result, nil
}

func hasLabel(l []string, label string) bool {
	for _, s := range l {
		if s == label {
			return true
		}
	}
	return false
}

// xvanished returns the UIDs in the set without message that were removed from
// the mailbox after modseq changedSince.
func (s *Session) xvanished(tx *bstore.Tx, sel *Selected, set NumSet, changedSince store.ModSeq) []store.UID {
	missing := sel.ExpandMissing(set, true)
	if len(missing) == 0 {
		return nil
	}
	changes, err := s.acc.ChangesSinceMailbox(tx, sel.Mailbox.ID, changedSince)
	xcheckf(err, "changes since for vanished")
	deleted := map[store.UID]bool{}
	for _, c := range changes {
		if c.Kind == store.ChangeDelete {
			deleted[c.UID] = true
		}
	}
	var l []store.UID
	for _, uid := range missing {
		if deleted[uid] {
			l = append(l, uid)
		}
	}
	return l
}

// xmarkSeen adds \Seen to the messages, with the label versions read during
// the fetch. A message whose labels were changed in the meantime is left
// alone, the change is for a later fetch to see. Records are updated with the
// new flags and modseq, and FLAGS is added if it was not requested.
// ../rfc/9051:4057
func (s *Session) xmarkSeen(ctx context.Context, records []FetchRecord, candidates []seenCandidate) {
	b := s.acc.BeginChanges()
	updated := map[int]store.Message{}
	err := b.Write(ctx, func(tx *bstore.Tx) error {
		for _, c := range candidates {
			labels, _ := store.MergeKeywords(c.labels, []string{store.FlagSeen})
			m, err := b.SetLabels(tx, c.id, c.token, labels)
			if err == store.ErrConflict || err == bstore.ErrAbsent {
				s.log.Debug("not marking message as read after concurrent change", slog.Any("msgid", c.id), slog.Any("err", err))
				continue
			} else if err != nil {
				return err
			}
			updated[c.rec] = m
			mailboxIDs, err := s.acc.MessageMailboxes(tx, c.id)
			if err != nil {
				return err
			}
			for _, mbID := range mailboxIDs {
				b.LogChildUpdate(store.CollectionMailbox, mbID)
			}
		}
		return nil
	})
	xcheckf(err, "marking messages as read")

	_, err = b.Commit(context.WithoutCancel(ctx), s.comm)
	xcheckf(err, "commit changes")

	for i, m := range updated {
		rec := &records[i]
		if v := rec.Value(string(AttrFlags)); v != nil {
			v.Flags = labelStrings(m.Keywords)
		} else {
			rec.Values = append(rec.Values, AttrValue{Name: string(AttrFlags), Flags: labelStrings(m.Keywords)})
		}
		if v := rec.Value(string(AttrModSeq)); v != nil {
			v.Number = m.ModSeq.Client()
		}
	}
	if len(updated) > 0 {
		s.log.Debug("marked messages as read", slog.Int("count", len(updated)), slog.Any("modseq", b.Assigned()))
	}
}

func commandResult(err error) string {
	var serr *SyntaxError
	var uerr *UserError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &serr):
		return "badsyntax"
	case errors.As(err, &uerr):
		return "usererror"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "servererror"
}
