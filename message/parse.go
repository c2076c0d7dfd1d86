// Package message parses raw messages into a structure tree and extracts
// information for delivery: envelope, preview text and thread references.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	gomessage "github.com/emersion/go-message"

	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/msgtree"
)

// MaxParts is the maximum number of parts, including those of embedded
// messages, in a message. Parts beyond are not parsed further.
const MaxParts = 10000

var (
	ErrTooLarge = errors.New("message too large")
)

// Parsed is the result of parsing a message.
type Parsed struct {
	Tree *msgtree.Tree

	// Message-ID of the top-level message in canonical form for matching threads:
	// lower case, without angle brackets. Empty if absent.
	MessageID string

	// Referenced message-ids, from References, falling back to In-Reply-To, in
	// canonical form.
	References []string
}

// region of raw to parse as a part, with the index of the multipart parent
// (-1 for the root part).
type region struct {
	start, end int
	parent     int
}

// nested is an embedded message still to be parsed.
type nested struct {
	msg int
	raw []byte
}

// Parse parses a raw message into a structure tree. Parsing is lenient: syntax
// errors in headers or MIME structure result in parts that are opaque but
// addressable, not in errors. Parts, and embedded messages, are parsed with an
// explicit work list, so nesting depth does not grow the stack.
func Parse(elog *slog.Logger, raw []byte) (*Parsed, error) {
	log := mlog.New("message", elog)

	if int64(len(raw)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	t := &msgtree.Tree{Messages: []msgtree.Message{{}}}
	todo := []nested{{0, raw}}
	nparts := 0
	for len(todo) > 0 {
		n := todo[0]
		todo = todo[1:]

		var parts []msgtree.Part
		stack := []region{{0, len(n.raw), -1}}
		for len(stack) > 0 {
			r := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			p, h, bound := parsePart(log, n.raw, r.start, r.end)
			pi := len(parts)
			if r.parent >= 0 {
				parts[r.parent].Children = append(parts[r.parent].Children, uint32(pi))
			}
			nparts++

			if pi == 0 {
				t.Messages[n.msg].Envelope = parseEnvelope(log, h)
			}

			switch p.Kind {
			case msgtree.KindMultipart:
				if nparts >= MaxParts {
					log.Debug("too many parts, not parsing multipart further", slog.Int("parts", nparts))
					break
				}
				children := splitMultipart(n.raw, int(p.BodyStart), int(p.BodyEnd), bound)
				// Push in reverse, so children are parsed and added in order.
				for i := len(children) - 1; i >= 0; i-- {
					c := children[i]
					stack = append(stack, region{c[0], c[1], pi})
				}
			case msgtree.KindMessage:
				body, err := msgtree.DecodeBody(p.ContentTransferEncoding, n.raw[p.BodyStart:p.BodyEnd])
				if err != nil || nparts >= MaxParts {
					log.Debugx("cannot parse embedded message, treating as binary", err)
					p.Kind = msgtree.KindBinary
					p.EncodingProblem = err != nil
					break
				}
				p.Message = uint32(len(t.Messages))
				t.Messages = append(t.Messages, msgtree.Message{})
				todo = append(todo, nested{int(p.Message), body})
			}
			parts = append(parts, p)
		}
		t.Messages[n.msg].Parts = parts
	}

	root := t.Messages[0].Parts[0]
	h := headerOf(raw, root.Headers)
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	pm := &Parsed{Tree: t}
	if id, err := mh.MessageID(); err == nil {
		pm.MessageID = strings.ToLower(id)
	}
	pm.References = referencedIDs(mh)
	return pm, nil
}

// parsePart parses the header of the part in raw[start:end]. The decoded
// header and, for multiparts, the boundary delimiter are returned along with
// the part. The body of the part extends to end.
func parsePart(log mlog.Log, raw []byte, start, end int) (msgtree.Part, textproto.Header, []byte) {
	p := msgtree.Part{
		HeaderStart: uint32(start),
		BodyStart:   uint32(end),
		BodyEnd:     uint32(end),
	}

	// Header fields, with folded continuation lines.
	o := start
	for o < end {
		line := nextLine(raw, o, end)
		if isBlankLine(line) {
			p.BodyStart = uint32(o + len(line))
			break
		}
		lineEnd := uint32(o + len(line))
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(p.Headers); n > 0 {
				p.Headers[n-1].ValueEnd = lineEnd
			}
		} else if i := bytes.IndexByte(line, ':'); i > 0 {
			p.Headers = append(p.Headers, msgtree.Header{
				Name:       string(bytes.TrimRight(line[:i], " \t")),
				Start:      uint32(o),
				ValueStart: uint32(o + i + 1),
				ValueEnd:   lineEnd,
			})
		} else if n := len(p.Headers); n > 0 {
			// Not a header field. Keep it with the previous field, so the header block
			// can be reconstructed from the fields.
			p.Headers[n-1].ValueEnd = lineEnd
		} else {
			log.Debug("ignoring line without header field at start of header", slog.Int("offset", o))
		}
		o += len(line)
	}

	h := headerOf(raw, p.Headers)
	mh := gomessage.Header{Header: h}

	var params map[string]string
	if h.Has("Content-Type") {
		mt, ps, err := mh.ContentType()
		if err != nil {
			log.Debugx("malformed content-type, treating as opaque", err, slog.String("contenttype", h.Get("Content-Type")))
			mt = "application/octet-stream"
			ps = nil
		}
		t := strings.SplitN(strings.ToUpper(mt), "/", 2)
		if len(t) != 2 || t[0] == "" || t[1] == "" {
			t = []string{"APPLICATION", "OCTET-STREAM"}
		}
		p.MediaType, p.MediaSubType = t[0], t[1]
		params = ps
		p.ContentTypeParams = paramList(ps)
	}
	p.ContentID = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(h.Get("Content-Id")), "<"), ">")
	if s, err := mh.Text("Content-Description"); err == nil {
		p.ContentDescription = s
	} else {
		p.ContentDescription = h.Get("Content-Description")
	}
	p.ContentTransferEncoding = strings.ToUpper(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if h.Has("Content-Disposition") {
		disp, dparams, err := mh.ContentDisposition()
		if err != nil {
			log.Debugx("malformed content-disposition, ignoring", err)
		} else {
			p.Disposition = disp
			p.DispositionParams = paramList(dparams)
		}
	}
	for _, s := range strings.Split(h.Get("Content-Language"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			p.Language = append(p.Language, s)
		}
	}
	p.Location = strings.TrimSpace(h.Get("Content-Location"))

	attachment := strings.EqualFold(p.Disposition, "attachment")
	var bound []byte
	switch {
	case p.MediaType == "MULTIPART" && params["boundary"] != "":
		p.Kind = msgtree.KindMultipart
		bound = append([]byte("--"), params["boundary"]...)
	case p.MediaType == "MULTIPART":
		log.Debug("multipart without boundary, treating as opaque")
		p.Kind = msgtree.KindBinary
	case p.MediaType == "MESSAGE" && (p.MediaSubType == "RFC822" || p.MediaSubType == "GLOBAL"):
		p.Kind = msgtree.KindMessage
	case p.MediaType == "TEXT" && p.MediaSubType == "HTML" && !attachment:
		p.Kind = msgtree.KindHTML
	case (p.MediaType == "" || p.MediaType == "TEXT") && !attachment:
		p.Kind = msgtree.KindText
	case strings.EqualFold(p.Disposition, "inline"):
		p.Kind = msgtree.KindInlineBinary
	default:
		p.Kind = msgtree.KindBinary
	}

	if p.Kind.Leaf() {
		if _, err := msgtree.DecodeBody(p.ContentTransferEncoding, raw[p.BodyStart:p.BodyEnd]); err != nil {
			log.Debugx("part body cannot be decoded", err, slog.String("cte", p.ContentTransferEncoding))
			p.EncodingProblem = true
		}
	}
	return p, h, bound
}

// nextLine returns the line starting at o, including its line ending, not
// extending beyond end.
func nextLine(raw []byte, o, end int) []byte {
	if i := bytes.IndexByte(raw[o:end], '\n'); i >= 0 {
		return raw[o : o+i+1]
	}
	return raw[o:end]
}

func isBlankLine(line []byte) bool {
	return len(line) == 0 || string(line) == "\r\n" || string(line) == "\n"
}

// headerOf returns the decoded header, with folding removed from the values.
func headerOf(raw []byte, fields []msgtree.Header) textproto.Header {
	var h textproto.Header
	// textproto.Header.Add prepends, so add in reverse for the original order.
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		v := string(raw[f.ValueStart:f.ValueEnd])
		v = strings.ReplaceAll(v, "\r\n", "")
		v = strings.ReplaceAll(v, "\n", "")
		h.Add(f.Name, strings.TrimSpace(v))
	}
	return h
}

func paramList(m map[string]string) []msgtree.Param {
	if len(m) == 0 {
		return nil
	}
	l := make([]msgtree.Param, 0, len(m))
	for k, v := range m {
		l = append(l, msgtree.Param{Key: strings.ToUpper(k), Value: v})
	}
	slices.SortFunc(l, func(a, b msgtree.Param) int {
		return strings.Compare(a.Key, b.Key)
	})
	return l
}

// checkBound returns whether line is a boundary delimiter, and whether it is
// the closing delimiter.
func checkBound(line, bound []byte) (bool, bool) {
	if !bytes.HasPrefix(line, bound) {
		return false, false
	}
	line = line[len(bound):]
	if bytes.HasPrefix(line, []byte("--")) {
		return true, true
	}
	if len(line) == 0 {
		return true, false
	}
	switch line[0] {
	case ' ', '\t', '\r', '\n':
		return true, false
	}
	return false, false
}

// splitMultipart returns the regions of the subparts in the multipart body
// raw[start:end]. The line ending before a delimiter belongs to the delimiter.
// The preamble and epilogue are not part of any region.
func splitMultipart(raw []byte, start, end int, bound []byte) [][2]int {
	var regions [][2]int
	partStart := -1
	o := start
	for o < end {
		line := nextLine(raw, o, end)
		match, finish := checkBound(line, bound)
		if match {
			if partStart >= 0 {
				regions = append(regions, [2]int{partStart, lineEndingStart(raw, partStart, o)})
			}
			if finish {
				return regions
			}
			partStart = o + len(line)
		}
		o += len(line)
	}
	if partStart >= 0 {
		// Missing closing delimiter, the last part extends to the end.
		regions = append(regions, [2]int{partStart, end})
	}
	return regions
}

// lineEndingStart returns the offset of the line ending just before o, but not
// before start.
func lineEndingStart(raw []byte, start, o int) int {
	if o-2 >= start && raw[o-2] == '\r' && raw[o-1] == '\n' {
		return o - 2
	}
	if o-1 >= start && raw[o-1] == '\n' {
		return o - 1
	}
	return o
}

func parseEnvelope(log mlog.Log, h textproto.Header) msgtree.Envelope {
	mh := mail.Header{Header: gomessage.Header{Header: h}}

	var env msgtree.Envelope
	if h.Has("Date") {
		if date, err := mh.Date(); err != nil {
			log.Debugx("parsing date header, ignoring", err)
		} else if !date.IsZero() && date.Year() <= 9999 {
			_, offset := date.Zone()
			if offset <= -24*3600 || offset >= 24*3600 {
				date = date.In(time.UTC)
				offset = 0
			}
			env.Date = date.Unix()
			env.DateOffset = int32(offset)
		}
	}
	if s, err := mh.Subject(); err == nil {
		env.Subject = s
	} else {
		env.Subject = h.Get("Subject")
	}
	env.From = addressList(log, mh, "From")
	env.Sender = addressList(log, mh, "Sender")
	env.ReplyTo = addressList(log, mh, "Reply-To")
	env.To = addressList(log, mh, "To")
	env.CC = addressList(log, mh, "Cc")
	env.BCC = addressList(log, mh, "Bcc")
	if ids, err := mh.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		env.InReplyTo = ids
	}
	if id, err := mh.MessageID(); err == nil {
		env.MessageID = id
	}
	return env
}

func addressList(log mlog.Log, mh mail.Header, k string) []msgtree.Address {
	if !mh.Has(k) {
		return nil
	}
	l, err := mh.AddressList(k)
	if err != nil {
		log.Debugx("parsing address list, ignoring", err, slog.String("header", k))
		return nil
	}
	var r []msgtree.Address
	for _, a := range l {
		mailbox, host := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			mailbox, host = a.Address[:i], a.Address[i+1:]
		}
		r = append(r, msgtree.Address{Name: a.Name, Mailbox: mailbox, Host: host})
	}
	return r
}

// referencedIDs returns the message-ids from References, falling back to
// In-Reply-To, lower-cased for matching.
func referencedIDs(mh mail.Header) []string {
	ids, err := mh.MsgIDList("References")
	if err != nil || len(ids) == 0 {
		ids, _ = mh.MsgIDList("In-Reply-To")
	}
	var l []string
	for _, id := range ids {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" && !slices.Contains(l, id) {
			l = append(l, id)
		}
	}
	return l
}

// Check returns an error for messages that cannot be stored, such as
// messages without any header.
func Check(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty message")
	}
	if int64(len(raw)) > math.MaxUint32 {
		return ErrTooLarge
	}
	return nil
}
