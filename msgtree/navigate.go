package msgtree

import (
	"bytes"
	"errors"

	"github.com/emersion/go-imap/v2"

	"github.com/mjl-/mailstore/moxio"
)

// ErrNoPart is returned when a section path refers to a part that does not
// exist.
var ErrNoPart = errors.New("no such part")

// location is the current position while walking a section path: the message
// index, the raw bytes of that message, and the part.
type location struct {
	msg  int
	raw  []byte
	part PartView
}

// span returns raw[start:end], with offsets clamped to the buffer.
func span(raw []byte, start, end uint32) []byte {
	n := uint32(len(raw))
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	if end < start {
		end = start
	}
	return raw[start:end]
}

// Partial returns the byte range of buf requested by p, clamped to the buffer.
// If p is nil, buf is returned.
func Partial(buf []byte, p *imap.SectionPartial) []byte {
	if p == nil {
		return buf
	}
	n := int64(len(buf))
	start := p.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := n
	if p.Size >= 0 && p.Size < n-start {
		end = start + p.Size
	}
	return buf[start:end]
}

// step moves loc to subpart num (1-based) of the current part. A part without
// children can be addressed as part 1 of itself.
func (v View) step(loc *location, num int) error {
	p := loc.part
	if p.Kind == KindMultipart {
		if num < 1 || num > p.NumChildren() {
			return ErrNoPart
		}
		loc.part = v.Message(loc.msg).Part(p.Child(num - 1))
		return nil
	}
	if num == 1 {
		return nil
	}
	return ErrNoPart
}

// descend moves loc from a message/rfc822 part into the root part of the
// embedded message, switching to the raw bytes of that message.
func (v View) descend(loc *location) error {
	p := loc.part
	raw, err := DecodeBody(p.ContentTransferEncoding(), span(loc.raw, p.BodyStart, p.BodyEnd))
	if err != nil {
		return err
	}
	loc.msg = int(p.Message)
	loc.raw = raw
	loc.part = v.Message(loc.msg).Part(0)
	return nil
}

// Section returns the bytes of a body section of the message with raw bytes
// raw. The partial range in sec is applied to the result.
//
// Without part path and section specifier, the entire message is returned.
// With a part path but without specifier, only the body of the part is
// returned, without its headers.
func (v View) Section(raw []byte, sec *imap.FetchItemBodySection) ([]byte, error) {
	loc := location{0, raw, v.Root()}

	// Embedded messages are entered if anything follows them other than MIME, which
	// is about the headers of the message/rfc822 part itself.
	nested := len(sec.HeaderFields) > 0 || len(sec.HeaderFieldsNot) > 0 || sec.Specifier == imap.PartSpecifierHeader || sec.Specifier == imap.PartSpecifierText
	for i, num := range sec.Part {
		if err := v.step(&loc, num); err != nil {
			return nil, err
		}
		if loc.part.Kind == KindMessage && (i < len(sec.Part)-1 || nested) {
			if err := v.descend(&loc); err != nil {
				return nil, err
			}
		}
	}

	p := loc.part
	var buf []byte
	switch {
	case len(sec.HeaderFields) > 0:
		buf = headerFields(loc, sec.HeaderFields, false)
	case len(sec.HeaderFieldsNot) > 0:
		buf = headerFields(loc, sec.HeaderFieldsNot, true)
	case sec.Specifier == imap.PartSpecifierHeader:
		buf = span(loc.raw, p.HeaderStart, p.BodyStart)
	case sec.Specifier == imap.PartSpecifierText:
		buf = span(loc.raw, p.BodyStart, p.BodyEnd)
	case sec.Specifier == imap.PartSpecifierMIME:
		buf = mimeHeader(loc)
	case len(sec.Part) == 0:
		buf = span(loc.raw, p.HeaderStart, p.BodyEnd)
	default:
		buf = span(loc.raw, p.BodyStart, p.BodyEnd)
	}
	return Partial(buf, sec.Partial), nil
}

// headerFields returns the header fields of the part at loc whose name is in
// names (or not in names with not set), followed by an empty line.
func headerFields(loc location, names []string, not bool) []byte {
	var b bytes.Buffer
	loc.part.EachHeader(func(h HeaderView) bool {
		match := false
		for _, name := range names {
			if bytes.EqualFold(h.Name, []byte(name)) {
				match = true
				break
			}
		}
		if match != not {
			b.Write(span(loc.raw, h.Start, h.ValueEnd))
		}
		return true
	})
	b.WriteString("\r\n")
	return b.Bytes()
}

// IsMIMEHeader returns whether a header field describes the MIME content of a
// part.
func IsMIMEHeader(name []byte) bool {
	return bytes.EqualFold(name, []byte("MIME-Version")) || len(name) >= len("content-") && bytes.EqualFold(name[:len("content-")], []byte("content-"))
}

func mimeHeader(loc location) []byte {
	var b bytes.Buffer
	loc.part.EachHeader(func(h HeaderView) bool {
		if IsMIMEHeader(h.Name) {
			b.Write(span(loc.raw, h.Start, h.ValueEnd))
		}
		return true
	})
	b.WriteString("\r\n")
	return b.Bytes()
}

// Binary returns the content of the part at path, with its
// content-transfer-encoding removed. Text parts are also converted from their
// charset to UTF-8. For message/rfc822 parts the entire embedded message is
// returned, for multiparts the raw headers and body. ErrDecode is returned if
// the part body cannot be decoded.
func (v View) Binary(raw []byte, path []int) ([]byte, error) {
	loc := location{0, raw, v.Root()}
	for i, num := range path {
		if err := v.step(&loc, num); err != nil {
			return nil, err
		}
		if loc.part.Kind == KindMessage && i < len(path)-1 {
			if err := v.descend(&loc); err != nil {
				return nil, err
			}
		}
	}

	p := loc.part
	if p.EncodingProblem {
		return nil, ErrDecode
	}
	body := span(loc.raw, p.BodyStart, p.BodyEnd)
	switch p.Kind {
	case KindText, KindHTML:
		buf, err := DecodeBody(p.ContentTransferEncoding(), body)
		if err != nil {
			return nil, err
		}
		charset, _ := p.Param("CHARSET")
		return moxio.DecodeText(charset, buf), nil
	case KindBinary, KindInlineBinary, KindMessage:
		return DecodeBody(p.ContentTransferEncoding(), body)
	default:
		return span(loc.raw, p.HeaderStart, p.BodyEnd), nil
	}
}

// BinarySize returns the size of the decoded content of the part at path, as
// returned by Binary.
func (v View) BinarySize(raw []byte, path []int) (int64, error) {
	buf, err := v.Binary(raw, path)
	if err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}
