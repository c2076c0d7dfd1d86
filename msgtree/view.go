package msgtree

import (
	"encoding/binary"
)

// View is a read-only view on an archived Tree. It references the archive
// buffer, which must not be modified while the view is in use. Accessors
// return slices of the buffer where possible.
type View struct {
	buf []byte
	n   int
}

// MessageView is a message within a View.
type MessageView struct {
	buf       []byte
	nparts    int
	partTable int
	envOff    int
}

// PartView is a part of a message within a View.
type PartView struct {
	Kind            Kind
	HeaderStart     uint32
	BodyStart       uint32
	BodyEnd         uint32
	EncodingProblem bool
	Message         uint32 // For KindMessage, index of the embedded message.

	buf          []byte
	mediaType    []byte
	mediaSubType []byte
	id           []byte
	description  []byte
	cte          []byte
	disposition  []byte
	location     []byte

	paramsOff, dispParamsOff, langOff, headersOff, childrenOff int
	nparams, ndispParams, nlang, nheaders, nchildren           int
}

// HeaderView is a header of a part.
type HeaderView struct {
	Name       []byte
	Start      uint32
	ValueStart uint32
	ValueEnd   uint32
}

type reader struct {
	buf []byte
	o   int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.o+n > len(r.buf) || r.o+n < r.o {
		r.err = errCorrupt
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.o]
	r.o++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.o:])
	r.o += 4
	return v
}

func (r *reader) i64() int64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.o:])
	r.o += 8
	return int64(v)
}

func (r *reader) str() []byte {
	n := int(r.u32())
	if !r.need(n) {
		return nil
	}
	s := r.buf[r.o : r.o+n : r.o+n]
	r.o += n
	return s
}

// count reads a count of items that each take at least minSize bytes, failing
// if they cannot fit in the remaining buffer.
func (r *reader) count(minSize int) int {
	n := int(r.u32())
	if r.err == nil && (n < 0 || n > (len(r.buf)-r.o)/minSize) {
		r.err = errCorrupt
		return 0
	}
	return n
}

func (r *reader) skipStrs(n, per int) {
	for i := 0; i < n*per && r.err == nil; i++ {
		r.str()
	}
}

// NewView returns a view on an archived tree, as created by Tree.Marshal. The
// archive is validated completely, so accessors on the view cannot fail
// afterwards.
func NewView(buf []byte) (View, error) {
	if len(buf) < len(magic)+4 || string(buf[:len(magic)]) != magic {
		return View{}, errCorrupt
	}
	r := &reader{buf: buf, o: len(magic)}
	n := r.count(4)
	if r.err != nil || n == 0 {
		return View{}, errCorrupt
	}
	v := View{buf, n}
	for mi := 0; mi < n; mi++ {
		m, err := v.message(mi)
		if err != nil {
			return View{}, err
		}
		if _, err := m.envelope(); err != nil {
			return View{}, err
		}
		if m.nparts == 0 {
			return View{}, errCorrupt
		}
		for pi := 0; pi < m.nparts; pi++ {
			p, err := m.part(pi)
			if err != nil {
				return View{}, err
			}
			if p.HeaderStart > p.BodyStart || p.BodyStart > p.BodyEnd {
				return View{}, errCorrupt
			}
			// Embedded messages and children always come after their parent, which
			// guarantees walks over the tree terminate.
			if p.Kind == KindMessage && (int(p.Message) <= mi || int(p.Message) >= n) {
				return View{}, errCorrupt
			}
			for ci := 0; ci < p.nchildren; ci++ {
				if c := p.Child(ci); c <= pi || c >= m.nparts {
					return View{}, errCorrupt
				}
			}
		}
	}
	return v, nil
}

// NumMessages returns the number of messages, including embedded messages.
func (v View) NumMessages() int {
	return v.n
}

// Message returns the message at index i. Message 0 is the top-level message.
func (v View) Message(i int) MessageView {
	m, err := v.message(i)
	if err != nil {
		panic("msgtree: bad message index")
	}
	return m
}

// Root returns the root part of the top-level message.
func (v View) Root() PartView {
	return v.Message(0).Part(0)
}

func (v View) message(i int) (MessageView, error) {
	if i < 0 || i >= v.n {
		return MessageView{}, errCorrupt
	}
	off := int(binary.LittleEndian.Uint32(v.buf[len(magic)+4+4*i:]))
	r := &reader{buf: v.buf, o: off}
	nparts := r.count(4)
	tableOff := r.o
	r.need(4 * nparts)
	if r.err != nil {
		return MessageView{}, r.err
	}
	return MessageView{v.buf, nparts, tableOff, tableOff + 4*nparts}, nil
}

// NumParts returns the number of parts in the message.
func (m MessageView) NumParts() int {
	return m.nparts
}

// Part returns part i of the message. Part 0 is the root part.
func (m MessageView) Part(i int) PartView {
	p, err := m.part(i)
	if err != nil {
		panic("msgtree: bad part index")
	}
	return p
}

// Envelope returns the decoded envelope of the message.
func (m MessageView) Envelope() Envelope {
	e, _ := m.envelope()
	return e
}

func (m MessageView) envelope() (Envelope, error) {
	r := &reader{buf: m.buf, o: m.envOff}
	addrs := func() []Address {
		n := r.count(12)
		if n == 0 {
			return nil
		}
		l := make([]Address, n)
		for i := range l {
			l[i] = Address{string(r.str()), string(r.str()), string(r.str())}
		}
		return l
	}
	var e Envelope
	e.Date = r.i64()
	e.DateOffset = int32(r.u32())
	e.Subject = string(r.str())
	e.From = addrs()
	e.Sender = addrs()
	e.ReplyTo = addrs()
	e.To = addrs()
	e.CC = addrs()
	e.BCC = addrs()
	if n := r.count(4); n > 0 {
		e.InReplyTo = make([]string, n)
		for i := range e.InReplyTo {
			e.InReplyTo[i] = string(r.str())
		}
	}
	e.MessageID = string(r.str())
	return e, r.err
}

func (m MessageView) part(i int) (PartView, error) {
	if i < 0 || i >= m.nparts {
		return PartView{}, errCorrupt
	}
	off := int(binary.LittleEndian.Uint32(m.buf[m.partTable+4*i:]))
	r := &reader{buf: m.buf, o: off}
	p := PartView{buf: m.buf}
	p.Kind = Kind(r.u8())
	flags := r.u8()
	p.EncodingProblem = flags&1 != 0
	p.HeaderStart = r.u32()
	p.BodyStart = r.u32()
	p.BodyEnd = r.u32()
	p.Message = r.u32()
	p.mediaType = r.str()
	p.mediaSubType = r.str()
	p.id = r.str()
	p.description = r.str()
	p.cte = r.str()
	p.disposition = r.str()
	p.location = r.str()

	p.nparams = r.count(8)
	p.paramsOff = r.o
	r.skipStrs(p.nparams, 2)
	p.ndispParams = r.count(8)
	p.dispParamsOff = r.o
	r.skipStrs(p.ndispParams, 2)
	p.nlang = r.count(4)
	p.langOff = r.o
	r.skipStrs(p.nlang, 1)

	p.nheaders = r.count(16)
	p.headersOff = r.o
	for j := 0; j < p.nheaders && r.err == nil; j++ {
		r.str()
		r.need(12)
		r.o += 12
	}
	p.nchildren = r.count(4)
	p.childrenOff = r.o
	r.need(4 * p.nchildren)

	if r.err != nil {
		return PartView{}, r.err
	}
	if p.Kind < KindText || p.Kind > KindMessage {
		return PartView{}, errCorrupt
	}
	if p.nchildren > 0 && p.Kind != KindMultipart {
		return PartView{}, errCorrupt
	}
	return p, nil
}

func (p PartView) MediaType() string               { return string(p.mediaType) }
func (p PartView) MediaSubType() string            { return string(p.mediaSubType) }
func (p PartView) ContentID() string               { return string(p.id) }
func (p PartView) ContentDescription() string      { return string(p.description) }
func (p PartView) ContentTransferEncoding() string { return string(p.cte) }
func (p PartView) Disposition() string             { return string(p.disposition) }
func (p PartView) Location() string                { return string(p.location) }

// Param returns the value of content-type parameter key (upper case) and
// whether it is present.
func (p PartView) Param(key string) (string, bool) {
	r := &reader{buf: p.buf, o: p.paramsOff}
	for i := 0; i < p.nparams; i++ {
		k := r.str()
		v := r.str()
		if string(k) == key {
			return string(v), true
		}
	}
	return "", false
}

func (p PartView) readParams(off, n int) []Param {
	if n == 0 {
		return nil
	}
	r := &reader{buf: p.buf, o: off}
	l := make([]Param, n)
	for i := range l {
		l[i] = Param{string(r.str()), string(r.str())}
	}
	return l
}

// ContentTypeParams returns the content-type parameters, keys in upper case and
// sorted.
func (p PartView) ContentTypeParams() []Param {
	return p.readParams(p.paramsOff, p.nparams)
}

func (p PartView) DispositionParams() []Param {
	return p.readParams(p.dispParamsOff, p.ndispParams)
}

func (p PartView) Language() []string {
	if p.nlang == 0 {
		return nil
	}
	r := &reader{buf: p.buf, o: p.langOff}
	l := make([]string, p.nlang)
	for i := range l {
		l[i] = string(r.str())
	}
	return l
}

// NumHeaders returns the number of header fields of the part.
func (p PartView) NumHeaders() int {
	return p.nheaders
}

// EachHeader calls fn for each header in order, until fn returns false.
func (p PartView) EachHeader(fn func(h HeaderView) bool) {
	r := &reader{buf: p.buf, o: p.headersOff}
	for i := 0; i < p.nheaders; i++ {
		h := HeaderView{Name: r.str()}
		h.Start = r.u32()
		h.ValueStart = r.u32()
		h.ValueEnd = r.u32()
		if !fn(h) {
			return
		}
	}
}

// NumChildren returns the number of subparts of a multipart.
func (p PartView) NumChildren() int {
	return p.nchildren
}

// Child returns the part index of child i of a multipart.
func (p PartView) Child(i int) int {
	if i < 0 || i >= p.nchildren {
		panic("msgtree: bad child index")
	}
	return int(binary.LittleEndian.Uint32(p.buf[p.childrenOff+4*i:]))
}

// Tree returns an owned copy of the archived tree.
func (v View) Tree() *Tree {
	t := &Tree{Messages: make([]Message, v.n)}
	for mi := range t.Messages {
		mv := v.Message(mi)
		m := Message{Envelope: mv.Envelope(), Parts: make([]Part, mv.NumParts())}
		for pi := range m.Parts {
			pv := mv.Part(pi)
			p := Part{
				Kind:                    pv.Kind,
				HeaderStart:             pv.HeaderStart,
				BodyStart:               pv.BodyStart,
				BodyEnd:                 pv.BodyEnd,
				EncodingProblem:         pv.EncodingProblem,
				MediaType:               pv.MediaType(),
				MediaSubType:            pv.MediaSubType(),
				ContentTypeParams:       pv.ContentTypeParams(),
				ContentID:               pv.ContentID(),
				ContentDescription:      pv.ContentDescription(),
				ContentTransferEncoding: pv.ContentTransferEncoding(),
				Disposition:             pv.Disposition(),
				DispositionParams:       pv.DispositionParams(),
				Language:                pv.Language(),
				Location:                pv.Location(),
				Message:                 pv.Message,
			}
			pv.EachHeader(func(h HeaderView) bool {
				p.Headers = append(p.Headers, Header{string(h.Name), h.Start, h.ValueStart, h.ValueEnd})
				return true
			})
			for ci := 0; ci < pv.NumChildren(); ci++ {
				p.Children = append(p.Children, uint32(pv.Child(ci)))
			}
			m.Parts[pi] = p
		}
		t.Messages[mi] = m
	}
	return t
}
