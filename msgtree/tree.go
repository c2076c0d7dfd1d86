// Package msgtree holds the parsed structure of a message: a tree of MIME parts
// with byte offsets into the raw message.
//
// A Tree is the owned, mutable form, built by the message parser. It is
// stored as an archive (Tree.Marshal), and read back without copying through a
// View. All protocol attributes (envelope, body structure, body sections,
// binary content) are computed from a View and the raw message bytes.
package msgtree

import (
	"encoding/binary"
	"errors"
)

// Kind of a part.
type Kind uint8

const (
	KindText         Kind = 1 // text/plain and other textual non-attachment parts.
	KindHTML         Kind = 2
	KindBinary       Kind = 3
	KindInlineBinary Kind = 4
	KindMultipart    Kind = 5
	KindMessage      Kind = 6 // Embedded message/rfc822, with its own Message in the tree.
)

var kindStrings = map[Kind]string{
	KindText:         "text",
	KindHTML:         "html",
	KindBinary:       "binary",
	KindInlineBinary: "inlinebinary",
	KindMultipart:    "multipart",
	KindMessage:      "message",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Leaf returns whether the part holds content instead of other parts.
func (k Kind) Leaf() bool {
	return k != KindMultipart && k != KindMessage
}

// Tree is the structure of a message with all embedded messages. Messages[0] is
// the top-level message.
type Tree struct {
	Messages []Message
}

// Message is a top-level or embedded message. Offsets in its parts are relative
// to the raw bytes of this message. For embedded messages, the raw bytes are
// the transfer-decoded body of the message/rfc822 part in the parent.
type Message struct {
	Parts    []Part // Parts[0] is the root part.
	Envelope Envelope
}

// Part is a single MIME part.
type Part struct {
	Kind Kind

	HeaderStart uint32
	BodyStart   uint32
	BodyEnd     uint32

	// Set when the body could not be decoded according to its
	// content-transfer-encoding.
	EncodingProblem bool

	MediaType               string // Upper case, e.g. "TEXT". Empty if no content-type.
	MediaSubType            string // Upper case, e.g. "PLAIN".
	ContentTypeParams       []Param
	ContentID               string // Without angle brackets.
	ContentDescription      string
	ContentTransferEncoding string // Upper case, e.g. "BASE64".
	Disposition             string
	DispositionParams       []Param
	Language                []string
	Location                string

	Headers []Header

	// For KindMultipart, indexes into the parts of the owning Message.
	Children []uint32

	// For KindMessage, index into Tree.Messages.
	Message uint32
}

// Param is a content-type or content-disposition parameter.
type Param struct {
	Key   string
	Value string
}

// Header is a header field of a part. Start is the offset of the first byte of
// the field name. ValueStart is the offset just after the colon, ValueEnd is
// just after the line ending of the last line of the field.
type Header struct {
	Name       string
	Start      uint32
	ValueStart uint32
	ValueEnd   uint32
}

// Envelope holds the decoded envelope header fields of a message.
type Envelope struct {
	Date       int64 // Unix time, 0 if absent or invalid.
	DateOffset int32 // Seconds east of UTC for Date.
	Subject    string
	From       []Address
	Sender     []Address
	ReplyTo    []Address
	To         []Address
	CC         []Address
	BCC        []Address
	InReplyTo  []string // Message-IDs without angle brackets.
	MessageID  string   // Without angle brackets.
}

// Address is an email address. Members of address groups are listed as
// individual addresses, groups themselves are not represented.
type Address struct {
	Name    string
	Mailbox string
	Host    string
}

const magic = "mtr1"

var errCorrupt = errors.New("msgtree: corrupt archive")

// Marshal returns the archived form of the tree, for reading with NewView.
//
// Layout: magic, message count, message offsets, then each message record:
// part count, part offsets, envelope, followed by the part records. Integers
// are little endian uint32 (int64 for the date), strings are a uint32 length
// followed by the bytes.
func (t *Tree) Marshal() []byte {
	w := &writer{}
	w.bytes([]byte(magic))
	w.u32(uint32(len(t.Messages)))
	msgTable := w.reserve(len(t.Messages))
	for mi, m := range t.Messages {
		w.patch(msgTable, mi)
		w.u32(uint32(len(m.Parts)))
		partTable := w.reserve(len(m.Parts))
		w.envelope(m.Envelope)
		for pi, p := range m.Parts {
			w.patch(partTable, pi)
			w.part(p)
		}
	}
	return w.buf
}

type writer struct {
	buf []byte
}

func (w *writer) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) i64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// reserve adds n zero uint32's for a table of offsets, returning the offset of
// the table.
func (w *writer) reserve(n int) int {
	o := len(w.buf)
	for i := 0; i < n; i++ {
		w.u32(0)
	}
	return o
}

// patch sets entry i of the table at offset table to the current offset.
func (w *writer) patch(table, i int) {
	binary.LittleEndian.PutUint32(w.buf[table+4*i:], uint32(len(w.buf)))
}

func (w *writer) strs(l []string) {
	w.u32(uint32(len(l)))
	for _, s := range l {
		w.str(s)
	}
}

func (w *writer) params(l []Param) {
	w.u32(uint32(len(l)))
	for _, p := range l {
		w.str(p.Key)
		w.str(p.Value)
	}
}

func (w *writer) addrs(l []Address) {
	w.u32(uint32(len(l)))
	for _, a := range l {
		w.str(a.Name)
		w.str(a.Mailbox)
		w.str(a.Host)
	}
}

func (w *writer) envelope(e Envelope) {
	w.i64(e.Date)
	w.u32(uint32(e.DateOffset))
	w.str(e.Subject)
	w.addrs(e.From)
	w.addrs(e.Sender)
	w.addrs(e.ReplyTo)
	w.addrs(e.To)
	w.addrs(e.CC)
	w.addrs(e.BCC)
	w.strs(e.InReplyTo)
	w.str(e.MessageID)
}

func (w *writer) part(p Part) {
	w.u8(uint8(p.Kind))
	var flags uint8
	if p.EncodingProblem {
		flags |= 1
	}
	w.u8(flags)
	w.u32(p.HeaderStart)
	w.u32(p.BodyStart)
	w.u32(p.BodyEnd)
	w.u32(p.Message)
	w.str(p.MediaType)
	w.str(p.MediaSubType)
	w.str(p.ContentID)
	w.str(p.ContentDescription)
	w.str(p.ContentTransferEncoding)
	w.str(p.Disposition)
	w.str(p.Location)
	w.params(p.ContentTypeParams)
	w.params(p.DispositionParams)
	w.strs(p.Language)
	w.u32(uint32(len(p.Headers)))
	for _, h := range p.Headers {
		w.str(h.Name)
		w.u32(h.Start)
		w.u32(h.ValueStart)
		w.u32(h.ValueEnd)
	}
	w.u32(uint32(len(p.Children)))
	for _, c := range p.Children {
		w.u32(c)
	}
}
