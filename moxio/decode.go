// Package moxio has common i/o functions.
package moxio

import (
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Encoding returns the text encoding for a MIME charset. Nil is returned for
// empty, us-ascii and utf-8 charsets, and for unknown charsets.
func Encoding(charset string) encoding.Encoding {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "utf-8", "utf8":
		return nil
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	return enc
}

// DecodeReader returns a reader that reads from r, decoding as charset. If
// charset is empty, us-ascii, utf-8 or unknown, the original reader is
// returned and no decoding takes place.
func DecodeReader(charset string, r io.Reader) io.Reader {
	enc := Encoding(charset)
	if enc == nil {
		return r
	}
	return enc.NewDecoder().Reader(r)
}

// DecodeText returns buf decoded from charset as valid UTF-8. Invalid byte
// sequences, and bytes that cannot be decoded, are replaced with the unicode
// replacement character.
func DecodeText(charset string, buf []byte) []byte {
	if enc := Encoding(charset); enc != nil {
		if nbuf, err := enc.NewDecoder().Bytes(buf); err == nil {
			buf = nbuf
		}
	}
	return []byte(strings.ToValidUTF8(string(buf), "�"))
}
