package msgtree

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"

	"github.com/emersion/go-imap/v2"
)

// BodyPart is the structural summary of a part, for BODY and BODYSTRUCTURE.
// Extended fields are only set for BODYSTRUCTURE.
type BodyPart struct {
	MediaType    string // Upper case.
	MediaSubType string

	// Multipart.
	Parts []*BodyPart

	// Non-multipart.
	Params      []Param
	ID          string // With angle brackets. Empty for NIL.
	Description string
	Encoding    string
	Size        int64

	// For TEXT/* and MESSAGE/RFC822.
	Lines int64

	// MESSAGE/RFC822.
	Envelope *imap.Envelope
	Message  *BodyPart

	// Extended.
	Extended          bool
	MD5               string // Lower case hex, of the undecoded body.
	Disposition       string
	DispositionParams []Param
	Language          []string
	Location          string
}

// Multipart returns whether this is a multipart.
func (bp *BodyPart) Multipart() bool {
	return bp.MediaType == "MULTIPART"
}

// frame is a multipart or message/rfc822 part whose children are being
// visited.
type frame struct {
	bp       *BodyPart
	msg      int
	raw      []byte
	children []int // Part indexes in msg still to visit.
	message  bool  // Whether bp is a message/rfc822 part, with a single child.
}

// BodyStructure returns the structural summary of the message with raw bytes
// raw. With extended set, the BODYSTRUCTURE form is returned, including
// checksums, dispositions, languages and locations.
//
// The tree is walked with an explicit stack, so deeply nested messages do not
// grow the goroutine stack.
func (v View) BodyStructure(raw []byte, extended bool) (*BodyPart, error) {
	var stack []*frame
	var root *BodyPart

	// visit returns the summary for a part. For multiparts and message/rfc822
	// parts, a frame is pushed and children are added when visited.
	visit := func(msg int, raw []byte, pi int) (*BodyPart, bool, error) {
		p := v.Message(msg).Part(pi)
		bp := v.bodyPart(raw, p, extended)
		switch p.Kind {
		case KindMultipart:
			f := &frame{bp: bp, msg: msg, raw: raw}
			for i := 0; i < p.NumChildren(); i++ {
				f.children = append(f.children, p.Child(i))
			}
			stack = append(stack, f)
			return bp, true, nil
		case KindMessage:
			loc := location{msg, raw, p}
			if err := v.descend(&loc); err != nil {
				// Content cannot be decoded. Represent it as an opaque part.
				bp.MediaType = "APPLICATION"
				bp.MediaSubType = "OCTET-STREAM"
				return bp, false, nil
			}
			bp.Envelope = v.Message(loc.msg).Envelope().IMAP()
			stack = append(stack, &frame{bp: bp, msg: loc.msg, raw: loc.raw, children: []int{0}, message: true})
			return bp, true, nil
		}
		return bp, false, nil
	}

	attach := func(bp *BodyPart) {
		if len(stack) == 0 {
			root = bp
			return
		}
		parent := stack[len(stack)-1]
		if parent.message {
			parent.bp.Message = bp
		} else {
			parent.bp.Parts = append(parent.bp.Parts, bp)
		}
	}

	bp, pushed, err := visit(0, raw, 0)
	if err != nil {
		return nil, err
	}
	if !pushed {
		return bp, nil
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if len(f.children) == 0 {
			// Done with this multipart or message, add it to its parent.
			stack = stack[:len(stack)-1]
			attach(f.bp)
			continue
		}
		pi := f.children[0]
		f.children = f.children[1:]
		bp, pushed, err := visit(f.msg, f.raw, pi)
		if err != nil {
			return nil, err
		}
		if !pushed {
			attach(bp)
		}
	}
	return root, nil
}

// bodyPart returns the summary of a single part, without children.
func (v View) bodyPart(raw []byte, p PartView, extended bool) *BodyPart {
	bp := &BodyPart{
		MediaType:    p.MediaType(),
		MediaSubType: p.MediaSubType(),
		Extended:     extended,
	}
	if p.Kind == KindMultipart {
		if bp.MediaType == "" {
			bp.MediaType = "MULTIPART"
		}
		if bp.MediaSubType == "" {
			bp.MediaSubType = "MIXED"
		}
		if extended {
			bp.Params = p.ContentTypeParams()
			bp.Disposition = p.Disposition()
			bp.DispositionParams = p.DispositionParams()
			bp.Language = p.Language()
			bp.Location = p.Location()
		}
		return bp
	}

	bp.Params = p.ContentTypeParams()
	if bp.MediaType == "" {
		bp.MediaType = "TEXT"
		bp.MediaSubType = "PLAIN"
	}
	if bp.MediaType == "TEXT" {
		if bp.MediaSubType == "" {
			bp.MediaSubType = "PLAIN"
		}
		if _, ok := p.Param("CHARSET"); !ok {
			bp.Params = append([]Param{{"CHARSET", "US-ASCII"}}, bp.Params...)
		}
	}
	if id := p.ContentID(); id != "" {
		bp.ID = "<" + id + ">"
	}
	bp.Description = p.ContentDescription()
	bp.Encoding = p.ContentTransferEncoding()
	if bp.Encoding == "" {
		bp.Encoding = "7BIT"
	}
	body := span(raw, p.BodyStart, p.BodyEnd)
	bp.Size = int64(len(body))
	if bp.MediaType == "TEXT" || p.Kind == KindMessage {
		bp.Lines = int64(bytes.Count(body, []byte("\n")))
	}
	if extended {
		sum := md5.Sum(body)
		bp.MD5 = hex.EncodeToString(sum[:])
		bp.Disposition = p.Disposition()
		bp.DispositionParams = p.DispositionParams()
		bp.Language = p.Language()
		bp.Location = p.Location()
	}
	return bp
}
