package message

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/moxio"
	"github.com/mjl-/mailstore/msgtree"
)

// Preview returns a message preview, based on the first text/plain or text/html
// part of the top-level message that has textual content. Attachments are
// skipped, as are the signature parts of multipart/signed and encrypted
// content. At most maxBytes of a part are used. Preview returns at most 256
// characters, with trailing whitespace removed.
//
// Preview logs at debug level for invalid parts, it does not fail.
func Preview(log mlog.Log, t *msgtree.Tree, raw []byte, maxBytes int) string {
	m := t.Messages[0]
	stack := []int{0}
	for len(stack) > 0 {
		pi := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p := m.Parts[pi]

		if strings.EqualFold(p.Disposition, "attachment") || p.EncodingProblem {
			continue
		}
		mt := p.MediaType + "/" + p.MediaSubType
		switch {
		case p.Kind == msgtree.KindText && (mt == "TEXT/PLAIN" || mt == "/"), p.Kind == msgtree.KindHTML:
			text, err := partText(p, raw, maxBytes)
			if err != nil {
				log.Debugx("decoding part for preview", err, slog.Int("part", pi))
				continue
			}
			if p.Kind == msgtree.KindHTML {
				text, err = previewHTML(strings.NewReader(text))
				if err != nil {
					log.Debugx("parsing html part for preview (ignored)", err)
					continue
				}
			}
			s, err := previewText(strings.NewReader(text))
			if err != nil {
				log.Debugx("making preview from text", err)
				continue
			}
			if s = strings.TrimRight(s, " \t\r\n"); s != "" {
				return s
			}
		case mt == "MULTIPART/ENCRYPTED":
		case p.Kind == msgtree.KindMultipart:
			children := p.Children
			if mt == "MULTIPART/SIGNED" && len(children) > 1 {
				children = children[:1]
			}
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, int(children[i]))
			}
		}
	}
	return ""
}

// partText returns the decoded text of a text part of the top-level message,
// limited to maxBytes of the raw body.
func partText(p msgtree.Part, raw []byte, maxBytes int) (string, error) {
	body := raw[p.BodyStart:p.BodyEnd]
	if len(body) > maxBytes {
		body = body[:maxBytes]
	}
	buf, err := msgtree.DecodeBody(p.ContentTransferEncoding, body)
	if err != nil {
		return "", fmt.Errorf("decoding part: %w", err)
	}
	var charset string
	for _, param := range p.ContentTypeParams {
		if param.Key == "CHARSET" {
			charset = param.Value
		}
	}
	return string(moxio.DecodeText(charset, buf)), nil
}

// previewText returns a line the client can display next to the subject line
// in a mailbox. It will replace quoted text, and any prefixing "On ... wrote:"
// line with "[...]" so only new and useful information will be displayed.
// Trailing signatures are not included.
func previewText(r io.Reader) (string, error) {
	// We look quite a bit of lines ahead for trailing signatures with trailing empty lines.
	var lines []string
	scanner := bufio.NewScanner(r)
	ensureLines := func() {
		for len(lines) < 10 && scanner.Scan() {
			lines = append(lines, strings.TrimSpace(scanner.Text()))
		}
	}
	ensureLines()

	isSnipped := func(s string) bool {
		return s == "[...]" || s == "[…]" || s == "..."
	}

	nextLineQuoted := func(i int) bool {
		if i+1 < len(lines) && lines[i+1] == "" {
			i++
		}
		return i+1 < len(lines) && (strings.HasPrefix(lines[i+1], ">") || isSnipped(lines[i+1]))
	}

	// Remainder is signature if we see a line with only and minimum 2 dashes, and
	// there are no more empty lines, and there aren't more than 5 lines left.
	isSignature := func() bool {
		if len(lines) == 0 || !strings.HasPrefix(lines[0], "--") || strings.Trim(strings.TrimSpace(lines[0]), "-") != "" {
			return false
		}
		l := lines[1:]
		for len(l) > 0 && l[len(l)-1] == "" {
			l = l[:len(l)-1]
		}
		if len(l) >= 5 {
			return false
		}
		return !slices.Contains(l, "")
	}

	result := ""

	resultSnipped := func() bool {
		return strings.HasSuffix(result, "[...]\n") || strings.HasSuffix(result, "[…]")
	}

	// Quick check for initial wrapped "On ... wrote:" line.
	if len(lines) > 3 && strings.HasPrefix(lines[0], "On ") && !strings.HasSuffix(lines[0], "wrote:") && strings.HasSuffix(lines[1], ":") && nextLineQuoted(1) {
		result = "[...]\n"
		lines = lines[3:]
		ensureLines()
	}

	for ; len(lines) > 0 && !isSignature(); ensureLines() {
		line := lines[0]
		if strings.HasPrefix(line, ">") {
			if !resultSnipped() {
				result += "[...]\n"
			}
			lines = lines[1:]
			continue
		}
		if line == "" {
			lines = lines[1:]
			continue
		}
		// Check for a "On <date>, <person> wrote:", we require digits before a quoted
		// line, with an optional empty line in between. If we don't have any text yet, we
		// don't require the digits.
		if strings.HasSuffix(line, ":") && (strings.ContainsAny(line, "0123456789") || result == "") && nextLineQuoted(0) {
			if !resultSnipped() {
				result += "[...]\n"
			}
			lines = lines[1:]
			continue
		}
		// Skip possibly duplicate snipping by author.
		if !isSnipped(line) || !resultSnipped() {
			result += line + "\n"
		}
		lines = lines[1:]
		if len(result) > 250 {
			break
		}
	}

	// Limit number of characters (not bytes). ../rfc/8970:200
	// To 256 characters. ../rfc/8970:211
	var o, n int
	for o = range result {
		n++
		if n > 256 {
			result = result[:o]
			break
		}
	}

	return result, scanner.Err()
}

// Text in these elements and their descendants is not part of the preview.
var ignoreAtoms = atomSet(atom.Dialog, atom.Head, atom.Map, atom.Math, atom.Script, atom.Style, atom.Svg, atom.Template)

// Inline elements don't end a line. Table cells are followed by a space.
// https://developer.mozilla.org/en-US/docs/Web/HTML/Element#inline_text_semantics
var inlineAtoms = atomSet(
	atom.A, atom.Abbr, atom.B, atom.Bdi, atom.Bdo, atom.Cite, atom.Code, atom.Data,
	atom.Dfn, atom.Em, atom.I, atom.Kbd, atom.Mark, atom.Q, atom.Rp, atom.Rt,
	atom.Ruby, atom.S, atom.Samp, atom.Small, atom.Span, atom.Strong, atom.Sub,
	atom.Sup, atom.Time, atom.U, atom.Var, atom.Wbr, atom.Del, atom.Ins,
	atom.Td, atom.Th,
)

func atomSet(l ...atom.Atom) map[atom.Atom]bool {
	m := make(map[atom.Atom]bool, len(l))
	for _, a := range l {
		m[a] = true
	}
	return m
}

var (
	regexpSpace     = regexp.MustCompile(`[ \t]+`)
	regexpNewlines  = regexp.MustCompile(`\n\n\n+`)
	regexpZeroWidth = regexp.MustCompile("[\u00a0\u200b\u200c\u200d][\u00a0\u200b\u200c\u200d]+")
)

// Enough html text for a preview, most of it may be quoted text that is removed.
const previewHTMLMax = 4 * 1024

// htmlText gathers the text of an html document, with blockquote content
// prefixed like quoted plain text.
type htmlText struct {
	b     strings.Builder
	quote int // Blockquote depth.
}

func (h *htmlText) full() bool {
	return h.b.Len() >= previewHTMLMax
}

func (h *htmlText) endsWith(s string) bool {
	return strings.HasSuffix(h.b.String(), s)
}

// walk adds the text of n and its descendants. Inline indicates whether the
// nearest enclosing element is inline.
func (h *htmlText) walk(n *html.Node, inline bool) error {
	switch n.Type {
	case html.ErrorNode:
		return fmt.Errorf("unexpected error node")
	case html.TextNode:
		h.text(n.Data, inline)
		return nil
	case html.ElementNode:
		return h.element(n)
	}
	return h.children(n, inline)
}

func (h *htmlText) children(n *html.Node, inline bool) error {
	for c := n.FirstChild; c != nil && !h.full(); c = c.NextSibling {
		if err := h.walk(c, inline); err != nil {
			return err
		}
	}
	return nil
}

func (h *htmlText) element(n *html.Node) error {
	inline := inlineAtoms[n.DataAtom]
	if !ignoreAtoms[n.DataAtom] {
		if n.DataAtom == atom.Blockquote {
			h.quote++
		}
		err := h.children(n, inline)
		if n.DataAtom == atom.Blockquote {
			h.quote--
		}
		if err != nil {
			return err
		}
	}
	if !inline && !h.endsWith("\n\n") {
		h.b.WriteString("\n")
	} else if (n.DataAtom == atom.Td || n.DataAtom == atom.Th) && !h.endsWith(" ") {
		h.b.WriteString(" ")
	}
	return nil
}

func (h *htmlText) text(s string, inline bool) {
	s = strings.Map(func(c rune) rune {
		switch c {
		case '\r':
			return -1
		case '\t':
			return ' '
		}
		return c
	}, s)
	s = regexpSpace.ReplaceAllString(s, " ")
	s = regexpNewlines.ReplaceAllString(s, "\n")
	s = regexpZeroWidth.ReplaceAllString(s, "")

	if strings.TrimSpace(s) == "" && (!inline || strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\n")) {
		return
	}
	if h.quote == 0 {
		h.b.WriteString(s)
		return
	}
	prefix := strings.Repeat("> ", h.quote)
	for s != "" {
		line := s
		if o := strings.IndexByte(s, '\n'); o >= 0 {
			line = s[:o+1]
		}
		h.b.WriteString(prefix)
		h.b.WriteString(line)
		s = s[len(line):]
	}
}

// previewHTML returns the text of an html document for use with previewText.
func previewHTML(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %v", err)
	}
	var h htmlText
	err = h.walk(doc, false)
	text := regexpSpace.ReplaceAllString(strings.TrimSpace(h.b.String()), " ")
	return text, err
}
