package message

import (
	"strings"
	"testing"

	"github.com/mjl-/mailstore/mlog"
)

func TestPreviewText(t *testing.T) {
	check := func(body, expLine string) {
		t.Helper()

		line, err := previewText(strings.NewReader(body))
		tcompare(t, err, nil)
		if line != expLine {
			t.Fatalf("got %q, expected %q, for body %q", line, expLine, body)
		}
	}

	check("", "")
	check("single line", "single line\n")
	check("single line\n", "single line\n")
	check("> quoted\n", "[...]\n")
	check("> quoted\nresponse\n", "[...]\nresponse\n")
	check("> quoted\n[...]\nresponse after author snip\n", "[...]\nresponse after author snip\n")
	check("[...]\nresponse after author snip\n", "[...]\nresponse after author snip\n")
	check("[…]\nresponse after author snip\n", "[…]\nresponse after author snip\n")
	check(">> quoted0\n> quoted1\n>quoted2\n[...]\nresponse after author snip\n", "[...]\nresponse after author snip\n")
	check(">quoted\n\n>quoted\ncoalesce line-separated quotes\n", "[...]\ncoalesce line-separated quotes\n")
	check("On <date> <user> wrote:\n> hi\nresponse", "[...]\nresponse\n")
	check("On <longdate>\n<user> wrote:\n> hi\nresponse", "[...]\nresponse\n")
	check("> quote\nresponse\n--\nsignature\n", "[...]\nresponse\n")
	check("> quote\nline1\nline2\nline3\n", "[...]\nline1\nline2\nline3\n")
}

// compose returns a message with a single part, or a multipart/alternative
// with the parts, each given as content-type and body.
func compose(typeContents ...string) string {
	hdr := "From: mjl@mox.example\r\nSubject: preview\r\nMIME-Version: 1.0\r\n"
	if len(typeContents) == 2 {
		return hdr + "Content-Type: " + typeContents[0] + "; charset=utf-8\r\n\r\n" + typeContents[1]
	}
	var b strings.Builder
	b.WriteString(hdr + "Content-Type: multipart/alternative; boundary=\"xx\"\r\n\r\n")
	for i := 0; i < len(typeContents); i += 2 {
		b.WriteString("--xx\r\nContent-Type: " + typeContents[i] + "; charset=utf-8\r\n\r\n" + typeContents[i+1] + "\r\n")
	}
	b.WriteString("--xx--\r\n")
	return b.String()
}

func TestPreviewHTML(t *testing.T) {
	log := mlog.New("message", nil)
	check := func(msg string, exp string) {
		t.Helper()

		pm, err := Parse(log.Logger, []byte(msg))
		tcheck(t, err, "parse")
		s := Preview(log, pm.Tree, []byte(msg), 1024*1024)
		tcompare(t, s, exp)
	}

	// We use the first part for the preview.
	check(compose("text/plain", "the text", "text/html", "<html><body>the html</body></html>"), "the text")

	// HTML before text.
	check(compose("text/html", "<body>the html</body>", "text/plain", "the text"), "the html")

	check(compose("text/plain", "the text"), "the text")
	check(compose("text/html", "<body>the html</body>"), "the html")

	// No preview.
	check(compose("application/other", "other text"), "")

	// HTML with quoted text.
	check(compose("text/html", "<html><div>On ... someone wrote:</div><blockquote>something worth replying</blockquote><div>agreed</div></body>"), "[...]\nagreed")

	// HTML with ignored elements, inline elements and tables.
	const moreHTML = `<!doctype html>
<html>
	<head>
		<title>title</title>
		<style>head style</style>
		<script>head script</script>
	</head>
<body>
<script>body script</script>
<style>body style</style>
<div>line1</div>
<div>line2</div>
<div><a href="about:blank">link1   </a> text <span>word</span><span>word2</span>.</div>
<table><tr><td>col1</td><th>col2</th></tr><tr><td>row2</td></tr></table>
</body></html>
`
	check(compose("text/html", moreHTML), `line1
line2
link1 text wordword2.
col1 col2
row2`)

	// Quoted-printable encoded text in another charset.
	msg := "Content-Type: text/plain; charset=iso-8859-1\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\ncaf=E9\r\n"
	check(msg, "café")

	// Attachments are skipped.
	msg = "Content-Type: multipart/mixed; boundary=b\r\n\r\n--b\r\nContent-Type: text/plain\r\nContent-Disposition: attachment\r\n\r\nattached\r\n--b\r\nContent-Type: text/plain\r\n\r\ninline text\r\n--b--\r\n"
	check(msg, "inline text")
}
