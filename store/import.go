package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/mailstore/mlog"
)

// MaildirMessage is a message file found in a maildir, with the labels and
// received time derived from its file name.
type MaildirMessage struct {
	Path     string
	Received time.Time // Zero if the file name has no timestamp.
	Labels   []string  // Canonical, sorted.
}

// ListMaildir returns the messages in the "new" and "cur" directories of a
// maildir, in that order, each sorted by file name. Keyword letters in file
// names are resolved through the dovecot-keywords file if present.
func ListMaildir(log mlog.Log, dir string) ([]MaildirMessage, error) {
	var keywords []string
	kf, err := os.Open(filepath.Join(dir, "dovecot-keywords"))
	if err == nil {
		keywords, err = ParseDovecotKeywords(kf, log)
		log.Check(err, "parsing dovecot keywords file")
		err = kf.Close()
		log.Check(err, "closing dovecot-keywords file")
	}

	var l []MaildirMessage
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			return nil, fmt.Errorf("reading maildir: %w", err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			name := e.Name()
			l = append(l, MaildirMessage{
				Path:     filepath.Join(dir, sub, name),
				Received: maildirReceived(name),
				Labels:   maildirLabels(log, name, keywords),
			})
		}
	}
	return l, nil
}

// Take received time from file name, the first part is a unix timestamp.
func maildirReceived(name string) time.Time {
	t := strings.SplitN(name, ".", 2)
	if v, err := strconv.ParseInt(t[0], 10, 64); err == nil {
		return time.Unix(v, 0)
	}
	return time.Time{}
}

// Parse flags. See https://cr.yp.to/proto/maildir.html.
func maildirLabels(log mlog.Log, name string, keywords []string) []string {
	t := strings.SplitN(name, ":2,", 2)
	if len(t) != 2 {
		return nil
	}
	var l []string
	for _, c := range t[1] {
		switch c {
		case 'P':
			// Passed, doesn't map to a common IMAP flag.
		case 'R':
			l = append(l, FlagAnswered)
		case 'S':
			l = append(l, FlagSeen)
		case 'T':
			l = append(l, FlagDeleted)
		case 'D':
			l = append(l, FlagDraft)
		case 'F':
			l = append(l, FlagFlagged)
		default:
			if c >= 'a' && c <= 'z' {
				index := int(c - 'a')
				if index < len(keywords) && keywords[index] != "" {
					l = append(l, keywords[index])
				}
			}
		}
	}
	labels, err := CanonicalLabels(l)
	if err != nil {
		log.Debugx("ignoring labels from maildir file name", err, slog.String("name", name))
		return nil
	}
	return labels
}

// ParseDovecotKeywords parses a dovecot-keywords file, returning lower-case
// keywords indexed by their letter. Invalid lines are skipped and reported in
// the error, keywords that were found are still returned.
func ParseDovecotKeywords(r io.Reader, log mlog.Log) ([]string, error) {
	/*
		If the dovecot-keywords file is present, we parse its additional flags, see
		https://doc.dovecot.org/admin_manual/mailbox_formats/maildir/

		0 Old
		1 Junk
		2 NonJunk
		3 $Forwarded
		4 $Junk
	*/
	keywords := make([]string, 26)
	end := 0
	scanner := bufio.NewScanner(r)
	var errs []string
	for scanner.Scan() {
		s := scanner.Text()
		t := strings.SplitN(s, " ", 2)
		if len(t) != 2 {
			errs = append(errs, fmt.Sprintf("unexpected dovecot keyword line: %q", s))
			continue
		}
		v, err := strconv.ParseInt(t[0], 10, 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("unexpected dovecot keyword index: %q", s))
			continue
		}
		if v < 0 || v >= int64(len(keywords)) {
			errs = append(errs, fmt.Sprintf("dovecot keyword index too big: %q", s))
			continue
		}
		index := int(v)
		if keywords[index] != "" {
			errs = append(errs, fmt.Sprintf("duplicate dovecot keyword: %q", s))
			continue
		}
		kw := strings.ToLower(t[1])
		if !ValidLowercaseKeyword(kw) {
			errs = append(errs, fmt.Sprintf("invalid keyword %q", kw))
			continue
		}
		keywords[index] = kw
		if index >= end {
			end = index + 1
		}
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Sprintf("reading dovecot keywords file: %v", err))
	}
	var err error
	if len(errs) > 0 {
		err = fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return slices.Clip(keywords[:end]), err
}

// ReadMessageFile reads a message from a file, changing bare newlines into
// CRLF.
func ReadMessageFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading message: %v", err)
		}
		if len(line) > 0 {
			if line[len(line)-1] == '\n' && !bytes.HasSuffix(line, []byte("\r\n")) {
				line = append(line[:len(line)-1], "\r\n"...)
			}
			buf.Write(line)
		}
		if err == io.EOF {
			break
		}
	}
	return buf.Bytes(), nil
}
