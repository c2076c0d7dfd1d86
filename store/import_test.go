package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestListMaildir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "maildir")
	for _, sub := range []string{"new", "cur", "tmp"} {
		err := os.MkdirAll(filepath.Join(dir, sub), 0770)
		tcheck(t, err, "mkdir")
	}
	write := func(p, data string) {
		t.Helper()
		err := os.WriteFile(filepath.Join(dir, p), []byte(data), 0660)
		tcheck(t, err, "write file")
	}
	write("dovecot-keywords", "0 Old\n1 $Forwarded\nbogus\n3 with space\n")
	write("new/1700000000.1.host", "Subject: a\n\nbody\n")
	write("cur/1700000001.2.host:2,SFab", "Subject: b\r\n\r\nbody\r\n")
	write("cur/1700000002.3.host:2,RTDPz", "Subject: c\n")
	write("tmp/1700000003.4.host", "Subject: d\n")

	l, err := ListMaildir(pkglogTest, dir)
	tcheck(t, err, "list maildir")
	tcompare(t, len(l), 3)
	tcompare(t, filepath.Base(l[0].Path), "1700000000.1.host")
	tcompare(t, l[0].Received, time.Unix(1700000000, 0))
	tcompare(t, len(l[0].Labels), 0)
	tcompare(t, l[1].Labels, []string{"$forwarded", `\Flagged`, `\Seen`, "old"})
	tcompare(t, l[2].Labels, []string{`\Answered`, `\Deleted`, `\Draft`})

	buf, err := ReadMessageFile(l[0].Path)
	tcheck(t, err, "read message")
	tcompare(t, string(buf), "Subject: a\r\n\r\nbody\r\n")
	buf, err = ReadMessageFile(l[1].Path)
	tcheck(t, err, "read message")
	tcompare(t, string(buf), "Subject: b\r\n\r\nbody\r\n")

	_, err = ListMaildir(pkglogTest, filepath.Join(dir, "bogus"))
	if err == nil {
		t.Fatalf("listing nonexistent maildir: got nil error, expected error")
	}
}

func TestParseDovecotKeywords(t *testing.T) {
	l, err := ParseDovecotKeywords(strings.NewReader("0 Old\n2 $Junk\n2 dup\n30 big\n"), pkglogTest)
	if err == nil {
		t.Fatalf("expected error for bad lines")
	}
	tcompare(t, l, []string{"old", "", "$junk"})
}
