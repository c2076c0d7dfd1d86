package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailstore/config"
	"github.com/mjl-/mailstore/imapengine"
	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/moxvar"
	"github.com/mjl-/mailstore/msgtree"
	"github.com/mjl-/mailstore/store"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"deliver", cmdDeliver},
	{"import maildir", cmdImportMaildir},
	{"fetch", cmdFetch},
	{"store", cmdStore},
	{"changes", cmdChanges},
	{"structure", cmdStructure},
	{"traintasks", cmdTrainTasks},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},

	// Not listed.
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mailstore "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mailstore " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mailstore " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# mailstore %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "mailstore [-config config/mailstore.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mailstore"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info, except by serve.

// Subcommands that are not "serve" should use this function to load the config,
// it restores any loglevel specified on the command-line instead of using the
// loglevels from the config file.
func mustLoadConfig() {
	mox.MustLoadConfig(false)
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mox.Conf.Log[""] = level
		mlog.SetConfig(mox.Conf.Log)
	} else {
		log.Fatal("unknown loglevel", slog.String("loglevel", loglevel))
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&mox.ConfigStaticPath, "config", envString("MAILSTORECONF", filepath.FromSlash("config/mailstore.conf")), "configuration file, defaults to $MAILSTORECONF with a fallback to config/mailstore.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mox.Conf.Log[""] = level
		mlog.SetConfig(mox.Conf.Log)
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mailstore "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// xopenAccount loads the config, starts the switchboard and opens the account.
// The returned function closes the account and stops the switchboard.
func xopenAccount(c *cmd, name string) (*store.Account, func()) {
	mustLoadConfig()
	stop := store.Switchboard()
	acc, err := store.OpenAccount(c.log, name)
	xcheckf(err, "open account")
	return acc, func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
		stop()
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "\t")
	err := enc.Encode(v)
	xcheckf(err, "writing json")
}

// optionalModSeq parses a modseq flag value, returning nil for an empty string.
func optionalModSeq(s, what string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	xcheckf(err, "parsing %s", what)
	return &v
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := mox.ParseConfig(context.Background(), c.log, mox.ConfigStaticPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mailstore.conf"
	c.help = `Prints an annotated empty configuration for use as mailstore.conf.

The configuration file is only read at startup. Mailstore has to be restarted
for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mailstore version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(moxvar.Version)
	fmt.Println(moxvar.GoVersion)
}

func cmdDeliver(c *cmd) {
	c.params = "[-label label ...] account mailbox <message"
	c.help = `Deliver a message from stdin to a mailbox of an account.

The message is parsed, its structure stored, and a new UID is assigned in the
mailbox. Bare newlines are changed into CRLF. Prints the message ID and UID.
`
	var labels labelsFlag
	c.flag.Var(&labels, "label", "label (flag or keyword) to set on the message, can be repeated")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message")
	buf = []byte(strings.ReplaceAll(strings.ReplaceAll(string(buf), "\r\n", "\n"), "\n", "\r\n"))

	acc, done := xopenAccount(c, args[0])
	defer done()
	comm := store.RegisterComm(acc)
	defer comm.Unregister()
	m, mm, err := acc.Deliver(context.Background(), c.log, comm, args[1], buf, time.Now(), labels)
	xcheckf(err, "deliver")
	fmt.Printf("message id %d, uid %d\n", m.ID, mm.UID)
}

type labelsFlag []string

func (l *labelsFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *labelsFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func cmdFetch(c *cmd) {
	c.params = "[-uid] [-readonly] [-changedsince modseq] [-vanished] account mailbox numset items"
	c.help = `Run a FETCH command on a mailbox and print the result as JSON.

Numset is a sequence set like "1:*" or "3,5:7", interpreted as UIDs with -uid.
Items is a single fetch attribute or a parenthesized list, e.g. "FLAGS" or
"(UID ENVELOPE BODY.PEEK[HEADER.FIELDS (SUBJECT)])".

Unless -readonly is set, fetching body sections without PEEK marks messages as
read.
`
	var uid, readOnly, vanished bool
	var changedSince string
	c.flag.BoolVar(&uid, "uid", false, "interpret numset as UIDs")
	c.flag.BoolVar(&readOnly, "readonly", false, "select mailbox read-only")
	c.flag.StringVar(&changedSince, "changedsince", "", "only return messages changed after modseq")
	c.flag.BoolVar(&vanished, "vanished", false, "also return UIDs of removed messages, requires -uid and -changedsince")
	args := c.Parse()
	if len(args) != 4 {
		c.Usage()
	}

	ns, err := imapengine.ParseNumSet(args[2])
	xcheckf(err, "parsing numset")
	items, err := imapengine.ParseFetchItems(args[3])
	xcheckf(err, "parsing fetch items")
	cmd := imapengine.FetchCommand{NumSet: ns, UID: uid, Items: items, ChangedSince: optionalModSeq(changedSince, "changedsince"), Vanished: vanished}

	acc, done := xopenAccount(c, args[0])
	defer done()
	s := imapengine.NewSession(c.log, acc, nil)
	defer s.Close()
	s.Qresync = vanished
	_, err = s.Select(context.Background(), args[1], readOnly)
	xcheckf(err, "select")
	r, err := s.Fetch(context.Background(), cmd)
	xcheckf(err, "fetch")
	printJSON(r)
}

func cmdStore(c *cmd) {
	c.params = "[-uid] [-unchangedsince modseq] account mailbox numset flags"
	c.help = `Run a STORE command on a mailbox and print the result as JSON.

Flags is an operation with a list of labels, e.g. "+FLAGS (\Seen $label)",
"-FLAGS.SILENT $junk" or "FLAGS ()".

With -unchangedsince, messages changed after the modseq are not modified and
reported in the Modified field.
`
	var uid bool
	var unchangedSince string
	c.flag.BoolVar(&uid, "uid", false, "interpret numset as UIDs")
	c.flag.StringVar(&unchangedSince, "unchangedsince", "", "only modify messages not changed after modseq")
	args := c.Parse()
	if len(args) != 4 {
		c.Usage()
	}

	ns, err := imapengine.ParseNumSet(args[2])
	xcheckf(err, "parsing numset")
	flags, err := imapengine.ParseStoreFlags(args[3])
	xcheckf(err, "parsing flags")
	cmd := imapengine.StoreCommand{NumSet: ns, UID: uid, Flags: flags, UnchangedSince: optionalModSeq(unchangedSince, "unchangedsince")}

	acc, done := xopenAccount(c, args[0])
	defer done()
	s := imapengine.NewSession(c.log, acc, nil)
	defer s.Close()
	_, err = s.Select(context.Background(), args[1], false)
	xcheckf(err, "select")
	r, err := s.Store(context.Background(), cmd)
	xcheckf(err, "store")
	printJSON(r)
}

func cmdChanges(c *cmd) {
	c.params = "account email|mailbox|thread [since]"
	c.help = `Print the change log entries of a collection after a modseq.

Without since, all changes are printed. The highest modseq of the account is
printed last.
`
	args := c.Parse()
	if len(args) != 2 && len(args) != 3 {
		c.Usage()
	}
	coll := store.Collection(args[1])
	switch coll {
	case store.CollectionEmail, store.CollectionMailbox, store.CollectionThread:
	default:
		c.Usage()
	}
	var since int64
	if len(args) == 3 {
		var err error
		since, err = strconv.ParseInt(args[2], 10, 64)
		xcheckf(err, "parsing since")
	}

	acc, done := xopenAccount(c, args[0])
	defer done()
	changes, err := acc.ChangesSince(context.Background(), coll, store.ModSeq(since))
	xcheckf(err, "listing changes")
	for _, ch := range changes {
		fmt.Printf("%d %s %d", ch.ModSeq, ch.Kind, ch.RecordID)
		if ch.MailboxID != 0 {
			fmt.Printf(" mailbox %d uid %d", ch.MailboxID, ch.UID)
		}
		fmt.Println()
	}
	ms, err := acc.HighestModSeq(context.Background())
	xcheckf(err, "get highest modseq")
	fmt.Printf("highest modseq %d\n", ms)
}

func cmdStructure(c *cmd) {
	c.params = "account messageid"
	c.help = `Print the stored structure tree of a message as JSON.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	id, err := strconv.ParseUint(args[1], 10, 32)
	xcheckf(err, "parsing message id")

	acc, done := xopenAccount(c, args[0])
	defer done()
	m := store.Message{ID: store.MessageID(id)}
	err = acc.DB.Get(context.Background(), &m)
	xcheckf(err, "get message")
	v, err := msgtree.NewView(m.TreeBuf)
	xcheckf(err, "reading structure")
	printJSON(v.Tree())
}

func cmdTrainTasks(c *cmd) {
	c.params = "account"
	c.help = `List queued junk classifier training tasks of an account.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	acc, done := xopenAccount(c, args[0])
	defer done()
	l, err := acc.TrainTasks(context.Background())
	xcheckf(err, "listing training tasks")
	for _, tt := range l {
		kind := "ham"
		if tt.Junk {
			kind = "junk"
		}
		fmt.Printf("%d %s %s\n", tt.MessageID, kind, tt.Queued.Format(time.RFC3339))
	}
}
