package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mailstore/metrics"
	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/store"
)

func cmdImportMaildir(c *cmd) {
	c.params = "[-markread] [-parallel n] account mailbox maildir"
	c.help = `Import a maildir into a mailbox of an account.

Messages from the "new" directory are imported first, then those from "cur".
Flags in the file names, like "seen", "answered", "flagged", are imported as
labels. Keyword letters are resolved through a dovecot-keywords file if
present. Adding the junk keyword queues training tasks as with a STORE.

Message files are read and parsed in parallel, delivery is in order, so UIDs
follow the order of the file names.
`
	var markRead bool
	parallel := runtime.GOMAXPROCS(0)
	c.flag.BoolVar(&markRead, "markread", false, "mark all imported messages as read")
	c.flag.IntVar(&parallel, "parallel", parallel, "number of message files to read concurrently")
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	account := args[0]
	mailbox := args[1]
	if strings.EqualFold(mailbox, "inbox") {
		mailbox = "Inbox"
	}

	acc, done := xopenAccount(c, account)
	defer done()
	n, err := importMaildir(context.Background(), c.log, acc, mailbox, args[2], markRead, parallel)
	xcheckf(err, "import")
	fmt.Fprintf(os.Stderr, "%d imported\n", n)
}

// importMaildir delivers all messages of a maildir to mailbox, returning the
// number of messages delivered. On error, messages delivered so far stay.
func importMaildir(ctx context.Context, log mlog.Log, acc *store.Account, mailbox, dir string, markRead bool, parallel int) (count int, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("import panic", slog.Any("err", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Import)
		rerr = fmt.Errorf("import failed due to internal error")
	}()

	l, err := store.ListMaildir(log, dir)
	if err != nil {
		return 0, err
	}

	bufs := make([][]byte, len(l))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for i, mm := range l {
		i, mm := i, mm
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			buf, err := store.ReadMessageFile(mm.Path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", mm.Path, err)
			}
			bufs[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	comm := store.RegisterComm(acc)
	defer comm.Unregister()
	for i, mm := range l {
		labels := mm.Labels
		if markRead {
			labels = append(labels, store.FlagSeen)
		}
		_, _, err := acc.Deliver(ctx, log, comm, mailbox, bufs[i], mm.Received, labels)
		if err != nil {
			return count, fmt.Errorf("delivering %s: %w", mm.Path, err)
		}
		bufs[i] = nil
		count++
		if count%1000 == 0 {
			log.Info("import progress", slog.Int("count", count))
		}
	}
	return count, nil
}
