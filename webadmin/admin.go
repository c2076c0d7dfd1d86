// Package webadmin is a JSON API for inspecting accounts: mailboxes, change
// logs, message structure trees, and for running fetch and store commands
// against the engine.
package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"

	_ "embed"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/mailstore/imapengine"
	"github.com/mjl-/mailstore/metrics"
	"github.com/mjl-/mailstore/mlog"
	"github.com/mjl-/mailstore/mox-"
	"github.com/mjl-/mailstore/moxvar"
	"github.com/mjl-/mailstore/msgtree"
	"github.com/mjl-/mailstore/store"
)

var pkglog = mlog.New("webadmin", nil)

//go:generate sherpadoc -adjust-function-names none Admin >adminapi.json

//go:embed adminapi.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var sherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("mailstoreadmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	sherpaHandler, err = sherpa.NewHandler("/admin/api/", moxvar.Version, Admin{}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

// Admin exports web API functions for inspecting accounts. All its methods are
// exported under /admin/api/. There is no authentication, the listener must
// only be reachable by administrators.
type Admin struct{}

// Handle serves the API, it must be registered at /admin/api/.
func Handle(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, mox.Cid())
	defer logPanic(ctx)
	sherpaHandler.ServeHTTP(w, r.WithContext(ctx))
}

func logPanic(ctx context.Context) {
	x := recover()
	if x == nil {
		return
	}
	log := pkglog.WithContext(ctx)
	log.Error("recover from panic", slog.Any("panic", x))
	debug.PrintStack()
	metrics.PanicInc(metrics.Webadmin)
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Debugx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// xcheckEngine turns errors from the engine into sherpa errors. Syntax and
// user errors are user errors, others are server errors.
func xcheckEngine(ctx context.Context, err error, format string, args ...any) {
	var serr *imapengine.SyntaxError
	var uerr *imapengine.UserError
	if errors.As(err, &serr) || errors.As(err, &uerr) {
		xcheckuserf(ctx, err, format, args...)
	}
	xcheckf(ctx, err, format, args...)
}

// withAccount opens the account and calls fn with it.
func withAccount(ctx context.Context, name string, fn func(acc *store.Account)) {
	log := pkglog.WithContext(ctx)
	acc, err := store.OpenAccount(log, name)
	if errors.Is(err, store.ErrAccountUnknown) {
		xcheckuserf(ctx, err, "open account")
	}
	xcheckf(ctx, err, "open account")
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account")
	}()
	fn(acc)
}

// withSession opens the account, starts a session and selects mailbox, then
// calls fn with the session.
func withSession(ctx context.Context, account, mailbox string, readOnly bool, fn func(s *imapengine.Session)) {
	withAccount(ctx, account, func(acc *store.Account) {
		s := imapengine.NewSession(pkglog.WithContext(ctx), acc, nil)
		defer s.Close()
		_, err := s.Select(ctx, mailbox, readOnly)
		xcheckEngine(ctx, err, "select mailbox")
		fn(s)
	})
}

// Accounts returns the names of all configured accounts.
func (Admin) Accounts(ctx context.Context) []string {
	l := slices.Clone(mox.Conf.Static.Accounts)
	slices.Sort(l)
	return l
}

// Mailboxes returns the mailboxes of an account.
func (Admin) Mailboxes(ctx context.Context, account string) (l []store.Mailbox) {
	withAccount(ctx, account, func(acc *store.Account) {
		var err error
		l, err = acc.Mailboxes(ctx)
		xcheckf(ctx, err, "listing mailboxes")
	})
	return
}

// HighestModSeq returns the modseq of the latest change in the account.
func (Admin) HighestModSeq(ctx context.Context, account string) (modseq int64) {
	withAccount(ctx, account, func(acc *store.Account) {
		ms, err := acc.HighestModSeq(ctx)
		xcheckf(ctx, err, "get highest modseq")
		modseq = int64(ms)
	})
	return
}

// Changes returns the change log entries for a collection (email, mailbox or
// thread) after modseq since.
func (Admin) Changes(ctx context.Context, account, collection string, since int64) (l []store.Change) {
	coll := store.Collection(collection)
	switch coll {
	case store.CollectionEmail, store.CollectionMailbox, store.CollectionThread:
	default:
		xcheckuserf(ctx, fmt.Errorf("unknown collection %q", collection), "checking collection")
	}
	withAccount(ctx, account, func(acc *store.Account) {
		var err error
		l, err = acc.ChangesSince(ctx, coll, store.ModSeq(since))
		xcheckf(ctx, err, "listing changes")
	})
	return
}

// MessageStructure returns the parsed structure of a message, as stored.
func (Admin) MessageStructure(ctx context.Context, account string, messageID int64) (tree msgtree.Tree) {
	withAccount(ctx, account, func(acc *store.Account) {
		m := store.Message{ID: store.MessageID(messageID)}
		err := acc.DB.Get(ctx, &m)
		if err == bstore.ErrAbsent {
			xcheckuserf(ctx, err, "get message")
		}
		xcheckf(ctx, err, "get message")
		v, err := msgtree.NewView(m.TreeBuf)
		xcheckf(ctx, err, "reading structure")
		tree = *v.Tree()
	})
	return
}

// Fetch runs a fetch command on a mailbox selected read-only, so messages are
// not marked as read. For example numset "1:*" and items "(UID FLAGS
// BODY.PEEK[HEADER])". If changedSince is set, only messages changed after
// that modseq are returned.
func (Admin) Fetch(ctx context.Context, account, mailbox, numset string, uid bool, items string, changedSince *int64) (r imapengine.FetchResult) {
	ns, err := imapengine.ParseNumSet(numset)
	xcheckuserf(ctx, err, "parsing numset")
	l, err := imapengine.ParseFetchItems(items)
	xcheckuserf(ctx, err, "parsing fetch items")

	withSession(ctx, account, mailbox, true, func(s *imapengine.Session) {
		r, err = s.Fetch(ctx, imapengine.FetchCommand{NumSet: ns, UID: uid, Items: l, ChangedSince: changedSince})
		xcheckEngine(ctx, err, "fetch")
	})
	return
}

// Store changes labels of messages, with flags like "+FLAGS (\Seen $label)".
// If unchangedSince is set, messages changed after that modseq are not
// modified.
func (Admin) Store(ctx context.Context, account, mailbox, numset string, uid bool, flags string, unchangedSince *int64) (r imapengine.StoreResult) {
	ns, err := imapengine.ParseNumSet(numset)
	xcheckuserf(ctx, err, "parsing numset")
	sf, err := imapengine.ParseStoreFlags(flags)
	xcheckuserf(ctx, err, "parsing flags")

	withSession(ctx, account, mailbox, false, func(s *imapengine.Session) {
		r, err = s.Store(ctx, imapengine.StoreCommand{NumSet: ns, UID: uid, Flags: sf, UnchangedSince: unchangedSince})
		xcheckEngine(ctx, err, "store")
	})
	return
}

// TrainTasks returns the queued junk classifier training tasks of an account.
func (Admin) TrainTasks(ctx context.Context, account string) (l []store.TrainTask) {
	withAccount(ctx, account, func(acc *store.Account) {
		var err error
		l, err = acc.TrainTasks(ctx)
		xcheckf(ctx, err, "listing training tasks")
	})
	return
}

// LogLevels returns the current log levels.
func (Admin) LogLevels(ctx context.Context) map[string]string {
	m := map[string]string{}
	for pkg, level := range mox.Conf.LogLevels() {
		m[pkg] = mlog.LevelStrings[level]
	}
	return m
}

// LogLevelSet sets a log level for a package, the empty package for the
// default level.
func (Admin) LogLevelSet(ctx context.Context, pkg string, levelStr string) {
	level, ok := mlog.Levels[levelStr]
	if !ok {
		xcheckuserf(ctx, errors.New("unknown"), "lookup level")
	}
	mox.Conf.LogLevelSet(pkglog.WithContext(ctx), pkg, level)
}

// LogLevelRemove removes a log level for a package, which cannot be the empty
// string.
func (Admin) LogLevelRemove(ctx context.Context, pkg string) {
	mox.Conf.LogLevelRemove(pkglog.WithContext(ctx), pkg)
}
