package mox

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailstore/config"
	"github.com/mjl-/mailstore/mlog"
)

var pkglog = mlog.New("mox", nil)

// ConfigStaticPath is set early in program startup.
var ConfigStaticPath string

// Conf is the currently active configuration.
var Conf = Config{Log: map[string]slog.Level{"": slog.LevelError}}

// Config is the parsed static configuration with derived values.
type Config struct {
	Static config.Static
	Log    map[string]slog.Level
}

// Protects changes to Log after loading.
var logMutex sync.Mutex

// LogLevels returns a copy of the current log levels per package, the empty
// package is the default.
func (c *Config) LogLevels() map[string]slog.Level {
	logMutex.Lock()
	defer logMutex.Unlock()
	return maps.Clone(c.Log)
}

// LogLevelSet sets the log level for a package, the empty package for the
// default level. The change is not written to the config file.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	l := maps.Clone(c.Log)
	l[pkg] = level
	c.Log = l
	mlog.SetConfig(l)
	log.Print("log level changed", slog.String("pkg", pkg), slog.String("level", mlog.LevelStrings[level]))
}

// LogLevelRemove removes the log level override of a package. The default level
// cannot be removed.
func (c *Config) LogLevelRemove(log mlog.Log, pkg string) {
	if pkg == "" {
		return
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	l := maps.Clone(c.Log)
	delete(l, pkg)
	c.Log = l
	mlog.SetConfig(l)
	log.Print("log level cleared", slog.String("pkg", pkg))
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig(checkOnly bool) {
	errs := LoadConfig(context.Background(), pkglog, checkOnly)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatalx("stopping after multiple config errors", nil)
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load the config file. If the configuration
// is valid, it is made active and the log levels are set.
func LoadConfig(ctx context.Context, log mlog.Log, checkOnly bool) []error {
	c, errs := ParseConfig(ctx, log, ConfigStaticPath, checkOnly)
	if len(errs) > 0 {
		return errs
	}
	Conf = *c
	mlog.SetConfig(c.Log)
	return nil
}

// ParseConfig parses the static config at path p and checks it for errors.
// Defaults are filled in for optional fields.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MAILSTORECONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use mailstore -config ... or set MAILSTORECONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	return c, PrepareStaticConfig(ctx, log, c)
}

// PrepareStaticConfig checks the parsed static config and derives the log
// configuration.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": mlog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}
	c.Log = conf.Log

	if len(c.Accounts) == 0 {
		addErrorf("no accounts configured")
	}
	for i, name := range c.Accounts {
		if name == "" || name == "." || name == ".." || slices.Contains(c.Accounts[:i], name) {
			addErrorf("invalid or duplicate account name %q", name)
		}
	}

	c.Store.Fill()
	if c.Store.JunkKeyword == c.Store.NotJunkKeyword {
		addErrorf("junk and notjunk keywords must be different")
	}

	if c.Admin.Enabled && c.Admin.IP == "" {
		c.Admin.IP = "127.0.0.1"
	}
	if c.Metrics.Enabled && c.Metrics.IP == "" {
		c.Metrics.IP = "127.0.0.1"
	}
	c.Admin.Port = config.Port(c.Admin.Port, config.DefaultAdminPort)
	c.Metrics.Port = config.Port(c.Metrics.Port, config.DefaultMetricsPort)

	return errs
}
