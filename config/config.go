package config

import (
	"log/slog"
)

// Defaults for optional settings.
const (
	DefaultMaxRetries      = 10
	DefaultJunkKeyword     = "$junk"
	DefaultNotJunkKeyword  = "$notjunk"
	DefaultPreviewMaxBytes = 1024 * 1024
	DefaultAdminPort       = 8010
	DefaultMetricsPort     = 8011
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the mailstore.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: per account a message index database and a blob database. If this is a relative path, it is relative to the directory of mailstore.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, tracedata."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, imapengine, message, msgtree, webadmin)."`
	Accounts         []string          `sconf-doc:"Names of the accounts, each with its own directory under DataDir/accounts."`
	Store            Store             `sconf:"optional" sconf-doc:"Settings for fetch and store command processing."`
	Admin            Listener          `sconf:"optional" sconf-doc:"JSON API for inspecting accounts, change logs and message structures, at /admin/api/. Do not expose publicly, there is no authentication."`
	Metrics          Listener          `sconf:"optional" sconf-doc:"Prometheus metrics at /metrics."`

	// Parsed form of LogLevel and PackageLogLevels.
	Log map[string]slog.Level `sconf:"-" json:"-"`
}

type Store struct {
	MaxRetries      int    `sconf:"optional" sconf-doc:"Number of times a label change for a single message is attempted when other sessions modify the same message concurrently. Default 10."`
	JunkKeyword     string `sconf:"optional" sconf-doc:"Keyword that marks a message as junk. Adding it queues a training task for the junk classifier. Default $junk."`
	NotJunkKeyword  string `sconf:"optional" sconf-doc:"Keyword that marks a message as not junk. Adding it, or removing the junk keyword, queues a training task as ham. Default $notjunk."`
	PreviewMaxBytes int    `sconf:"optional" sconf-doc:"Maximum number of bytes of a text part to read for generating a preview at delivery. Default 1MB."`
}

type Listener struct {
	Enabled bool
	IP      string `sconf:"optional" sconf-doc:"IP to listen on, default 127.0.0.1."`
	Port    int    `sconf:"optional" sconf-doc:"Default 8010 for admin, 8011 for metrics."`
}

// Fill sets defaults for unset optional fields.
func (s *Store) Fill() {
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.JunkKeyword == "" {
		s.JunkKeyword = DefaultJunkKeyword
	}
	if s.NotJunkKeyword == "" {
		s.NotJunkKeyword = DefaultNotJunkKeyword
	}
	if s.PreviewMaxBytes <= 0 {
		s.PreviewMaxBytes = DefaultPreviewMaxBytes
	}
}
