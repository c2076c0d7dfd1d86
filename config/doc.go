/*
Package config holds the configuration file definitions.

mailstore uses a single configuration file, mailstore.conf. It is read at
startup and not reloaded while running.

The file is in "sconf" format:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely.

An annotated empty configuration file is printed by "mailstore config
describe". A minimal configuration:

	DataDir: data
	LogLevel: info
	Accounts:
		- mjl
	Admin:
		Enabled: true
*/
package config
