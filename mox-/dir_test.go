package mox

import (
	"testing"
)

func TestDataDirPath(t *testing.T) {
	check := func(configFile, dataDir, f, exp string) {
		t.Helper()
		if s := dataDirPath(configFile, dataDir, f); s != exp {
			t.Fatalf("dataDirPath(%q, %q, %q): got %q, expected %q", configFile, dataDir, f, s, exp)
		}
	}
	check("config/mailstore.conf", "data", "accounts/mjl", "config/data/accounts/mjl")
	check("config/mailstore.conf", "/var/mailstore", "accounts", "/var/mailstore/accounts")
	check("config/mailstore.conf", "data", "/tmp/x", "/tmp/x")
	check("mailstore.conf", ".", "blob.db", "blob.db")
}
