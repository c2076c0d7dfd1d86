/*
Command mailstore manages message stores for IMAP-style access: per account
a message index with labels, mailboxes with UIDs, a change log with modseqs,
and a content-addressed blob store with the raw messages.

The engine executes FETCH and STORE commands against a selected mailbox,
including CONDSTORE (CHANGEDSINCE, UNCHANGEDSINCE) and QRESYNC (VANISHED).
Label changes are conditional writes, retried when other sessions change the
same message concurrently.

# Commands

	mailstore [-config config/mailstore.conf] [-loglevel level] ...
	mailstore serve
	mailstore deliver [-label label ...] account mailbox <message
	mailstore import maildir [-markread] [-parallel n] account mailbox maildir
	mailstore fetch [-uid] [-readonly] [-changedsince modseq] [-vanished] account mailbox numset items
	mailstore store [-uid] [-unchangedsince modseq] account mailbox numset flags
	mailstore changes account email|mailbox|thread [since]
	mailstore structure account messageid
	mailstore traintasks account
	mailstore config test
	mailstore config describe >mailstore.conf
	mailstore version
	mailstore help [command ...]

Use "mailstore help command" for details of a command.
*/
package main
