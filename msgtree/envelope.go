package msgtree

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/net/idna"
)

// Envelope returns the envelope of the top-level message.
func (v View) Envelope() *imap.Envelope {
	return v.Message(0).Envelope().IMAP()
}

// Time returns the parsed date of the envelope, the zero time if absent.
func (e Envelope) Time() time.Time {
	if e.Date == 0 {
		return time.Time{}
	}
	return time.Unix(e.Date, 0).In(time.FixedZone("", int(e.DateOffset)))
}

// IMAP returns the envelope in the form for a FETCH response. Sender and
// Reply-To are set to From when absent. Domains are converted to ASCII.
func (e Envelope) IMAP() *imap.Envelope {
	addrs := func(l []Address) []imap.Address {
		if len(l) == 0 {
			return nil
		}
		r := make([]imap.Address, len(l))
		for i, a := range l {
			host := a.Host
			if host != "" {
				if s, err := idna.Lookup.ToASCII(host); err == nil {
					host = s
				}
			}
			r[i] = imap.Address{Name: a.Name, Mailbox: a.Mailbox, Host: host}
		}
		return r
	}

	env := &imap.Envelope{
		Date:      e.Time(),
		Subject:   e.Subject,
		From:      addrs(e.From),
		Sender:    addrs(e.Sender),
		ReplyTo:   addrs(e.ReplyTo),
		To:        addrs(e.To),
		Cc:        addrs(e.CC),
		Bcc:       addrs(e.BCC),
		InReplyTo: e.InReplyTo,
		MessageID: e.MessageID,
	}
	if len(env.Sender) == 0 {
		env.Sender = env.From
	}
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	return env
}
