package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mjl-/bstore"
	"golang.org/x/crypto/blake2b"
)

// ErrConflict is returned when the labels of a message were changed by another
// session after they were read.
var ErrConflict = errors.New("message labels changed concurrently")

// System flags, in canonical case.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

var systemFlags = []string{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft}

// CanonicalLabel returns the stored form of a flag or keyword: system flags in
// their canonical case, keywords in lower case. An error is returned for
// unknown system flags and invalid keywords.
func CanonicalLabel(s string) (string, error) {
	if strings.HasPrefix(s, `\`) {
		for _, f := range systemFlags {
			if strings.EqualFold(s, f) {
				return f, nil
			}
		}
		return "", fmt.Errorf("unknown system flag %q", s)
	}
	kw := strings.ToLower(s)
	if !ValidLowercaseKeyword(kw) {
		return "", fmt.Errorf("invalid keyword %q", s)
	}
	return kw, nil
}

// CanonicalLabels returns the labels in canonical form, sorted and without
// duplicates.
func CanonicalLabels(l []string) ([]string, error) {
	r := make([]string, 0, len(l))
	for _, s := range l {
		c, err := CanonicalLabel(s)
		if err != nil {
			return nil, err
		}
		r = append(r, c)
	}
	slices.Sort(r)
	return slices.Compact(r), nil
}

// ValidLowercaseKeyword returns whether s is a valid, lower-case, keyword.
func ValidLowercaseKeyword(s string) bool {
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			continue
		}
		// ../rfc/9051:6334
		const atomspecials = `(){%*"\]`
		if c <= ' ' || c > 0x7e || c >= 'A' && c <= 'Z' || strings.ContainsRune(atomspecials, c) {
			return false
		}
	}
	return len(s) > 0
}

// MergeKeywords returns the sorted union of l and add, both sorted, and
// whether anything was added.
func MergeKeywords(l, add []string) ([]string, bool) {
	r := slices.Clone(l)
	var changed bool
	for _, k := range add {
		if i, found := slices.BinarySearch(r, k); !found {
			r = slices.Insert(r, i, k)
			changed = true
		}
	}
	return r, changed
}

// RemoveKeywords returns l, sorted, without the keywords in remove, and whether
// anything was removed.
func RemoveKeywords(l, remove []string) ([]string, bool) {
	r := slices.Clone(l)
	var changed bool
	for _, k := range remove {
		if i, found := slices.BinarySearch(r, k); found {
			r = slices.Delete(r, i, i+1)
			changed = true
		}
	}
	return r, changed
}

// VersionToken returns the token for a label set, for use in a conditional
// update with SetLabels. The labels must be sorted.
func VersionToken(labels []string) uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err) // Only for invalid size or key.
	}
	for _, s := range labels {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// LabelState is the label set of a message as read for a conditional update.
type LabelState struct {
	ID       MessageID
	ThreadID MessageID
	Labels   []string
	Token    uint64
	ModSeq   ModSeq
}

// ReadLabels reads the label state of a message. bstore.ErrAbsent is returned
// if the message does not exist.
func (a *Account) ReadLabels(tx *bstore.Tx, id MessageID) (LabelState, error) {
	m := Message{ID: id}
	if err := tx.Get(&m); err != nil {
		return LabelState{}, err
	}
	return LabelState{m.ID, m.ThreadID, m.Keywords, VersionToken(m.Keywords), m.ModSeq}, nil
}

// SetLabels replaces the labels of message id if its current labels still have
// version token. If they do not, ErrConflict is returned. On success, the
// message gets the modseq of the batch and an Update change is logged. Must be
// called from the fn of b.Write.
func (b *ChangeLogBuilder) SetLabels(tx *bstore.Tx, id MessageID, token uint64, labels []string) (Message, error) {
	m := Message{ID: id}
	if err := tx.Get(&m); err != nil {
		return Message{}, err
	}
	if VersionToken(m.Keywords) != token {
		return Message{}, ErrConflict
	}
	modseq, err := b.ModSeq(tx)
	if err != nil {
		return Message{}, err
	}
	m.Keywords = labels
	m.ModSeq = modseq
	if err := tx.Update(&m); err != nil {
		return Message{}, fmt.Errorf("updating message labels: %w", err)
	}
	b.LogUpdate(m.ID, m.ThreadID)
	return m, nil
}
