package store

import (
	"testing"
)

func TestCanonicalLabels(t *testing.T) {
	l, err := CanonicalLabels([]string{`\SEEN`, "Work", "$Junk", "work", `\flagged`})
	tcheck(t, err, "canonical labels")
	tcompare(t, l, []string{"$junk", `\Flagged`, `\Seen`, "work"})

	for _, s := range []string{`\Recent`, `\Bogus`, "with space", "", "a(b", `a"b`, "é"} {
		if _, err := CanonicalLabel(s); err == nil {
			t.Fatalf("canonical label %q: got nil error, expected error", s)
		}
	}
}

func TestMergeRemoveKeywords(t *testing.T) {
	l, changed := MergeKeywords([]string{"a", "c"}, []string{"b", "c"})
	tcompare(t, l, []string{"a", "b", "c"})
	tcompare(t, changed, true)

	orig := []string{"a", "c"}
	l, changed = MergeKeywords(orig, []string{"a"})
	tcompare(t, l, []string{"a", "c"})
	tcompare(t, changed, false)

	l, changed = RemoveKeywords(orig, []string{"c", "x"})
	tcompare(t, l, []string{"a"})
	tcompare(t, changed, true)
	tcompare(t, orig, []string{"a", "c"})

	l, changed = RemoveKeywords(orig, []string{"x"})
	tcompare(t, l, orig)
	tcompare(t, changed, false)
}

func TestVersionToken(t *testing.T) {
	a := VersionToken([]string{"a", "b"})
	tcompare(t, VersionToken([]string{"a", "b"}), a)
	if VersionToken([]string{"ab"}) == a {
		t.Fatalf("token of different label sets is equal")
	}
	if VersionToken(nil) == a || VersionToken(nil) != VersionToken([]string{}) {
		t.Fatalf("bad token for empty label set")
	}
}

func TestNeedsTraining(t *testing.T) {
	check := func(old, new []string, expTrain, expJunk bool) {
		t.Helper()
		train, junk := NeedsTraining(old, new, "$junk", "$notjunk")
		if train != expTrain || junk != expJunk {
			t.Fatalf("needs training %v -> %v: got %v %v, expected %v %v", old, new, train, junk, expTrain, expJunk)
		}
	}
	check(nil, []string{"$junk"}, true, true)
	check([]string{"$junk"}, nil, true, false)
	check(nil, []string{"$notjunk"}, true, false)
	check([]string{"$notjunk"}, []string{"$notjunk", `\Seen`}, false, false)
	check([]string{"$junk"}, []string{"$junk", "other"}, false, false)
	check(nil, nil, false, false)
}
