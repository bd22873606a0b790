package component

import (
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "poll sftp every 5 minutes", Normalize("  Poll SFTP, every 5-minutes! "))
	assert.Equal(t, "", Normalize("?!"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "poll", Truncate("poll", 10))
	assert.Equal(t, "poll", Truncate("poll sftp", 4))
	assert.Equal(t, "", Truncate("poll", 0))

	// "é" is two bytes; cutting at 2 must not leave half of it.
	got := Truncate("aéb", 2)
	assert.Equal(t, "a", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "aé", Truncate("aéb", 3))
}

func TestContainsPhrase(t *testing.T) {
	q := Normalize("Please poll SFTP and transform to JSON")
	assert.True(t, ContainsPhrase(q, "poll sftp"))
	assert.True(t, ContainsPhrase(q, "json"))
	assert.False(t, ContainsPhrase(q, "sf"))
	assert.False(t, ContainsPhrase(q, ""))
}

func TestSplitIdentifier(t *testing.T) {
	tests := map[string][]string{
		"SFTPAdapter":     {"sftp", "adapter"},
		"Timer":           {"timer"},
		"json_mapper":     {"json", "mapper"},
		"HTTPToJMSBridge": {"http", "to", "jms", "bridge"},
		"contentRouter":   {"content", "router"},
	}
	for in, want := range tests {
		if diff := cmp.Diff(want, SplitIdentifier(in)); diff != "" {
			t.Errorf("SplitIdentifier(%q) mismatch (-want +got):\n%s", in, diff)
		}
	}
}

func TestSequence(t *testing.T) {
	assert.Equal(t, SequenceBBeforeA, SequenceABeforeB.Flip())
	assert.Equal(t, SequenceABeforeB, SequenceBBeforeA.Flip())
	assert.Equal(t, SequenceNoPattern, SequenceNoPattern.Flip())

	assert.Equal(t, SequenceABeforeB, Observe(0, 2))
	assert.Equal(t, SequenceBBeforeA, Observe(3, 1))
	assert.Equal(t, SequenceNoPattern, Observe(-1, 1))
	assert.False(t, Sequence("sideways").IsValid())
}

func TestTypesDedupes(t *testing.T) {
	refs := []Ref{{Type: "SFTPAdapter"}, {Type: "JSONMapper"}, {Type: "SFTPAdapter"}, {Type: ""}}
	assert.Equal(t, []string{"SFTPAdapter", "JSONMapper"}, Types(refs))
}

func TestIsValidCategory(t *testing.T) {
	assert.True(t, IsValidCategory("routing"))
	assert.False(t, IsValidCategory("storage"))
}

func TestRefs_ValueScan(t *testing.T) {
	in := Refs{{Type: "SFTPAdapter", SubType: "sftp"}, {Type: "JSONMapper", Quantity: 2}}
	v, err := in.Value()
	assert.NoError(t, err)

	var out Refs
	assert.NoError(t, out.Scan(v))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	var empty Refs
	v, err = empty.Value()
	assert.NoError(t, err)
	assert.Equal(t, "[]", v)
}

func TestRefs_Position(t *testing.T) {
	r := Refs{{Type: "A"}, {Type: "A"}, {Type: "B"}}
	assert.Equal(t, 0, r.Position("A"))
	assert.Equal(t, 1, r.Position("B"))
	assert.Equal(t, -1, r.Position("C"))
	assert.True(t, r.Has("B"))
	assert.False(t, r.Has("C"))
}
