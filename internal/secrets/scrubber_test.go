package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrub_CleanTextUnchanged(t *testing.T) {
	s, err := New(true, nil)
	require.NoError(t, err)

	in := "Poll SFTP every 5 minutes and transform the CSV to JSON"
	out, changed := s.Scrub(in)
	assert.False(t, changed)
	assert.Equal(t, in, out)
}

func TestScrub_Disabled(t *testing.T) {
	s, err := New(false, nil)
	require.NoError(t, err)

	in := "password=hunter2hunter2"
	out, changed := s.Scrub(in)
	assert.False(t, changed)
	assert.Equal(t, in, out)
	assert.Nil(t, s.Check(in))

	var nilScrubber *Scrubber
	out, changed = nilScrubber.Scrub(in)
	assert.False(t, changed)
	assert.Equal(t, in, out)
}

func TestScrub_ReplacesFindings(t *testing.T) {
	// Rule coverage belongs to gitleaks; exercise the replacement with a
	// fixed detector.
	s := &Scrubber{
		enabled: true,
		detect: func(string) []Finding {
			return []Finding{
				{RuleID: "generic-api-key", Secret: "abc123"},
				{RuleID: "sftp-password", Secret: "abc123-long"},
			}
		},
	}

	out, changed := s.Scrub("connect with key abc123-long, fallback abc123")
	assert.True(t, changed)
	assert.Equal(t, "connect with key [REDACTED:sftp-password], fallback [REDACTED:generic-api-key]", out)
	assert.Equal(t, []string{"generic-api-key", "sftp-password"}, s.Check("x"))
}

func TestNew_InvalidAllowRegex(t *testing.T) {
	_, err := New(true, []string{"("})
	assert.Error(t, err)
}
