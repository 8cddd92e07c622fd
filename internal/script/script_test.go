package script

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"runplane/internal/env"
)

func TestParse_TwoSections(t *testing.T) {
	s, err := Parse("#! switch [*]\necho hi\nexport X=1\n\n#! switch [$X]\necho done\n")
	require.NoError(t, err)
	require.Len(t, s.Sections, 2)

	require.Equal(t, "*", s.Sections[0].Target)
	require.Equal(t, "echo hi\nexport X=1\n", s.Sections[0].Body)
	require.Equal(t, "$X", s.Sections[1].Target)
	require.Equal(t, "echo done\n", s.Sections[1].Body)
	require.Equal(t, 5, s.Sections[1].Line)
}

func TestParse_ArgsAndOptions(t *testing.T) {
	raw := "#!/bin/sh\n#! options --timeout=-1 --tags=a,b\n#! switch [web-* role=db] --set 'MSG=hello world' extra\nuptime\n"
	s, err := Parse(raw)
	require.NoError(t, err)

	require.True(t, s.Options.HasTimeout)
	require.Equal(t, -1, s.Options.Timeout)
	require.Equal(t, []string{"a", "b"}, s.Options.Tags)

	sec := s.Sections[0]
	require.Equal(t, "web-* role=db", sec.Target)
	require.Equal(t, []string{"--set", "MSG=hello world", "extra"}, sec.Args)
	require.Equal(t, "uptime\n", sec.Body)
	require.Equal(t, raw, s.Raw)
}

func TestParse_NoSections(t *testing.T) {
	_, err := Parse("echo hi\n")
	require.True(t, errors.Is(err, ErrNoSections))
}

func TestParse_EmptyTarget(t *testing.T) {
	_, err := Parse("#! switch []\necho\n")
	require.Error(t, err)
}

func TestParse_InvalidTimeout(t *testing.T) {
	_, err := Parse("#! options --timeout=0\n#! switch [*]\necho\n")
	require.Error(t, err)
}

func TestParse_OptionsAfterFirstSwitchAreBody(t *testing.T) {
	s, err := Parse("#! switch [*]\n#! options --timeout=5\necho\n")
	require.NoError(t, err)
	require.False(t, s.Options.HasTimeout)
	require.Contains(t, s.Sections[0].Body, "#! options")
}

func TestResolve(t *testing.T) {
	e := env.Env{"X": env.String("1"), "HOSTS": env.List("a", "b")}

	require.Equal(t, "1", Resolve("$X", e))
	require.Equal(t, "a b", Resolve("$HOSTS", e))
	require.Equal(t, "web a b", Resolve("web ${HOSTS}", e))
	require.Equal(t, "$MISSING", Resolve("$MISSING", e))
	require.Equal(t, "*", Resolve("*", e))
}
