package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func initTestLogger(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	previous := getLogger()
	testWriter = buf
	Init(level, testWriterName, nil)
	buf.Reset()
	t.Cleanup(func() {
		testWriter = nil
		setLogger(previous)
	})
	return buf
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	c := qt.New(t)
	buf := initTestLogger(t, LogLevelWarn)
	c.Assert(Level(), qt.Equals, LogLevelWarn)

	Debugw("hidden debug")
	Infow("hidden info")
	Warnw("visible warn", "stage", "witness")

	logged := lines(buf)
	c.Assert(logged, qt.HasLen, 1)
	c.Assert(logged[0]["message"], qt.Equals, "visible warn")
	c.Assert(logged[0]["stage"], qt.Equals, "witness")
	c.Assert(logged[0]["caller"], qt.Matches, `log/log_test\.go:\d+`)
}

func TestWithComponent(t *testing.T) {
	c := qt.New(t)
	buf := initTestLogger(t, LogLevelDebug)

	l := With("zokrates")
	l.Debug().Str("stage", "compile").Msg("running")

	logged := lines(buf)
	c.Assert(logged, qt.HasLen, 1)
	c.Assert(logged[0]["component"], qt.Equals, "zokrates")
	c.Assert(logged[0]["stage"], qt.Equals, "compile")
}

func TestInvalidLevel(t *testing.T) {
	c := qt.New(t)
	_, err := parseLevel("verbose")
	c.Assert(err, qt.ErrorMatches, `invalid log level: "verbose"`)
}
