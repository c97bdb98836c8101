package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog_FormatsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })

	Info(CatRelay, "forwarded answer", "bytes", 2, "status", "running")

	line := buf.String()
	require.Contains(t, line, "[INFO] [relay] forwarded answer")
	require.Contains(t, line, " bytes=2")
	require.Contains(t, line, " status=running")
	require.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
}

func TestLog_OrphanKey(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })

	Warn(CatMailbox, "odd fields", "key")

	require.Contains(t, buf.String(), " key=<missing>")
}

func TestLog_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })

	SetMinLevel(LevelWarn)
	Debug(CatDetector, "hidden")
	Info(CatDetector, "hidden too")
	ErrorErr(CatDetector, "shown", errors.New("boom"))

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "error=boom")
}

func TestLog_DisabledAndUninitialised(t *testing.T) {
	defaultLogger = nil
	// Must not panic without a logger.
	Info(CatClient, "nobody listens")

	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })
	SetEnabled(false)
	Error(CatClient, "muted")
	require.Empty(t, buf.String())
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "DEBUG", LevelDebug.String())
	require.Equal(t, "ERROR", LevelError.String())
	require.Equal(t, "UNKNOWN", Level(42).String())
}
