package display

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestFileSink_OverwritesWithLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.txt")
	sink := NewFileSink(path, zaptest.NewLogger(t).Sugar())

	sink.Present("data:image/png;base64,AAAA")
	sink.Present("data:image/png;base64,BBBB")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,BBBB", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileSink_MissingDirectoryIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := NewFileSink(filepath.Join(t.TempDir(), "nope", "latest.txt"), zap.New(core).Sugar())

	sink.Present("payload")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to present artifact", logs.All()[0].Message)
}

func TestLogSink_ReportsMediaType(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core).Sugar())

	sink.Present("data:image/svg+xml;base64,PHN2Zz4=")
	sink.Present("plain")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "image/svg+xml", entries[0].ContextMap()["type"])
	assert.Equal(t, "raw", entries[1].ContextMap()["type"])
	assert.Equal(t, int64(5), entries[1].ContextMap()["bytes"])
}

func TestMultiSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	path := filepath.Join(t.TempDir(), "latest.txt")
	sink := MultiSink{NewFileSink(path, zap.New(core).Sugar()), NewLogSink(zap.New(core).Sugar())}

	sink.Present("hello")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, 1, logs.FilterMessage("artifact received").Len())
}
