package prompt

import (
	"context"
	"strings"
	"testing"

	"genloop/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var defaults = domain.PromptCandidate{Seed: "42", Height: 512, Width: 512}

func TestReaderSource_NothingUntilTextEntered(t *testing.T) {
	src := NewReaderSource(strings.NewReader(""), defaults, zaptest.NewLogger(t).Sugar())

	_, ok := src.Poll()
	assert.False(t, ok)

	require.NoError(t, src.Apply(":seed 7"))
	_, ok = src.Poll()
	assert.False(t, ok, "parameters alone do not make a prompt")
}

func TestReaderSource_Run(t *testing.T) {
	input := strings.Join([]string{
		"a cat in a hat",
		"",
		":seed 7",
		":size 768x256",
		":bogus",
		":size 100x100",
		"a dog",
	}, "\n")
	src := NewReaderSource(strings.NewReader(input), defaults, zaptest.NewLogger(t).Sugar())

	require.NoError(t, src.Run(context.Background()))

	got, ok := src.Poll()
	require.True(t, ok)
	assert.Equal(t, domain.PromptCandidate{Text: "a dog", Seed: "7", Height: 256, Width: 768}, got)
}

func TestReaderSource_Apply(t *testing.T) {
	tests := []struct {
		line    string
		wantErr bool
	}{
		{"hello", false},
		{"   ", false},
		{":seed", true},
		{":seed abc", true},
		{":seed 123", false},
		{":size 512", true},
		{":size 0x512", true},
		{":size 4096x512", true},
		{":size 512X1024", false},
		{":unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			src := NewReaderSource(strings.NewReader(""), defaults, zaptest.NewLogger(t).Sugar())
			err := src.Apply(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReaderSource_StripsControlCharacters(t *testing.T) {
	src := NewReaderSource(strings.NewReader(""), defaults, zaptest.NewLogger(t).Sugar())
	require.NoError(t, src.Apply("  cat\x00 \x07"))

	got, ok := src.Poll()
	require.True(t, ok)
	assert.Equal(t, "cat", got.Text)
}

func TestReaderSource_StopsOnCancelledContext(t *testing.T) {
	src := NewReaderSource(strings.NewReader("cat\ndog\n"), defaults, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, src.Run(ctx))
	_, ok := src.Poll()
	assert.False(t, ok)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(domain.PromptCandidate{})
	_, ok := src.Poll()
	assert.False(t, ok)

	cat := domain.PromptCandidate{Text: "cat", Seed: "1", Height: 512, Width: 512}
	src.Set(cat)
	got, ok := src.Poll()
	require.True(t, ok)
	assert.Equal(t, cat, got)
}
