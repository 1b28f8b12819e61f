package display

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileSink overwrites a file with each artifact payload. The payload is
// written as received; nothing is decoded.
type FileSink struct {
	path   string
	logger *zap.SugaredLogger
}

func NewFileSink(path string, logger *zap.SugaredLogger) *FileSink {
	return &FileSink{path: path, logger: logger}
}

func (s *FileSink) Present(payload string) {
	if err := s.write(payload); err != nil {
		s.logger.Warnw("failed to present artifact", "path", s.path, "error", err)
		return
	}
	s.logger.Debugw("artifact written", "path", s.path, "bytes", len(payload))
}

// write replaces the file atomically so readers never see a partial payload.
func (s *FileSink) write(payload string) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing artifact: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// LogSink only logs what it was given.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Present(payload string) {
	kind := "raw"
	if strings.HasPrefix(payload, "data:") {
		if mediaType, _, ok := strings.Cut(strings.TrimPrefix(payload, "data:"), ";"); ok {
			kind = mediaType
		}
	}
	s.logger.Infow("artifact received", "type", kind, "bytes", len(payload))
}

// MultiSink fans a payload out to several sinks in order.
type MultiSink []interface{ Present(string) }

func (m MultiSink) Present(payload string) {
	for _, s := range m {
		s.Present(payload)
	}
}
