package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"genloop/internal/core/domain"
	"genloop/pkg/utils"
	"genloop/pkg/validation"

	"go.uber.org/zap"
)

// ReaderSource turns input lines into the current prompt. Plain lines
// replace the prompt text; ":seed N" and ":size WxH" adjust parameters.
type ReaderSource struct {
	reader io.Reader
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	current domain.PromptCandidate
}

func NewReaderSource(r io.Reader, defaults domain.PromptCandidate, logger *zap.SugaredLogger) *ReaderSource {
	return &ReaderSource{
		reader:  r,
		logger:  logger,
		current: defaults,
	}
}

// Poll reports the current candidate once prompt text has been entered.
func (s *ReaderSource) Poll() (domain.PromptCandidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.IsEmpty() {
		return domain.PromptCandidate{}, false
	}
	return s.current, true
}

// Run consumes lines until the reader is exhausted or ctx is done. A
// blocked read is only noticed after the next line arrives.
func (s *ReaderSource) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.Apply(scanner.Text()); err != nil {
			s.logger.Warnw("ignoring input", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading prompts: %w", err)
	}
	return nil
}

// Apply processes a single input line.
func (s *ReaderSource) Apply(line string) error {
	line = utils.SanitizeLine(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, ":") {
		s.mu.Lock()
		s.current.Text = line
		s.mu.Unlock()
		s.logger.Infow("prompt updated", "prompt", line)
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ":seed":
		if len(fields) != 2 {
			return fmt.Errorf("usage: :seed N")
		}
		if !validation.SeedRegex.MatchString(fields[1]) {
			return fmt.Errorf("invalid seed %q", fields[1])
		}
		s.mu.Lock()
		s.current.Seed = fields[1]
		s.mu.Unlock()
		s.logger.Infow("seed updated", "seed", fields[1])
		return nil

	case ":size":
		if len(fields) != 2 {
			return fmt.Errorf("usage: :size WxH")
		}
		width, height, err := parseSize(fields[1])
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.current.Width = width
		s.current.Height = height
		s.mu.Unlock()
		s.logger.Infow("size updated", "width", width, "height", height)
		return nil

	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func parseSize(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, want WxH", s)
	}
	if width, err = strconv.Atoi(w); err != nil {
		return 0, 0, fmt.Errorf("invalid width %q", w)
	}
	if height, err = strconv.Atoi(h); err != nil {
		return 0, 0, fmt.Errorf("invalid height %q", h)
	}
	if err := validation.ValidateDimension(width, "width"); err != nil {
		return 0, 0, err
	}
	if err := validation.ValidateDimension(height, "height"); err != nil {
		return 0, 0, err
	}
	return width, height, nil
}
