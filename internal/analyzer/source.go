package analyzer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
)

// Tail polling intervals.
const (
	TailPollInterval  = 50 * time.Millisecond
	TailRetryInterval = 500 * time.Millisecond
)

// Source reads a log file line by line. In follow mode it starts at the end
// of the file and waits for new lines instead of returning io.EOF.
type Source struct {
	path    string
	follow  bool
	file    *os.File
	reader  *bufio.Reader
	partial strings.Builder
	log     logging.Logger
}

// OpenSource opens path. follow selects real-time tracking.
func OpenSource(path string, follow bool, log logging.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	if follow {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek log %s: %w", path, err)
		}
	}
	return &Source{
		path:   path,
		follow: follow,
		file:   f,
		reader: bufio.NewReader(f),
		log:    logging.OrNoop(log),
	}, nil
}

// Close releases the file.
func (s *Source) Close() error { return s.file.Close() }

// Next returns the next non-empty line without its terminator. Without
// follow it returns io.EOF at the end of the file; a trailing line without a
// newline is still returned first. With follow it polls for growth and
// retries after read errors until ctx is done.
func (s *Source) Next(ctx context.Context) (string, error) {
	for {
		chunk, err := s.reader.ReadString('\n')
		s.partial.WriteString(chunk)

		if err == nil {
			line := strings.TrimRight(s.partial.String(), "\r\n")
			s.partial.Reset()
			if strings.TrimSpace(line) == "" {
				continue
			}
			return line, nil
		}

		if !errors.Is(err, io.EOF) {
			if !s.follow {
				return "", fmt.Errorf("read log %s: %w", s.path, err)
			}
			s.log.Error(ctx, "log read failed, retrying", logging.String("path", s.path), logging.Err(err))
			if err := sleepCtx(ctx, TailRetryInterval); err != nil {
				return "", err
			}
			continue
		}

		if !s.follow {
			line := strings.TrimRight(s.partial.String(), "\r\n")
			s.partial.Reset()
			if strings.TrimSpace(line) != "" {
				return line, nil
			}
			return "", io.EOF
		}
		if err := sleepCtx(ctx, TailPollInterval); err != nil {
			return "", err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
