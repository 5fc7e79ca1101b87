package runlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Entry is one parsed log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ErrMalformedLine is returned by ParseLine for lines not written by a sink.
var ErrMalformedLine = errors.New("runlog: malformed line")

// ParseLine splits a log line into its timestamp, level and message.
func ParseLine(line string) (Entry, error) {
	line = strings.TrimRight(line, "\r\n")

	ts, rest, ok := strings.Cut(line, " - ")
	if !ok {
		return Entry{}, ErrMalformedLine
	}
	level, msg, ok := strings.Cut(rest, " - ")
	if !ok {
		// Empty messages leave the trailing separator without a space.
		level, ok = strings.CutSuffix(rest, " -")
		if !ok {
			return Entry{}, ErrMalformedLine
		}
	}

	t, err := time.ParseInLocation(TimeLayout, ts, time.Local)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	return Entry{Time: t, Level: level, Message: msg}, nil
}

// ReadLines returns every complete line in the file.
func ReadLines(path string) ([]string, error) {
	lines, _, err := ReadFrom(path, 0)
	return lines, err
}

// ReadFrom returns the complete lines found after byte offset, and the offset
// just past the last complete line. A trailing partial line is left for the
// next call, so a poller never renders half a line.
func ReadFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek %s: %w", path, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("read %s: %w", path, err)
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, offset, nil
	}

	chunk := string(data[:end])
	return strings.Split(chunk, "\n"), offset + int64(end) + 1, nil
}

// Follow tails path, passing each new complete line to fn. It polls every
// interval until done is closed, then drains once more and returns the final
// offset. A missing file is treated as empty until it appears.
func Follow(ctx context.Context, path string, offset int64, interval time.Duration, done <-chan struct{}, fn func(line string)) (int64, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		finished := false
		select {
		case <-done:
			finished = true
		default:
		}

		lines, next, err := ReadFrom(path, offset)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return offset, err
		}
		offset = next
		for _, line := range lines {
			fn(line)
		}

		if finished {
			return offset, nil
		}

		select {
		case <-ctx.Done():
			return offset, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}
