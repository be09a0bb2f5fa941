package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Reducer folds a newline-delimited JSON response stream into a single growing text value. Each record
// may carry one content delta under message.content; deltas are appended verbatim, in arrival order.
//
// By default every chunk returned by the transport is assumed to hold whole records, so a record split
// across two reads is seen as two malformed lines and dropped. With CarryPartial set, an incomplete
// trailing line is kept and prepended to the next chunk instead. A carried line longer than
// MaxLineSize is dropped as malformed, together with the rest of it up to the next newline.
type Reducer struct {
	CarryPartial bool

	chunkSize int

	logger *slog.Logger
}

// lineCarry holds the unterminated tail of the previous chunks.
type lineCarry struct {
	partial []byte
	// skipping is set while the rest of an oversized line is discarded.
	skipping bool
}

type streamRecord struct {
	Message *streamRecordMessage `json:"message"`
}

type streamRecordMessage struct {
	Content *string `json:"content"`
}

// MaxLineSize is the longest record the reducer carries across chunks.
const MaxLineSize = 1024 * 1024

const (
	defaultChunkSize = 32 * 1024

	errLoggerKey = "err"
)

// NewReducer creates a Reducer. carryPartial enables buffering of incomplete trailing lines between
// transport reads.
func NewReducer(carryPartial bool, logger *slog.Logger) Reducer {
	return Reducer{
		CarryPartial: carryPartial,
		chunkSize:    defaultChunkSize,
		logger:       logger.With(slog.String("module", "reducer")),
	}
}

// Reduce reads body until it is exhausted and returns the accumulated content. publish is called once
// with the new accumulated value for every record that carries a delta.
//
// Malformed records are logged and skipped. A read error other than io.EOF, or the cancellation of ctx,
// stops the reduction and is returned together with the content accumulated so far.
func (r Reducer) Reduce(ctx context.Context, body io.Reader, publish func(string)) (string, error) {
	size := r.chunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)

	var acc strings.Builder
	var carry lineCarry

	for {
		if err := ctx.Err(); err != nil {
			return acc.String(), err
		}

		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if r.CarryPartial {
				chunk = r.carryLines(&carry, chunk)
			}
			r.reduceChunk(chunk, &acc, publish)
		}

		if errors.Is(err, io.EOF) {
			if len(carry.partial) > 0 {
				r.reduceChunk(carry.partial, &acc, publish)
			}
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), fmt.Errorf("error reading stream: %w", err)
		}
	}
}

// carryLines returns the complete lines of the carried tail followed by chunk, and keeps the new
// unterminated tail in c.
func (r Reducer) carryLines(c *lineCarry, chunk []byte) []byte {
	if c.skipping {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil
		}
		c.skipping = false
		chunk = chunk[idx+1:]
	}

	var lines []byte
	lines, c.partial = splitPartial(append(c.partial, chunk...))

	if len(c.partial) > MaxLineSize {
		r.logger.Debug("Dropping oversized stream record", slog.Int("size", len(c.partial)))
		c.partial = nil
		c.skipping = true
	}
	return lines
}

// splitPartial separates the complete lines of p from its unterminated tail. The returned tail never
// aliases p.
func splitPartial(p []byte) ([]byte, []byte) {
	idx := bytes.LastIndexByte(p, '\n')
	if idx < 0 {
		return nil, p
	}
	tail := bytes.Clone(p[idx+1:])
	return p[:idx+1], tail
}

func (r Reducer) reduceChunk(chunk []byte, acc *strings.Builder, publish func(string)) {
	for _, line := range strings.Split(string(chunk), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		delta, ok, err := parseRecord(line)
		if err != nil {
			r.logger.Debug("Skipping malformed stream record",
				slog.String("record", line),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		if !ok {
			continue
		}

		acc.WriteString(delta)
		if publish != nil {
			publish(acc.String())
		}
	}
}

// parseRecord decodes a single line. ok is false when the record is valid JSON but has no usable delta,
// that is when message or message.content is absent or empty.
func parseRecord(line string) (string, bool, error) {
	var rec streamRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return "", false, err
	}
	if rec.Message == nil || rec.Message.Content == nil || *rec.Message.Content == "" {
		return "", false, nil
	}
	return *rec.Message.Content, true, nil
}
