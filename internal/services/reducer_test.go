package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/MegaGrindStone/wall-ai/internal/services"
	"github.com/stretchr/testify/require"
)

// chunkReader returns one chunk per Read call, then err (io.EOF when nil).
type chunkReader struct {
	chunks []string
	err    error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reduce(t *testing.T, r services.Reducer, body io.Reader) (string, []string, error) {
	t.Helper()
	var published []string
	got, err := r.Reduce(context.Background(), body, func(acc string) {
		published = append(published, acc)
	})
	return got, published, err
}

func TestReducerSkipsMalformedRecords(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	body := &chunkReader{chunks: []string{
		"not json\n",
		`{"message":{"content":"A"}}` + "\n",
		"{bad\n",
		`{"message":{"content":"B"}}` + "\n",
	}}

	got, published, err := reduce(t, r, body)
	require.NoError(t, err)
	require.Equal(t, "AB", got)
	require.Equal(t, []string{"A", "AB"}, published)
}

func TestReducerSplitsChunkOnNewlines(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	body := &chunkReader{chunks: []string{
		`{"message":{"content":"Hi"}}` + "\n" + `{"message":{"content":"!"}}`,
	}}

	got, published, err := reduce(t, r, body)
	require.NoError(t, err)
	require.Equal(t, "Hi!", got)
	require.Equal(t, []string{"Hi", "Hi!"}, published)
}

func TestReducerRecordsWithoutDelta(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	body := &chunkReader{chunks: []string{
		`{"model":"llama3.1:8b","done":false}` + "\n",
		`{"message":{"role":"assistant"}}` + "\n",
		`{"message":{"content":""}}` + "\n",
		"null\n",
		"\n   \n",
		`{"message":{"content":" spaced "}}` + "\n",
		`{"message":{"content":" spaced "}}` + "\n",
		`{"message":{"role":"assistant","content":""},"done":true,"eval_count":12}` + "\n",
	}}

	got, published, err := reduce(t, r, body)
	require.NoError(t, err)
	// Deltas are neither trimmed nor deduplicated.
	require.Equal(t, " spaced  spaced ", got)
	require.Equal(t, []string{" spaced ", " spaced  spaced "}, published)
}

func TestReducerSplitRecordWithoutCarry(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	body := &chunkReader{chunks: []string{
		`{"message":{"content":"A"}}` + "\n" + `{"message":{"con`,
		`tent":"B"}}` + "\n" + `{"message":{"content":"C"}}` + "\n",
	}}

	got, _, err := reduce(t, r, body)
	require.NoError(t, err)
	require.Equal(t, "AC", got)
}

func TestReducerSplitRecordWithCarry(t *testing.T) {
	r := services.NewReducer(true, discardLogger())

	body := &chunkReader{chunks: []string{
		`{"message":{"content":"A"}}` + "\n" + `{"message":{"con`,
		`tent":"B"}}` + "\n" + `{"message":{"content":"C"}}`,
	}}

	got, published, err := reduce(t, r, body)
	require.NoError(t, err)
	require.Equal(t, "ABC", got)
	require.Equal(t, []string{"A", "AB", "ABC"}, published)
}

func TestReducerCarryOneByteReads(t *testing.T) {
	r := services.NewReducer(true, discardLogger())

	stream := `{"message":{"content":"Olá"}}` + "\n" + `{"message":{"content":", mundo"}}` + "\n"
	got, published, err := reduce(t, r, iotest.OneByteReader(strings.NewReader(stream)))
	require.NoError(t, err)
	require.Equal(t, "Olá, mundo", got)
	require.Equal(t, []string{"Olá", "Olá, mundo"}, published)
}

func TestReducerReadError(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	readErr := errors.New("connection reset")
	body := &chunkReader{
		chunks: []string{`{"message":{"content":"partial"}}` + "\n"},
		err:    readErr,
	}

	got, published, err := reduce(t, r, body)
	require.ErrorIs(t, err, readErr)
	require.Equal(t, "partial", got)
	require.Equal(t, []string{"partial"}, published)
}

func TestReducerContextCanceled(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reduce(ctx, strings.NewReader(`{"message":{"content":"A"}}`), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReducerEmptyStream(t *testing.T) {
	r := services.NewReducer(true, discardLogger())

	got, published, err := reduce(t, r, strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, published)
}

func TestReducerNonStringContent(t *testing.T) {
	r := services.NewReducer(false, discardLogger())

	body := &chunkReader{chunks: []string{
		`{"message":{"content":5}}` + "\n",
		`{"message":{"content":true}}` + "\n",
		`{"message":{"content":{"text":"x"}}}` + "\n",
		`{"message":{"content":"ok"}}` + "\n",
	}}

	// Only string deltas are appended; anything else is a malformed record.
	got, published, err := reduce(t, r, body)
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, []string{"ok"}, published)
}

func TestReducerCarryDropsOversizedLine(t *testing.T) {
	r := services.NewReducer(true, discardLogger())

	long := `{"message":{"content":"` + strings.Repeat("a", services.MaxLineSize) + `"}}`
	var chunks []string
	for i := 0; i < len(long); i += 64 * 1024 {
		chunks = append(chunks, long[i:min(i+64*1024, len(long))])
	}
	chunks = append(chunks, "\n"+`{"message":{"content":"ok"}}`+"\n")

	got, published, err := reduce(t, r, &chunkReader{chunks: chunks})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, []string{"ok"}, published)
}
