package streamform_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamform "github.com/badu/streamform"
	"github.com/badu/streamform/storage"
)

// countingBackend wraps MemoryBackend to record how many bytes Write ever
// saw before Abort, for the earliness property (S4).
type countingBackend struct {
	*storage.MemoryBackend
	written   int
	aborted   bool
	abortErr  error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{MemoryBackend: storage.NewMemoryBackend()}
}

func (c *countingBackend) Write(ctx context.Context, h storage.Handle, chunk []byte) error {
	c.written += len(chunk)
	return c.MemoryBackend.Write(ctx, h, chunk)
}

func (c *countingBackend) Abort(ctx context.Context, h storage.Handle, cause error) error {
	c.aborted = true
	c.abortErr = cause
	return c.MemoryBackend.Abort(ctx, h, cause)
}

func run(t *testing.T, cfg *streamform.Config, boundary, body string) (streamform.ProcessedMultipart, error) {
	t.Helper()
	d := streamform.NewDriverFromReader(cfg, boundary, strings.NewReader(body))
	return d.Run(context.Background())
}

// S1: basic text field.
func TestS1_Basic(t *testing.T) {
	cfg, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()))
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nhello\r\n--X--\r\n"
	out, err := run(t, cfg, "X", body)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"a": {"hello"}}, out.TextFields)
	assert.Empty(t, out.StoredFiles)
}

// S2: one text field and one file, with memory storage.
func TestS2_FileAndText(t *testing.T) {
	mem := storage.NewMemoryBackend()
	cfg, err := streamform.New(streamform.WithStorage(mem))
	require.NoError(t, err)

	body := "--B\r\n" +
		"Content-Disposition: form-data; name=\"meta\"\r\n\r\n" +
		"v1\r\n" +
		"--B\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"t.txt\"\r\n\r\n" +
		"abc\r\n" +
		"--B--\r\n"
	out, err := run(t, cfg, "B", body)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"meta": {"v1"}}, out.TextFields)
	require.Len(t, out.StoredFiles, 1)
	assert.Equal(t, "file", out.StoredFiles[0].FieldName)
	assert.Equal(t, "t.txt", out.StoredFiles[0].OriginalFileName)
	assert.EqualValues(t, 3, out.StoredFiles[0].Size)

	data, ok := mem.Get(out.StoredFiles[0].StorageKey)
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
}

// S3: the same S2 body delivered one byte at a time produces an identical
// result: chunk-shape independence exercised end to end through Driver.
func TestS3_ChunkSplitBoundary(t *testing.T) {
	body := "--B\r\n" +
		"Content-Disposition: form-data; name=\"meta\"\r\n\r\n" +
		"v1\r\n" +
		"--B\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"t.txt\"\r\n\r\n" +
		"abc\r\n" +
		"--B--\r\n"

	cfg, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()), streamform.WithChunkSize(1))
	require.NoError(t, err)
	out, err := run(t, cfg, "B", body)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"meta": {"v1"}}, out.TextFields)
	require.Len(t, out.StoredFiles, 1)
	assert.EqualValues(t, 3, out.StoredFiles[0].Size)
}

// S4: oversize file aborts, having written at most the configured limit's
// worth of bytes to storage.
func TestS4_FileTooLarge(t *testing.T) {
	backend := newCountingBackend()
	cfg, err := streamform.New(
		streamform.WithStorage(backend),
		streamform.WithMaxFileSize(4),
	)
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"file\"; filename=\"f.bin\"\r\n\r\nabcdef\r\n--X--\r\n"
	d := streamform.NewDriverFromReader(cfg, "X", strings.NewReader(body))
	_, err = d.NextPart(context.Background())
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.Error(t, err)
	var serr streamform.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, streamform.CodeFileTooLarge, serr.Code())
	assert.LessOrEqual(t, backend.written, 4) // earliness: no byte past the limit reaches storage
}

// S5: an unexpected field is rejected under fields()+Reject.
func TestS5_UnexpectedFieldReject(t *testing.T) {
	cfg, err := streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithSelector(streamform.Fields([]streamform.Field{
			{Name: "avatar", Kind: streamform.FieldFile, MaxCount: 1},
		})),
		streamform.WithUnknownFieldPolicy(streamform.UnknownFieldReject),
	)
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"other\"; filename=\"o.txt\"\r\n\r\nhi\r\n--X--\r\n"
	_, err = run(t, cfg, "X", body)
	require.Error(t, err)
	var serr streamform.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, streamform.CodeUnexpectedField, serr.Code())
}

// S7: truncated body yields IncompleteMultipart.
func TestS7_Incomplete(t *testing.T) {
	cfg, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()))
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nhello"
	_, err = run(t, cfg, "X", body)
	require.Error(t, err)
	var serr streamform.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, streamform.CodeIncompleteMultipart, serr.Code())
}

func TestSelectorNone_RejectsFiles(t *testing.T) {
	cfg, err := streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithSelector(streamform.None()),
	)
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"f\"; filename=\"f.txt\"\r\n\r\nhi\r\n--X--\r\n"
	_, err = run(t, cfg, "X", body)
	require.Error(t, err)
	assert.ErrorIs(t, err, streamform.ErrUnexpectedFile)
}

// Under the default Any selector, repeated parts sharing a field name are
// allowed: only Single/Array/Fields declare a per-name cap.
func TestSelectorAny_AllowsRepeatedFieldNames(t *testing.T) {
	cfg, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()))
	require.NoError(t, err)

	body := "--X\r\n" +
		"Content-Disposition: form-data; name=\"a\"\r\n\r\n" +
		"one\r\n" +
		"--X\r\n" +
		"Content-Disposition: form-data; name=\"a\"\r\n\r\n" +
		"two\r\n" +
		"--X--\r\n"
	out, err := run(t, cfg, "X", body)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"a": {"one", "two"}}, out.TextFields)
}

// Single still caps its declared name at one file part even under repeated
// occurrences, while array enforces its own declared maximum.
func TestSelectorSingle_StillCapsNamedField(t *testing.T) {
	cfg, err := streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithSelector(streamform.Single("avatar")),
	)
	require.NoError(t, err)

	body := "--X\r\n" +
		"Content-Disposition: form-data; name=\"avatar\"; filename=\"a.png\"\r\n\r\n" +
		"one\r\n" +
		"--X\r\n" +
		"Content-Disposition: form-data; name=\"avatar\"; filename=\"b.png\"\r\n\r\n" +
		"two\r\n" +
		"--X--\r\n"
	_, err = run(t, cfg, "X", body)
	require.Error(t, err)
	assert.ErrorIs(t, err, streamform.ErrTooManyFiles)
}

func TestUnknownFieldIgnore_CountsAgainstBodySizeButIsDropped(t *testing.T) {
	cfg, err := streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithSelector(streamform.Fields([]streamform.Field{
			{Name: "keep", Kind: streamform.FieldText, MaxCount: 1},
		})),
		streamform.WithUnknownFieldPolicy(streamform.UnknownFieldIgnore),
	)
	require.NoError(t, err)

	body := "--X\r\n" +
		"Content-Disposition: form-data; name=\"drop-me\"\r\n\r\n" +
		"ignored\r\n" +
		"--X\r\n" +
		"Content-Disposition: form-data; name=\"keep\"\r\n\r\n" +
		"v\r\n" +
		"--X--\r\n"
	out, err := run(t, cfg, "X", body)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"keep": {"v"}}, out.TextFields)

	// "ignored" (7 bytes) plus "v" (1 byte) exceeds a 7-byte body cap only
	// if the dropped part's bytes are counted.
	cfg, err = streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithSelector(streamform.Fields([]streamform.Field{
			{Name: "keep", Kind: streamform.FieldText, MaxCount: 1},
		})),
		streamform.WithUnknownFieldPolicy(streamform.UnknownFieldIgnore),
		streamform.WithMaxBodySize(7),
	)
	require.NoError(t, err)
	_, err = run(t, cfg, "X", body)
	assert.ErrorIs(t, err, streamform.ErrBodyTooLarge)
}

func TestMaxBodySize(t *testing.T) {
	cfg, err := streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithMaxBodySize(3),
	)
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nhello\r\n--X--\r\n"
	_, err = run(t, cfg, "X", body)
	require.Error(t, err)
	assert.ErrorIs(t, err, streamform.ErrBodyTooLarge)
}

func TestAllowedMIMETypes_Wildcard(t *testing.T) {
	cfg, err := streamform.New(
		streamform.WithStorage(storage.NewMemoryBackend()),
		streamform.WithAllowedMIMETypes([]string{"image/*"}),
	)
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"f\"; filename=\"f.bin\"\r\nContent-Type: application/pdf\r\n\r\nhi\r\n--X--\r\n"
	_, err = run(t, cfg, "X", body)
	require.Error(t, err)
	assert.ErrorIs(t, err, streamform.ErrUnsupportedMediaType)
}

func TestPart_AlreadyConsumed(t *testing.T) {
	cfg, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()))
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nhello\r\n--X--\r\n"
	d := streamform.NewDriverFromReader(cfg, "X", strings.NewReader(body))
	part, err := d.NextPart(context.Background())
	require.NoError(t, err)

	_, err = part.Text()
	require.NoError(t, err)

	_, err = part.Text()
	assert.ErrorIs(t, err, streamform.ErrPartAlreadyConsumed)

	_, err = part.Stream()
	assert.ErrorIs(t, err, streamform.ErrPartAlreadyConsumed)
}

func TestDriver_AbortCleansUpInFlightHandle(t *testing.T) {
	backend := newCountingBackend()
	cfg, err := streamform.New(streamform.WithStorage(backend))
	require.NoError(t, err)

	body := "--X\r\nContent-Disposition: form-data; name=\"f\"; filename=\"f.bin\"\r\n\r\nabcdef\r\n--X--\r\n"
	d := streamform.NewDriverFromReader(cfg, "X", strings.NewReader(body))

	_, err = d.NextPart(context.Background())
	require.NoError(t, err)

	require.NoError(t, d.Abort(context.Background(), errors.New("client disconnected")))
	assert.True(t, backend.aborted)

	// Abort is idempotent.
	require.NoError(t, d.Abort(context.Background(), nil))
}

func TestNewDriverFromContentType_ExtractsBoundary(t *testing.T) {
	cfg, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()))
	require.NoError(t, err)

	body := "--myboundary\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nv\r\n--myboundary--\r\n"
	d, err := streamform.NewDriverFromContentType(cfg, `multipart/form-data; boundary=myboundary`, strings.NewReader(body))
	require.NoError(t, err)

	out, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"a": {"v"}}, out.TextFields)
}

func TestConfig_RequiresStorage(t *testing.T) {
	_, err := streamform.New()
	assert.ErrorIs(t, err, streamform.ErrConfig)
}

func TestConfig_RejectsNegativeLimits(t *testing.T) {
	_, err := streamform.New(streamform.WithStorage(storage.NewMemoryBackend()), streamform.WithMaxFileSize(-1))
	assert.ErrorIs(t, err, streamform.ErrConfig)
}
