package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomdraper/plexus/internal/api"
	apperrors "github.com/tomdraper/plexus/internal/errors"
)

type fakeService struct {
	mu        sync.Mutex
	meta      []api.AttachmentMeta
	chunks    [][]byte
	indices   []int
	failChunk int // fail this chunk index; -1 disables
	metaErr   error
}

func newFakeService() *fakeService {
	return &fakeService{failChunk: -1}
}

func (s *fakeService) RegisterAttachment(ctx context.Context, meta api.AttachmentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metaErr != nil {
		return s.metaErr
	}
	s.meta = append(s.meta, meta)
	return nil
}

func (s *fakeService) UploadChunk(ctx context.Context, messageID string, index int, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == s.failChunk {
		return errors.New("server rejected chunk")
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	s.indices = append(s.indices, index)
	return nil
}

func newTestUploader(svc Service) *Uploader {
	return NewUploader(svc, nil, Config{
		SelfID: "self",
		Pacing: time.Millisecond,
	}, slog.New(slog.DiscardHandler))
}

func TestSplitRanges(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want []Range
	}{
		{"empty", 0, nil},
		{"under one chunk", 100, []Range{{0, 100}}},
		{"exactly one chunk", chunkSize, []Range{{0, chunkSize}}},
		{"five and a half", 5*chunkSize + chunkSize/2, []Range{
			{0, chunkSize},
			{chunkSize, 2 * chunkSize},
			{2 * chunkSize, 3 * chunkSize},
			{3 * chunkSize, 4 * chunkSize},
			{4 * chunkSize, 5 * chunkSize},
			{5 * chunkSize, 5*chunkSize + chunkSize/2},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitRanges(tt.size))
		})
	}
}

func TestUploader_SequentialChunks(t *testing.T) {
	svc := newFakeService()
	u := newTestUploader(svc)

	content := bytes.Repeat([]byte("x"), 2*chunkSize+10)
	err := u.Upload(context.Background(), Job{
		Source:      bytes.NewReader(content),
		Size:        int64(len(content)),
		Name:        "pic.png",
		MessageID:   "m1",
		RecipientID: "u2",
	})
	require.NoError(t, err)

	require.Len(t, svc.meta, 1, "metadata goes up before any chunk")
	assert.Equal(t, "m1", svc.meta[0].MessageID)
	assert.Equal(t, "image/png", svc.meta[0].MimeType)
	assert.Equal(t, int64(len(content)), svc.meta[0].Size)

	assert.Equal(t, []int{0, 1, 2}, svc.indices)
	assert.Len(t, svc.chunks[0], chunkSize)
	assert.Len(t, svc.chunks[1], chunkSize)
	assert.Len(t, svc.chunks[2], 10)

	var joined []byte
	for _, c := range svc.chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, content, joined)
}

func TestUploader_SniffedTypeReusesHead(t *testing.T) {
	svc := newFakeService()
	u := newTestUploader(svc)

	// No extension at all; the PNG magic drives detection and the sniffed
	// head must still land in chunk 0 intact.
	content := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte("p"), 1000)...)
	err := u.Upload(context.Background(), Job{
		Source:      bytes.NewReader(content),
		Size:        int64(len(content)),
		Name:        "upload",
		MessageID:   "m1",
		RecipientID: "u2",
	})
	require.NoError(t, err)

	assert.Equal(t, "image/png", svc.meta[0].MimeType)
	assert.Equal(t, content, svc.chunks[0])
}

// eofReaderAt returns io.EOF alongside any read that runs to the end of
// the data, which the ReaderAt contract permits.
type eofReaderAt struct {
	data []byte
}

func (r eofReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, r.data[off:])
	if off+int64(n) == int64(len(r.data)) {
		return n, io.EOF
	}
	return n, nil
}

func TestUploader_FinalChunkEOF_Succeeds(t *testing.T) {
	svc := newFakeService()
	u := newTestUploader(svc)

	content := bytes.Repeat([]byte("x"), chunkSize+10)
	err := u.Upload(context.Background(), Job{
		Source:      eofReaderAt{data: content},
		Size:        int64(len(content)),
		Name:        "pic.png",
		MessageID:   "m1",
		RecipientID: "u2",
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, svc.indices)
	assert.Len(t, svc.chunks[1], 10)
}

func TestUploader_ChunkFailure_AbortsJob(t *testing.T) {
	svc := newFakeService()
	svc.failChunk = 1
	u := newTestUploader(svc)

	content := bytes.Repeat([]byte("x"), 3*chunkSize)
	err := u.Upload(context.Background(), Job{
		Source:      bytes.NewReader(content),
		Size:        int64(len(content)),
		Name:        "big.png",
		MessageID:   "m1",
		RecipientID: "u2",
	})

	assert.ErrorIs(t, err, apperrors.ErrUploadAborted)
	assert.Equal(t, []int{0}, svc.indices, "no chunk is sent after the failure")
}

func TestUploader_MetadataFailure_NoChunks(t *testing.T) {
	svc := newFakeService()
	svc.metaErr = errors.New("quota exceeded")
	u := newTestUploader(svc)

	err := u.Upload(context.Background(), Job{
		Source:      bytes.NewReader([]byte("data")),
		Size:        4,
		Name:        "f.png",
		MessageID:   "m1",
		RecipientID: "u2",
	})

	assert.ErrorIs(t, err, apperrors.ErrUploadAborted)
	assert.Empty(t, svc.chunks)
}

func TestUploader_EmptySource_Rejected(t *testing.T) {
	u := newTestUploader(newFakeService())

	err := u.Upload(context.Background(), Job{MessageID: "m1"})
	assert.ErrorIs(t, err, apperrors.ErrUploadAborted)
}

func TestUploader_ProgressTopics(t *testing.T) {
	u := newTestUploader(newFakeService())

	assert.Equal(t,
		[]string{"inbox=u2", "inbox=self"},
		u.progressTopics(Job{RecipientID: "u2"}),
	)
	assert.Equal(t,
		[]string{"room=r1"},
		u.progressTopics(Job{RecipientID: "r1", IsRoom: true}),
	)
}

func TestUploader_CancelledContext_StopsBetweenChunks(t *testing.T) {
	svc := newFakeService()
	u := NewUploader(svc, nil, Config{
		SelfID: "self",
		Pacing: 50 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	content := bytes.Repeat([]byte("x"), 3*chunkSize)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := u.Upload(ctx, Job{
		Source:      bytes.NewReader(content),
		Size:        int64(len(content)),
		Name:        "big.png",
		MessageID:   "m1",
		RecipientID: "u2",
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, len(svc.indices), 3)
}

type stubProber struct {
	d   time.Duration
	err error
}

func (p stubProber) Duration(r io.ReaderAt, size int64) (time.Duration, error) {
	return p.d, p.err
}

// mp4Content sniffs as video/mp4 even when the extension table has no
// .mp4 entry.
func mp4Content() []byte {
	head := []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")
	return append(head, bytes.Repeat([]byte("v"), 100)...)
}

func TestUploader_VideoDuration(t *testing.T) {
	svc := newFakeService()
	u := NewUploader(svc, stubProber{d: 90 * time.Second}, Config{
		SelfID: "self",
		Pacing: time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	content := mp4Content()
	err := u.Upload(context.Background(), Job{
		Source:      bytes.NewReader(content),
		Size:        int64(len(content)),
		Name:        "clip.mp4",
		MessageID:   "m1",
		RecipientID: "u2",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(90), svc.meta[0].DurationSecs)
}

func TestUploader_ProbeFailure_StillUploads(t *testing.T) {
	svc := newFakeService()
	u := NewUploader(svc, stubProber{err: errors.New("unreadable container")}, Config{
		SelfID: "self",
		Pacing: time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	content := mp4Content()
	err := u.Upload(context.Background(), Job{
		Source:      bytes.NewReader(content),
		Size:        int64(len(content)),
		Name:        "clip.mp4",
		MessageID:   "m1",
		RecipientID: "u2",
	})
	require.NoError(t, err)
	assert.Zero(t, svc.meta[0].DurationSecs)
	assert.NotEmpty(t, svc.chunks)
}
