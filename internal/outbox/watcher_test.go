package outbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomdraper/plexus/internal/upload"
)

type fakeSender struct {
	private []string
	room    []string
}

func (s *fakeSender) SendPrivate(content, recipientID string, hasAttachment bool) string {
	s.private = append(s.private, content)
	return "msg-private"
}

func (s *fakeSender) SendRoom(content, roomID string, hasAttachment bool) string {
	s.room = append(s.room, content)
	return "msg-room"
}

type fakeUploader struct {
	jobs []upload.Job
	err  error
}

func (u *fakeUploader) Upload(ctx context.Context, job upload.Job) error {
	u.jobs = append(u.jobs, job)
	return u.err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestWatcher(cfg Config, sender *fakeSender, uploader *fakeUploader) *Watcher {
	return NewWatcher(cfg, sender, uploader, slog.New(slog.DiscardHandler))
}

func TestWatcher_HandleFile_UploadsAndRemoves(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	uploader := &fakeUploader{}
	w := newTestWatcher(Config{Dir: dir, Target: "u2"}, sender, uploader)

	path := writeFile(t, dir, "photo.png", "png-bytes")
	w.handleFile(context.Background(), path)

	require.Len(t, uploader.jobs, 1)
	job := uploader.jobs[0]
	assert.Equal(t, "photo.png", job.Name)
	assert.Equal(t, int64(9), job.Size)
	assert.Equal(t, "msg-private", job.MessageID)
	assert.Equal(t, "u2", job.RecipientID)
	assert.False(t, job.IsRoom)
	assert.Equal(t, []string{"photo.png"}, sender.private)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "uploaded files leave the outbox")
}

func TestWatcher_HandleFile_RoomTarget(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	uploader := &fakeUploader{}
	w := newTestWatcher(Config{Dir: dir, Target: "r1", IsRoom: true}, sender, uploader)

	path := writeFile(t, dir, "notes.txt", "hello")
	w.handleFile(context.Background(), path)

	require.Len(t, uploader.jobs, 1)
	assert.True(t, uploader.jobs[0].IsRoom)
	assert.Equal(t, "msg-room", uploader.jobs[0].MessageID)
	assert.Equal(t, []string{"notes.txt"}, sender.room)
}

func TestWatcher_HandleFile_FailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	uploader := &fakeUploader{err: errors.New("server down")}
	w := newTestWatcher(Config{Dir: dir, Target: "u2"}, &fakeSender{}, uploader)

	path := writeFile(t, dir, "photo.png", "png-bytes")
	w.handleFile(context.Background(), path)

	_, err := os.Stat(path)
	assert.NoError(t, err, "failed uploads stay in the outbox for a retry")
}

func TestWatcher_HandleFile_SkipsMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	uploader := &fakeUploader{}
	w := newTestWatcher(Config{Dir: dir, Target: "u2"}, &fakeSender{}, uploader)

	w.handleFile(context.Background(), filepath.Join(dir, "never-existed.png"))

	empty := writeFile(t, dir, "empty.txt", "")
	w.handleFile(context.Background(), empty)

	assert.Empty(t, uploader.jobs)
}

func TestWatcher_ShouldIgnore(t *testing.T) {
	w := newTestWatcher(Config{}, &fakeSender{}, &fakeUploader{})

	assert.True(t, w.shouldIgnore("/outbox/.hidden"))
	assert.True(t, w.shouldIgnore("/outbox/file.txt~"))
	assert.True(t, w.shouldIgnore("/outbox/file.swp"))
	assert.True(t, w.shouldIgnore("/outbox/movie.mkv.part"))
	assert.False(t, w.shouldIgnore("/outbox/photo.png"))
}
