// Package upload splits attachments into fixed byte ranges and sends
// them sequentially over REST. Completion is not synchronous: the server
// pushes ATTACHMENT_PROGRESS / ATTACHMENT_COMPLETE events correlated by
// message id, consumed through the Registry.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomdraper/plexus/internal/api"
	apperrors "github.com/tomdraper/plexus/internal/errors"
)

const (
	// chunkSize is the fixed byte-range size.
	chunkSize = 1 << 20 // 1MiB

	// pacingDelay is the pause after each chunk. A deliberate throttle
	// bounding server-side write amplification, not an oversight.
	pacingDelay = 300 * time.Millisecond

	// sniffLen is how many leading bytes feed content-type detection
	// when the extension is unknown.
	sniffLen = 512
)

// Range is one byte range of the source file.
type Range struct {
	Start int64
	End   int64 // exclusive
}

// Len returns the range length in bytes.
func (r Range) Len() int64 { return r.End - r.Start }

// SplitRanges computes the fixed-size chunk ranges for a file of the
// given size, eagerly, before any upload traffic.
func SplitRanges(size int64) []Range {
	if size <= 0 {
		return nil
	}
	ranges := make([]Range, 0, size/chunkSize+1)
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize
		if end > size {
			end = size
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// DurationProber measures media duration out of band (e.g. a container
// parse or an ffprobe invocation). Only consulted for video types.
type DurationProber interface {
	Duration(r io.ReaderAt, size int64) (time.Duration, error)
}

// Service is the subset of the REST client the uploader needs.
type Service interface {
	RegisterAttachment(ctx context.Context, meta api.AttachmentMeta) error
	UploadChunk(ctx context.Context, messageID string, index int, chunk []byte) error
}

// Job describes one attachment upload, bound to the message that will
// render its progress.
type Job struct {
	// Source provides the file bytes. Size must match.
	Source io.ReaderAt
	Size   int64
	Name   string

	MessageID   string
	RecipientID string
	IsRoom      bool
}

// Config holds uploader parameters.
type Config struct {
	// SelfID is the current user's id, used to address progress topics.
	SelfID string

	// Pacing overrides pacingDelay; used by tests.
	Pacing time.Duration
}

// Uploader runs attachment jobs. One job per attachment; any failure
// during splitting, metadata submission, or a chunk aborts the whole
// job. Partial uploads are not rolled back client-side: the server
// discards incomplete uploads.
type Uploader struct {
	svc    Service
	prober DurationProber
	logger *slog.Logger
	cfg    Config
}

// NewUploader creates an uploader. prober may be nil when no video
// duration probe is available.
func NewUploader(svc Service, prober DurationProber, cfg Config, logger *slog.Logger) *Uploader {
	if cfg.Pacing <= 0 {
		cfg.Pacing = pacingDelay
	}
	return &Uploader{svc: svc, prober: prober, logger: logger, cfg: cfg}
}

// Upload runs one job to completion: metadata registration first, then
// every chunk strictly sequentially with a pacing delay after each.
func (u *Uploader) Upload(ctx context.Context, job Job) error {
	if job.Size <= 0 || job.Source == nil {
		return fmt.Errorf("%w: empty source", apperrors.ErrUploadAborted)
	}

	ranges := SplitRanges(job.Size)

	mimeType, head, err := u.detectType(job)
	if err != nil {
		return fmt.Errorf("%w: detecting type: %v", apperrors.ErrUploadAborted, err)
	}

	meta := api.AttachmentMeta{
		MessageID:     job.MessageID,
		Name:          job.Name,
		Size:          job.Size,
		MimeType:      mimeType,
		Subscriptions: u.progressTopics(job),
	}

	if u.prober != nil && isVideo(mimeType) {
		d, err := u.prober.Duration(job.Source, job.Size)
		if err != nil {
			// A video we cannot measure still uploads; duration is
			// cosmetic metadata.
			u.logger.Debug("duration probe failed",
				slog.String("name", job.Name),
				slog.String("error", err.Error()),
			)
		} else {
			meta.DurationSecs = d.Seconds()
		}
	}

	if err := u.svc.RegisterAttachment(ctx, meta); err != nil {
		return fmt.Errorf("%w: registering metadata: %v", apperrors.ErrUploadAborted, err)
	}

	buf := make([]byte, chunkSize)
	for i, rng := range ranges {
		chunk := buf[:rng.Len()]
		if i == 0 && head != nil {
			// The sniff already read the head of the file; reuse it.
			copy(chunk, head)
			if int64(len(head)) < rng.Len() {
				if err := readFull(job.Source, chunk[len(head):], int64(len(head))); err != nil {
					return fmt.Errorf("%w: reading chunk 1/%d: %v", apperrors.ErrUploadAborted, len(ranges), err)
				}
			}
		} else {
			if err := readFull(job.Source, chunk, rng.Start); err != nil {
				return fmt.Errorf("%w: reading chunk %d/%d: %v", apperrors.ErrUploadAborted, i+1, len(ranges), err)
			}
		}

		if err := u.svc.UploadChunk(ctx, job.MessageID, i, chunk); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %v", apperrors.ErrUploadAborted, i+1, len(ranges), err)
		}

		if !sleep(ctx, u.cfg.Pacing) {
			return ctx.Err()
		}
	}

	u.logger.Info("attachment uploaded",
		slog.String("message_id", job.MessageID),
		slog.Int64("bytes", job.Size),
		slog.Int("chunks", len(ranges)),
	)
	return nil
}

// detectType resolves the MIME type from the file extension, falling
// back to content sniffing. Returns any sniffed head bytes so the first
// chunk read can reuse them.
func (u *Uploader) detectType(job Job) (string, []byte, error) {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(job.Name))); t != "" {
		return t, nil, nil
	}

	n := int64(sniffLen)
	if n > job.Size {
		n = job.Size
	}
	head := make([]byte, n)
	if err := readFull(job.Source, head, 0); err != nil {
		return "", nil, err
	}
	return http.DetectContentType(head), head, nil
}

// readFull reads exactly len(p) bytes at off. A ReaderAt may return
// io.EOF alongside a full read when the range ends at end of file; that
// is a successful read of the final chunk.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// progressTopics names the subscriptions the server pushes progress to:
// the room's topic, or both participants' inboxes for a direct message.
func (u *Uploader) progressTopics(job Job) []string {
	if job.IsRoom {
		return []string{"room=" + job.RecipientID}
	}
	return []string{"inbox=" + job.RecipientID, "inbox=" + u.cfg.SelfID}
}

func isVideo(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/")
}

// sleep waits for d or until ctx is cancelled. Reports whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
