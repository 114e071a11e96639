// Package outbox watches a drop directory and uploads every file that
// lands in it as a message attachment to a fixed recipient or room.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tomdraper/plexus/internal/upload"
)

// messageSender creates the message an attachment hangs off. Satisfied
// by *chat.Service.
type messageSender interface {
	SendPrivate(content, recipientID string, hasAttachment bool) string
	SendRoom(content, roomID string, hasAttachment bool) string
}

// attachmentUploader runs the chunked upload. Satisfied by
// *upload.Uploader.
type attachmentUploader interface {
	Upload(ctx context.Context, job upload.Job) error
}

// Config fixes where dropped files go.
type Config struct {
	// Dir is the watched drop directory. Created if missing.
	Dir string

	// Target is the recipient user id, or the room id when IsRoom.
	Target string
	IsRoom bool
}

// Watcher monitors the drop directory and hands settled files to the
// uploader. Files are removed after a successful upload and left in
// place on failure.
type Watcher struct {
	cfg      Config
	sender   messageSender
	uploader attachmentUploader
	logger   *slog.Logger
}

// NewWatcher creates a drop-directory watcher.
func NewWatcher(cfg Config, sender messageSender, uploader attachmentUploader, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:      cfg,
		sender:   sender,
		uploader: uploader,
		logger:   logger,
	}
}

// Watch blocks until the context is cancelled. Writes are debounced so
// a file still being copied in is not uploaded mid-copy.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}
	if err := watcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	w.logger.Info("outbox watcher started",
		slog.String("dir", w.cfg.Dir),
		slog.String("target", w.cfg.Target),
	)

	// Debounce: batch rapid writes into a single upload per file.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < time.Second {
					continue
				}
				delete(pending, path)
				w.handleFile(ctx, path)
			}
		}
	}
}

// handleFile sends the carrier message and uploads the file's bytes as
// its attachment. Uploads run one at a time; the outbox is not a bulk
// transfer path.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("stat failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if info.IsDir() || info.Size() == 0 {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("opening outbox file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	name := filepath.Base(path)

	var msgID string
	if w.cfg.IsRoom {
		msgID = w.sender.SendRoom(name, w.cfg.Target, true)
	} else {
		msgID = w.sender.SendPrivate(name, w.cfg.Target, true)
	}

	err = w.uploader.Upload(ctx, upload.Job{
		Source:      f,
		Size:        info.Size(),
		Name:        name,
		MessageID:   msgID,
		RecipientID: w.cfg.Target,
		IsRoom:      w.cfg.IsRoom,
	})
	if err != nil {
		w.logger.Warn("outbox upload failed",
			slog.String("path", path),
			slog.String("message_id", msgID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing uploaded file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	w.logger.Info("outbox file uploaded",
		slog.String("name", name),
		slog.String("message_id", msgID),
		slog.Int64("size", info.Size()),
	)
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".part") {
		return true
	}
	return false
}
