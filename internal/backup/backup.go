// Package backup mirrors the server data directory to a WebDAV remote:
// changed files are uploaded on a short poll cycle, full zip archives on a
// long one, and either form can be restored after data loss.
package backup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/melosync/melosync/internal/state"
)

// ErrRemoteUnavailable wraps failures to reach the WebDAV remote.
var ErrRemoteUnavailable = fmt.Errorf("remote unavailable")

const (
	// mirrorRoot is the remote directory holding the file-level mirror.
	mirrorRoot = "/melosync"

	// backupRoot is the remote directory holding zip archives.
	backupRoot = "/melosync-backups"

	// archivePrefix names backup archives; scans and archives exclude
	// files matching it so backups never nest.
	archivePrefix = "melosync-backup-"

	remoteFilePerm = 0o644
)

// RemoteClient is the subset of the WebDAV client the engine uses.
// *gowebdav.Client satisfies this interface.
type RemoteClient interface {
	Connect() error
	MkdirAll(path string, perm os.FileMode) error
	Write(path string, data []byte, perm os.FileMode) error
	Read(path string) ([]byte, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Remove(path string) error
}

// Dial returns a WebDAV client for the given endpoint.
func Dial(url, username, password string) RemoteClient {
	return gowebdav.NewClient(url, username, password)
}

// Progress is one observer event emitted during uploads, backups, and
// restores.
type Progress struct {
	Type    string // "file", "backup", "restore"
	Status  string // "uploading", "success", "error", "preparing"
	File    string
	Current int64
	Total   int64
	Message string
}

// Config holds the engine settings.
type Config struct {
	// DataPath is the local directory to mirror.
	DataPath string
	// ScanInterval is the poll period for changed-file detection.
	ScanInterval time.Duration
	// BackupInterval is the period between full zip backups.
	BackupInterval time.Duration
	// MaxBackups is how many remote archives to keep.
	MaxBackups int
}

// Engine drives the mirror and archive cycles. One operation runs at a
// time; the tickers and the admin surface share the engine mutex.
type Engine struct {
	client RemoteClient
	cfg    Config
	state  *state.State
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	obsMu     sync.Mutex
	observers []func(Progress)
}

// New creates an engine mirroring cfg.DataPath through client. Scan
// hashes and the activity log persist in st across restarts.
func New(client RemoteClient, cfg Config, st *state.State, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cfg:    cfg,
		state:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers an observer for progress events.
func (e *Engine) Subscribe(fn func(Progress)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) emit(p Progress) {
	e.obsMu.Lock()
	observers := append(([]func(Progress))(nil), e.observers...)
	e.obsMu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

func (e *Engine) log(kind, file, status, message string) {
	entry := state.SyncLogEntry{
		Time:    e.now().UnixMilli(),
		Type:    kind,
		File:    file,
		Status:  status,
		Message: message,
	}
	if err := e.state.AppendSyncLog(entry); err != nil {
		e.logger.Warn("appending sync log failed", slog.String("error", err.Error()))
	}
}

// Logs returns the retained activity log, newest first.
func (e *Engine) Logs() ([]state.SyncLogEntry, error) {
	return e.state.SyncLog()
}

// excluded reports whether a relative path stays out of scans and
// archives: partially written temp files, logs, and backup archives.
func excluded(relPath string) bool {
	if strings.Contains(relPath, "temp-") {
		return true
	}
	if strings.HasSuffix(relPath, ".log") {
		return true
	}
	base := filepath.Base(relPath)
	return strings.HasPrefix(base, archivePrefix) && strings.HasSuffix(base, ".zip")
}

// Scan walks the data directory and returns relpath → md5 for every
// non-excluded file.
func (e *Engine) Scan() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(e.cfg.DataPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.cfg.DataPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel) {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			// The file may have been replaced mid-walk; skip it, the
			// next scan picks it up.
			return nil
		}
		sum := md5.Sum(content)
		files[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning data dir: %w", err)
	}
	return files, nil
}

// ChangedFiles returns the paths whose content differs from the recorded
// remote hashes, sorted for deterministic upload order. Vanished paths
// are dropped from the record.
func (e *Engine) ChangedFiles() ([]string, error) {
	current, err := e.Scan()
	if err != nil {
		return nil, err
	}
	recorded, err := e.state.BackupHashes()
	if err != nil {
		return nil, err
	}

	var changed []string
	for file, hash := range current {
		if recorded[file] != hash {
			changed = append(changed, file)
		}
	}
	for file := range recorded {
		if _, ok := current[file]; !ok {
			if err := e.state.RemoveBackupHash(file); err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// UploadFile mirrors one file to the remote and records its hash on
// success.
func (e *Engine) UploadFile(relPath string) error {
	localPath := filepath.Join(e.cfg.DataPath, filepath.FromSlash(relPath))
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", relPath, err)
	}

	remotePath := path.Join(mirrorRoot, relPath)
	e.emit(Progress{Type: "file", Status: "uploading", File: relPath, Total: int64(len(content))})

	if err := e.client.MkdirAll(path.Dir(remotePath), remoteFilePerm); err != nil {
		e.uploadFailed(relPath, err)
		return fmt.Errorf("%w: creating remote dir: %v", ErrRemoteUnavailable, err)
	}
	if err := e.client.Write(remotePath, content, remoteFilePerm); err != nil {
		e.uploadFailed(relPath, err)
		return fmt.Errorf("%w: uploading %s: %v", ErrRemoteUnavailable, relPath, err)
	}

	sum := md5.Sum(content)
	if err := e.state.SetBackupHash(relPath, hex.EncodeToString(sum[:])); err != nil {
		return err
	}

	e.emit(Progress{Type: "file", Status: "success", File: relPath, Current: int64(len(content)), Total: int64(len(content))})
	e.log("upload", relPath, "success", "")
	return nil
}

func (e *Engine) uploadFailed(relPath string, err error) {
	e.emit(Progress{Type: "file", Status: "error", File: relPath, Message: err.Error()})
	e.log("upload", relPath, "error", err.Error())
}

// DownloadFile fetches one mirrored file from the remote into the data
// directory.
func (e *Engine) DownloadFile(relPath string) error {
	remotePath := path.Join(mirrorRoot, relPath)
	content, err := e.client.Read(remotePath)
	if err != nil {
		e.log("download", relPath, "error", err.Error())
		return fmt.Errorf("%w: downloading %s: %v", ErrRemoteUnavailable, relPath, err)
	}

	localPath := filepath.Join(e.cfg.DataPath, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return fmt.Errorf("creating local dir: %w", err)
	}
	if err := os.WriteFile(localPath, content, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	e.log("download", relPath, "success", "")
	return nil
}

// SyncChanged uploads every file whose content changed since the last
// successful upload. Failed files stay unrecorded and retry on the next
// cycle.
func (e *Engine) SyncChanged() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncChangedLocked()
}

func (e *Engine) syncChangedLocked() error {
	changed, err := e.ChangedFiles()
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	e.logger.Info("syncing changed files", slog.Int("count", len(changed)))
	var firstErr error
	for _, file := range changed {
		if err := e.UploadFile(file); err != nil {
			e.logger.Warn("upload failed",
				slog.String("file", file),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// TestConnection checks the remote and classifies the failure for the
// admin surface.
func (e *Engine) TestConnection() (bool, string) {
	if err := e.client.Connect(); err == nil {
		return true, "connection ok"
	} else if msg := classifyRemoteError(err); msg != "" {
		return false, msg
	} else {
		return false, err.Error()
	}
}

func classifyRemoteError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401"):
		return "authentication failed, check username and password"
	case strings.Contains(msg, "404"):
		return "remote path not found, check the URL"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "connection refused"):
		return "cannot reach the server, check the URL and network"
	}
	return ""
}

// Run drives the scan and backup cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	scanTicker := time.NewTicker(e.cfg.ScanInterval)
	defer scanTicker.Stop()
	backupTicker := time.NewTicker(e.cfg.BackupInterval)
	defer backupTicker.Stop()

	e.logger.Info("backup engine started",
		slog.Duration("scan_interval", e.cfg.ScanInterval),
		slog.Duration("backup_interval", e.cfg.BackupInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanTicker.C:
			if err := e.SyncChanged(); err != nil {
				e.logger.Warn("sync cycle failed", slog.String("error", err.Error()))
			}
		case <-backupTicker.C:
			if err := e.Backup(false); err != nil {
				e.logger.Warn("backup cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
