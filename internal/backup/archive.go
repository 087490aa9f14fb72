package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Backup zips the data directory and uploads the archive. Without force,
// the backup is skipped when nothing changed since the last scan. The
// local zip is removed after upload and old remote archives are pruned to
// the configured count.
func (e *Engine) Backup(force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force {
		changed, err := e.ChangedFiles()
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			e.logger.Debug("no changes, skipping backup")
			return nil
		}
		// Mirror the changes first so the archive and the file mirror
		// agree on content.
		if err := e.syncChangedLocked(); err != nil {
			e.logger.Warn("pre-backup sync failed", slog.String("error", err.Error()))
		}
	}

	e.emit(Progress{Type: "backup", Status: "preparing"})

	stamp := e.now().UTC().Format("2006-01-02T15-04-05")
	zipName := archivePrefix + stamp + ".zip"
	zipPath, err := e.createArchive(zipName)
	if err != nil {
		e.log("backup", zipName, "error", err.Error())
		return err
	}
	defer os.Remove(zipPath)

	content, err := os.ReadFile(zipPath)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	e.emit(Progress{Type: "backup", Status: "uploading", File: zipName, Total: int64(len(content))})

	remotePath := path.Join(backupRoot, zipName)
	if err := e.client.MkdirAll(backupRoot, remoteFilePerm); err != nil {
		e.log("backup", zipName, "error", err.Error())
		return fmt.Errorf("%w: creating backup dir: %v", ErrRemoteUnavailable, err)
	}
	if err := e.client.Write(remotePath, content, remoteFilePerm); err != nil {
		e.emit(Progress{Type: "backup", Status: "error", File: zipName, Message: err.Error()})
		e.log("backup", zipName, "error", err.Error())
		return fmt.Errorf("%w: uploading archive: %v", ErrRemoteUnavailable, err)
	}

	e.emit(Progress{Type: "backup", Status: "success", File: zipName, Current: int64(len(content)), Total: int64(len(content))})
	e.log("backup", zipName, "success", "")

	e.pruneBackups()
	return nil
}

// createArchive writes a zip of the data directory into the directory
// itself under a temp name, renaming to zipName when complete so a crash
// never leaves a plausible-looking partial archive.
func (e *Engine) createArchive(zipName string) (string, error) {
	tmp, err := os.CreateTemp(e.cfg.DataPath, "temp-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpName := tmp.Name()

	zw := zip.NewWriter(tmp)
	err = filepath.WalkDir(e.cfg.DataPath, func(p string, d os.DirEntry, err error) error {
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
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing archive: %w", err)
	}

	finalPath := filepath.Join(e.cfg.DataPath, zipName)
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("renaming archive: %w", err)
	}
	return finalPath, nil
}

// remoteBackups lists the remote archives newest first.
func (e *Engine) remoteBackups() ([]os.FileInfo, error) {
	entries, err := e.client.ReadDir(backupRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: listing backups: %v", ErrRemoteUnavailable, err)
	}
	var backups []os.FileInfo
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), archivePrefix) {
			backups = append(backups, entry)
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime().After(backups[j].ModTime())
	})
	return backups, nil
}

// pruneBackups removes remote archives beyond the retention count.
// Failures are logged, not fatal; the next cycle retries.
func (e *Engine) pruneBackups() {
	backups, err := e.remoteBackups()
	if err != nil {
		e.logger.Warn("listing backups failed", slog.String("error", err.Error()))
		return
	}
	for _, old := range backups[min(e.cfg.MaxBackups, len(backups)):] {
		if err := e.client.Remove(path.Join(backupRoot, old.Name())); err != nil {
			e.logger.Warn("removing old backup failed",
				slog.String("file", old.Name()),
				slog.String("error", err.Error()))
		}
	}
}

// Restore pulls data back from the remote: mirrored files when any exist,
// otherwise the newest archive.
func (e *Engine) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	files, err := e.walkRemote(mirrorRoot)
	if err == nil && len(files) > 0 {
		e.logger.Info("restoring mirrored files", slog.Int("count", len(files)))
		for _, file := range files {
			if err := e.DownloadFile(file); err != nil {
				return err
			}
		}
		e.log("restore", "mirror", "success", fmt.Sprintf("%d files", len(files)))
		return nil
	}

	return e.restoreLatestArchive()
}

// walkRemote returns the relative paths of every file under root.
func (e *Engine) walkRemote(root string) ([]string, error) {
	var files []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := e.client.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("%w: listing %s: %v", ErrRemoteUnavailable, dir, err)
		}
		for _, entry := range entries {
			full := path.Join(dir, entry.Name())
			if entry.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			files = append(files, strings.TrimPrefix(full, root+"/"))
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return files, nil
}

func (e *Engine) restoreLatestArchive() error {
	backups, err := e.remoteBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		e.log("restore", "latest-backup", "error", "no backups on remote")
		return fmt.Errorf("no backups on remote")
	}

	latest := backups[0]
	content, err := e.client.Read(path.Join(backupRoot, latest.Name()))
	if err != nil {
		e.log("restore", latest.Name(), "error", err.Error())
		return fmt.Errorf("%w: downloading archive: %v", ErrRemoteUnavailable, err)
	}

	zipPath := filepath.Join(e.cfg.DataPath, "temp-restore.zip")
	if err := os.WriteFile(zipPath, content, 0o600); err != nil {
		return fmt.Errorf("writing restore archive: %w", err)
	}
	defer os.Remove(zipPath)

	if err := extractArchive(zipPath, e.cfg.DataPath); err != nil {
		e.log("restore", latest.Name(), "error", err.Error())
		return err
	}

	e.log("restore", latest.Name(), "success", "")
	return nil
}

func extractArchive(zipPath, targetDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	for _, file := range zr.File {
		dest := filepath.Join(targetDir, filepath.FromSlash(file.Name))
		if !strings.HasPrefix(dest, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes target dir: %s", file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("reading archive entry %s: %w", file.Name, err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return fmt.Errorf("extracting %s: %w", file.Name, err)
		}
		out.Close()
		rc.Close()
	}
	return nil
}
