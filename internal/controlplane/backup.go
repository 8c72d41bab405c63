package controlplane

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
)

// handleAdminBackup snapshots the lifelog and observability databases via
// SQLite's VACUUM INTO and streams them back as a zip bundle. The
// digital-task database isn't included: the control plane only holds a
// *digitaltask.Service, which doesn't expose its underlying *store.TaskDB.
func (s *Server) handleAdminBackup(c *gin.Context) {
	tmpDir, err := os.MkdirTemp("", "gateway-backup-*")
	if err != nil {
		respondError(c, err)
		return
	}
	defer os.RemoveAll(tmpDir)

	lifelogPath := filepath.Join(tmpDir, "lifelog.db")
	if err := s.lifelog.BackupTo(lifelogPath); err != nil {
		respondError(c, err)
		return
	}

	var observabilityPath string
	if s.observability != nil {
		observabilityPath = filepath.Join(tmpDir, "observability.db")
		if err := s.observability.BackupTo(observabilityPath); err != nil {
			respondError(c, err)
			return
		}
	}

	bundlePath := filepath.Join(tmpDir, "bundle.zip")
	if err := zipFiles(bundlePath, map[string]string{
		"lifelog.db":       lifelogPath,
		"observability.db": observabilityPath,
	}); err != nil {
		respondError(c, err)
		return
	}

	filename := fmt.Sprintf("gateway-backup-%d.zip", time.Now().UnixMilli())
	c.FileAttachment(bundlePath, filename)
}

func zipFiles(destPath string, sources map[string]string) error {
	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	w := zip.NewWriter(dest)
	defer w.Close()

	for name, path := range sources {
		if path == "" {
			continue
		}
		if err := addFileToZip(w, name, path); err != nil {
			return err
		}
	}
	return nil
}

func addFileToZip(w *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := w.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}
