// Package files builds manifests of the files a job produced. The
// manifest is returned as the job result so callers can diff a
// project's working directory before and after a job.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// Info describes one file in a job's working directory.
type Info struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Mimetype    string    `json:"mimetype,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Modified    time.Time `json:"modified"`
}

// List walks dir and returns an entry per regular file, with paths
// relative to dir. Hidden directories like .git are skipped.
func List(dir string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name != "." && len(name) > 0 && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		stat, err := d.Info()
		if err != nil {
			return err
		}
		fingerprint, err := Fingerprint(path)
		if err != nil {
			return err
		}

		infos = append(infos, Info{
			Path:        filepath.ToSlash(rel),
			Size:        stat.Size(),
			Mimetype:    mime.TypeByExtension(filepath.Ext(path)),
			Fingerprint: fingerprint,
			Modified:    stat.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Fingerprint returns the hex SHA-256 of a file's content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EnsureParent creates the directory containing path.
func EnsureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
