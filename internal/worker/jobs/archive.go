package jobs

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hubward/jobd/internal/storage"
	"github.com/hubward/jobd/internal/util"
	"github.com/hubward/jobd/internal/worker/files"
	"github.com/hubward/jobd/model"
)

// SnapshotExistsError is returned when a snapshot target already
// exists. Snapshots are immutable once taken; there is no overwrite.
type SnapshotExistsError struct {
	Path string
}

func (e *SnapshotExistsError) Error() string {
	return fmt.Sprintf("snapshot %q already exists", e.Path)
}

// snapshotPath returns the directory a snapshot of a project goes to,
// erroring if anything is already there.
func snapshotPath(snapshotDir string, params model.SnapshotParams) (string, error) {
	dest := filepath.Join(snapshotDir, strconv.FormatInt(params.Project, 10), params.Snapshot)
	if _, err := os.Stat(dest); err == nil {
		return "", &SnapshotExistsError{Path: dest}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dest, nil
}

// Archive copies the working directory into the snapshot directory and
// uploads a zip of it to the object store when one is configured.
type Archive struct {
	Job
	Params      model.SnapshotParams
	SnapshotDir string
	Store       storage.Storage
}

func (a *Archive) Do(ctx context.Context) (any, error) {
	dest, err := snapshotPath(a.SnapshotDir, a.Params)
	if err != nil {
		return nil, err
	}
	if err := copyDir(a.WorkDir, dest); err != nil {
		return nil, err
	}
	a.Info("archived working directory to %s", dest)

	zipPath := dest + ".zip"
	if err := zipDir(dest, zipPath); err != nil {
		return nil, err
	}

	if a.Store != nil {
		data, err := os.ReadFile(zipPath)
		if err != nil {
			return nil, err
		}
		object := util.GetSnapshotObjectPath(a.Params.Project, a.Params.Snapshot)
		if err := a.Store.Upload(ctx, object, data); err != nil {
			return nil, err
		}
		a.Info("uploaded snapshot to %s", object)
	}

	return files.List(dest)
}

// Zip compresses the working directory into a zip at the snapshot
// path without copying the tree first.
type Zip struct {
	Job
	Params      model.SnapshotParams
	SnapshotDir string
}

func (z *Zip) Do(ctx context.Context) (any, error) {
	dest, err := snapshotPath(z.SnapshotDir, z.Params)
	if err != nil {
		return nil, err
	}
	if err := files.EnsureParent(dest); err != nil {
		return nil, err
	}
	zipPath := dest + ".zip"
	if err := zipDir(z.WorkDir, zipPath); err != nil {
		return nil, err
	}
	z.Info("zipped working directory to %s", zipPath)
	return files.List(z.WorkDir)
}

// Copy copies the working directory into the snapshot directory and
// produces the zip alongside it, with no object store involved.
type Copy struct {
	Job
	Params      model.SnapshotParams
	SnapshotDir string
}

func (c *Copy) Do(ctx context.Context) (any, error) {
	dest, err := snapshotPath(c.SnapshotDir, c.Params)
	if err != nil {
		return nil, err
	}
	if err := copyDir(c.WorkDir, dest); err != nil {
		return nil, err
	}
	if err := zipDir(dest, dest+".zip"); err != nil {
		return nil, err
	}
	c.Info("copied working directory to %s", dest)
	return files.List(dest)
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := files.EnsureParent(dest); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func zipDir(src, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	w := zip.NewWriter(f)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		entry, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(entry, in)
		return err
	})
	if err != nil {
		w.Close()
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
