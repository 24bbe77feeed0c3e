package jobs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hubward/jobd/internal/worker/files"
)

// Clean empties the job's working directory. Deletion is best effort:
// an entry that cannot be removed is logged as a warning and left in
// place, and the job still succeeds with whatever remains.
type Clean struct {
	Job
}

func (c *Clean) Do(ctx context.Context) (any, error) {
	dir, err := os.ReadDir(c.WorkDir)
	if err != nil {
		return nil, err
	}

	removed := 0
	for _, entry := range dir {
		path := filepath.Join(c.WorkDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			c.Warn("could not remove %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	c.Info("removed %d of %d entries", removed, len(dir))

	manifest, err := files.List(c.WorkDir)
	if err != nil {
		return nil, err
	}
	return manifest, nil
}
