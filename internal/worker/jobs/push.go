package jobs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hubward/jobd/internal/storage"
	"github.com/hubward/jobd/internal/worker/paths"
	"github.com/hubward/jobd/model"
)

// Push uploads in-project paths back to an external source.
type Push struct {
	Job
	Params model.PushParams
	Store  storage.Storage
	Client *http.Client
}

func (p *Push) Do(ctx context.Context) (any, error) {
	if len(p.Params.Paths) == 0 {
		return nil, fmt.Errorf("push has no paths")
	}

	switch p.Params.Source.Type {
	case "url":
		return p.pushURL(ctx)
	case "upload":
		return p.pushUpload(ctx)
	default:
		return nil, &UnknownSourceError{Type: p.Params.Source.Type}
	}
}

func (p *Push) pushURL(ctx context.Context) (any, error) {
	source := p.Params.Source
	if source.URL == "" {
		return nil, fmt.Errorf("url source has no url")
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	pushed := make([]string, 0, len(p.Params.Paths))
	for _, rel := range p.Params.Paths {
		path, err := paths.JoinAndValidate(p.WorkDir, rel)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, source.URL, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if token := source.Token; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		} else if token := p.Params.Secrets["token"]; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("PUT %s for %s: %s", source.URL, rel, resp.Status)
		}
		p.Info("pushed %s (%d bytes)", rel, len(data))
		pushed = append(pushed, rel)
	}
	return map[string]any{"pushed": pushed}, nil
}

func (p *Push) pushUpload(ctx context.Context) (any, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("no object store configured for upload sources")
	}

	pushed := make([]string, 0, len(p.Params.Paths))
	for _, rel := range p.Params.Paths {
		path, err := paths.JoinAndValidate(p.WorkDir, rel)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		object := fmt.Sprintf("uploads/%d/%s", p.Params.Project, rel)
		if err := p.Store.Upload(ctx, object, data); err != nil {
			return nil, err
		}
		p.Info("pushed %s to %s", rel, object)
		pushed = append(pushed, rel)
	}
	return map[string]any{"pushed": pushed}, nil
}
