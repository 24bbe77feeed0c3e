package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hubward/jobd/internal/cache"
	"github.com/hubward/jobd/internal/storage"
	"github.com/hubward/jobd/internal/util"
	"github.com/hubward/jobd/internal/worker/files"
	"github.com/hubward/jobd/internal/worker/paths"
	"github.com/hubward/jobd/model"
)

// UnknownSourceError is returned for a source type no handler
// recognizes.
type UnknownSourceError struct {
	Type string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source type %q", e.Type)
}

// UnsafeHostError is returned when a pull URL resolves to a loopback
// or private address. Pulls run inside the cluster, so letting them
// reach internal services would be a server-side request forgery.
type UnsafeHostError struct {
	Host string
}

func (e *UnsafeHostError) Error() string {
	return fmt.Sprintf("host %q resolves to a private or loopback address", e.Host)
}

// Pull fetches content from an external source into a path within the
// working directory.
type Pull struct {
	Job
	Params model.PullParams
	Cache  cache.Cache
	Store  storage.Storage
	Client *http.Client
}

func (p *Pull) Do(ctx context.Context) (any, error) {
	switch p.Params.Source.Type {
	case "url":
		if err := p.pullURL(ctx); err != nil {
			return nil, err
		}
	case "upload":
		if err := p.pullUpload(ctx); err != nil {
			return nil, err
		}
	case "elife":
		if err := p.pullElife(ctx); err != nil {
			return nil, err
		}
	case "":
		return nil, &UnknownSourceError{Type: ""}
	default:
		return nil, &UnknownSourceError{Type: p.Params.Source.Type}
	}
	return files.List(p.WorkDir)
}

func (p *Pull) destination(fallback string) (string, error) {
	rel := p.Params.Path
	if rel == "" {
		rel = fallback
	}
	return paths.JoinAndValidate(p.WorkDir, rel)
}

func (p *Pull) pullURL(ctx context.Context) error {
	source := p.Params.Source
	if source.URL == "" {
		return fmt.Errorf("url source has no url")
	}
	dest, err := p.destination("pulled")
	if err != nil {
		return err
	}

	data, err := p.fetch(ctx, source.URL)
	if err != nil {
		return err
	}
	if err := files.EnsureParent(dest); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	p.Info("pulled %d bytes from %s", len(data), source.URL)
	return nil
}

// pullUpload retrieves a previously uploaded file from the object
// store.
func (p *Pull) pullUpload(ctx context.Context) error {
	source := p.Params.Source
	if source.Name == "" {
		return fmt.Errorf("upload source has no name")
	}
	if p.Store == nil {
		return fmt.Errorf("no object store configured for upload sources")
	}
	dest, err := p.destination(source.Name)
	if err != nil {
		return err
	}

	object := fmt.Sprintf("uploads/%d/%s", p.Params.Project, source.Name)
	data, err := p.Store.Download(ctx, object)
	if err != nil {
		return err
	}
	if err := files.EnsureParent(dest); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	p.Info("pulled upload %s (%d bytes)", source.Name, len(data))
	return nil
}

func (p *Pull) pullElife(ctx context.Context) error {
	article := p.Params.Source.Article
	if article <= 0 {
		return fmt.Errorf("elife source has no article number")
	}
	dest, err := p.destination(fmt.Sprintf("elife-%d.xml", article))
	if err != nil {
		return err
	}

	url := "https://elifesciences.org/articles/" + strconv.Itoa(article) + ".xml"
	data, err := p.fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := files.EnsureParent(dest); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	p.Info("pulled eLife article %d (%d bytes)", article, len(data))
	return nil
}

// fetch does a cached HTTP GET. Responses are cached by URL so that
// repeated pulls of an unchanged source skip the network.
func (p *Pull) fetch(ctx context.Context, url string) ([]byte, error) {
	key := util.GetPullCacheKey(url)
	if p.Cache != nil {
		if data, err := p.Cache.Get(ctx, key); err == nil {
			p.Debug("cache hit for %s", url)
			return data, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			p.Warn("cache read failed: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := checkHostSafe(req.URL.Hostname()); err != nil {
		return nil, err
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if p.Cache != nil {
		if err := p.Cache.Put(ctx, key, data); err != nil {
			p.Warn("cache write failed: %v", err)
		}
	}
	return data, nil
}

// checkHostSafe rejects hosts that resolve to loopback, private or
// link-local addresses.
func checkHostSafe(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return &UnsafeHostError{Host: host}
		}
	}
	return nil
}
