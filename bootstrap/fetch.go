package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Tutortoise/object-detection-service/logger"
)

// Artifact is a file the service needs locally, with the URL to fetch it from.
type Artifact struct {
	Name string
	URL  string
	Path string
}

// Fetcher downloads artifacts that are missing locally. Concurrent requests for the
// same destination share one download.
type Fetcher struct {
	client    *http.Client
	log       *logger.Logger
	group     singleflight.Group
	downloads atomic.Int64
}

func NewFetcher(client *http.Client, log *logger.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, log: log}
}

// Downloads is the number of retrievals actually performed.
func (f *Fetcher) Downloads() int64 {
	return f.downloads.Load()
}

// FetchAll retrieves every artifact concurrently and waits for all of them.
func (f *Fetcher) FetchAll(ctx context.Context, artifacts ...Artifact) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range artifacts {
		a := a
		g.Go(func() error {
			return f.Fetch(ctx, a)
		})
	}
	return g.Wait()
}

// Fetch makes sure a.Path exists, downloading it from a.URL if it does not.
func (f *Fetcher) Fetch(ctx context.Context, a Artifact) error {
	if exists(a.Path) {
		f.log.Debug("artifact present, skipping fetch", "artifact", a.Name, "path", a.Path)
		return nil
	}

	_, err, _ := f.group.Do(a.Path, func() (interface{}, error) {
		if exists(a.Path) {
			return nil, nil
		}
		return nil, f.download(ctx, a)
	})
	if err != nil {
		return loadError(a.Name, err)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, a Artifact) error {
	if a.URL == "" {
		return errors.Errorf("%s is not present at %s and no URL is configured", a.Name, a.Path)
	}

	f.log.Info("fetching artifact", "artifact", a.Name, "url", a.URL, "path", a.Path)
	f.downloads.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", a.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: unexpected status %s", a.URL, resp.Status)
	}

	dir := filepath.Dir(a.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create artifact directory")
	}

	// write beside the destination so the rename stays on one filesystem
	tmp, err := os.CreateTemp(dir, filepath.Base(a.Path)+".part-*")
	if err != nil {
		return errors.Wrap(err, "create temporary file")
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "write %s", a.Path)
	}

	if err := os.Rename(tmpName, a.Path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "move %s into place", a.Path)
	}

	f.log.Info("artifact fetched", "artifact", a.Name, "bytes", n)
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
