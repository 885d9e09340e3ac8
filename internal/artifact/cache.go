// Package artifact downloads and caches restore images keyed by source URL.
//
// A cached file is only ever created by renaming a completed download into
// place, so readers never observe partial data at the final path.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/metrics"
	"github.com/javanstorm/macbox/pkg/hypervisor"
)

// Defaults for Options.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
)

const partialSuffix = ".partial"

// Artifact is a restore image present in the cache.
type Artifact struct {
	SourceURL string
	Path      string

	// Descriptor is parsed from the file on disk after it is in place.
	Descriptor *hypervisor.ArtifactDescriptor

	// Downloaded is true if this call fetched the file.
	Downloaded bool

	// Digest is the hex BLAKE2b-256 of the downloaded bytes. Empty on cache hits.
	Digest string
}

// Options configures a Cache.
type Options struct {
	// Dir holds one file per source URL.
	Dir string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	MaxAttempts    int
	InitialBackoff time.Duration

	// Sleep waits between attempts. It must return ctx.Err() if ctx is
	// cancelled first. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error

	Metrics *metrics.Metrics
	Log     logr.Logger
}

// Cache acquires restore images.
type Cache struct {
	dir         string
	source      hypervisor.ArtifactSource
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	metrics     *metrics.Metrics
	log         logr.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context shared by every caller waiting on one download. It
// is cancelled once the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a cache that validates files with source.
func New(source hypervisor.ArtifactSource, opts Options) *Cache {
	c := &Cache{
		dir:         opts.Dir,
		source:      source,
		client:      opts.Client,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.InitialBackoff,
		sleep:       opts.Sleep,
		metrics:     opts.Metrics,
		log:         opts.Log.WithName("artifact"),
		flights:     make(map[string]*flight),
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.backoff <= 0 {
		c.backoff = DefaultInitialBackoff
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the cache path for sourceURL.
func (c *Cache) Path(sourceURL string) (string, error) {
	name, err := FileName(sourceURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.dir, name), nil
}

// FileName returns the final path segment of sourceURL.
func FileName(sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", errdefs.NewConfigError("restore_image", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", errdefs.NewConfigError("restore_image", fmt.Errorf("url %q has no file name", sourceURL))
	}
	return name, nil
}

// Acquire returns the cached artifact for sourceURL, downloading it first if
// needed. Concurrent calls for the same URL share one download. Cancelling ctx
// only abandons this caller's wait; the download stops once no caller is left.
func (c *Cache) Acquire(ctx context.Context, sourceURL string) (*Artifact, error) {
	dest, err := c.Path(sourceURL)
	if err != nil {
		return nil, err
	}

	f := c.join(ctx, dest)
	defer c.leave(dest, f)

	ch := c.group.DoChan(dest, func() (any, error) {
		return c.acquire(f.ctx, sourceURL, dest)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", sourceURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		art := *res.Val.(*Artifact)
		if res.Shared {
			c.log.V(1).Info("shared in-flight acquisition", "url", sourceURL)
		}
		return &art, nil
	}
}

func (c *Cache) join(ctx context.Context, dest string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flights[dest]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[dest] = f
	}
	f.waiters++
	return f
}

func (c *Cache) leave(dest string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[dest] == f {
		delete(c.flights, dest)
		// Later callers must not join the cancelled call.
		c.group.Forget(dest)
	}
}

func (c *Cache) acquire(ctx context.Context, sourceURL, dest string) (*Artifact, error) {
	log := c.log.WithValues("url", sourceURL)
	art := &Artifact{SourceURL: sourceURL, Path: dest}

	info, err := os.Stat(dest)
	switch {
	case err == nil && info.Mode().IsRegular():
		log.V(1).Info("cache hit", "path", dest)
		c.metrics.CacheHit()
	case err == nil || errors.Is(err, fs.ErrNotExist):
		log.Info("downloading restore image", "path", dest)
		digest, err := c.download(ctx, log, sourceURL, dest)
		if err != nil {
			return nil, err
		}
		art.Downloaded = true
		art.Digest = digest
	default:
		return nil, fmt.Errorf("stat cached artifact: %w", err)
	}

	desc, err := c.source.LoadArtifact(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w: %w", dest, errdefs.ErrCorruptArtifact, err)
	}
	if desc.URL == "" {
		desc.URL = sourceURL
	}
	art.Descriptor = desc
	return art, nil
}

// download fetches sourceURL with bounded retries and renames the result to
// dest. Rename failures are not retried.
func (c *Cache) download(ctx context.Context, log logr.Logger, sourceURL, dest string) (string, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		tmp, digest, n, err := c.fetch(ctx, sourceURL, filepath.Base(dest))
		c.metrics.DownloadAttempt(err)
		if err == nil {
			if err := install(tmp, dest); err != nil {
				return "", err
			}
			c.metrics.Downloaded(n)
			log.Info("download complete", "bytes", n, "attempts", attempt)
			return digest, nil
		}

		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("download %s: %w", sourceURL, ctxErr)
		}
		log.Info("download attempt failed", "warning", true, "attempt", attempt, "maxAttempts", c.maxAttempts, "error", err.Error())
		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoff << (attempt - 1)
		if err := c.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("download %s: %w", sourceURL, err)
		}
	}

	return "", &errdefs.DownloadError{URL: sourceURL, Attempts: c.maxAttempts, Err: lastErr}
}

// fetch performs one download attempt into a temp file in the cache dir.
func (c *Cache) fetch(ctx context.Context, sourceURL, name string) (string, string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", "", 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("download failed: %s (URL: %s)", resp.Status, sourceURL)
	}

	f, err := os.CreateTemp(c.dir, name+".*"+partialSuffix)
	if err != nil {
		return "", "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	h, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", 0, err
	}

	n, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", "", 0, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		os.Remove(tmp)
		return "", "", 0, fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}

	return tmp, hex.EncodeToString(h.Sum(nil)), n, nil
}

// install moves tmp onto dest, removing whatever is at dest first.
func install(tmp, dest string) error {
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return fmt.Errorf("remove stale artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Entry is a file in the cache.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns the completed files in the cache.
func (c *Cache) List() ([]Entry, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}

	var out []Entry
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    e.Name(),
			Path:    filepath.Join(c.dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// Clear removes every file in the cache, including leftover partial
// downloads, and returns the number removed.
func (c *Cache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	var errs []error
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
