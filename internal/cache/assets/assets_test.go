package assets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/kv"
	"goflare.io/hearth/models"
)

// fakeDownloader writes size bytes of filler to dest.
type fakeDownloader struct {
	size  int64
	fail  bool
	calls atomic.Int32
}

func (d *fakeDownloader) Download(_ context.Context, _, dest string) (int64, error) {
	d.calls.Inc()
	if d.fail {
		return 0, errors.New("network down")
	}
	if err := os.WriteFile(dest, bytes.Repeat([]byte("x"), int(d.size)), 0o644); err != nil {
		return 0, err
	}
	return d.size, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	cfg.Logger = zap.NewNop()
	cfg.AssetDir = t.TempDir()
	return cfg
}

func mustNewCache(t *testing.T, kvs kv.Store, cfg *config.Config, dl Downloader) *Cache {
	t.Helper()
	c, err := New(kvs, cfg, dl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestResolve_DownloadsOnceThenHits(t *testing.T) {
	cfg := testConfig(t)
	dl := &fakeDownloader{size: 10}
	c := mustNewCache(t, kv.NewMemory(), cfg, dl)
	ctx := t.Context()

	local := c.Resolve(ctx, "https://cdn.example.com/catalogues/img1.png", models.PriorityNormal)
	if local == "https://cdn.example.com/catalogues/img1.png" {
		t.Fatal("expected a local path, got the remote URL")
	}
	if filepath.Dir(local) != cfg.AssetDir {
		t.Fatalf("local path %q not under cache dir", local)
	}
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("cached file missing: %v", err)
	}

	again := c.Resolve(ctx, "https://cdn.example.com/catalogues/img1.png", models.PriorityNormal)
	if again != local {
		t.Fatalf("second resolve = %q, want %q", again, local)
	}
	if n := dl.calls.Load(); n != 1 {
		t.Fatalf("downloader called %d times, want 1", n)
	}
}

func TestResolve_FailOpen(t *testing.T) {
	cfg := testConfig(t)
	c := mustNewCache(t, kv.NewMemory(), cfg, &fakeDownloader{fail: true})
	ctx := t.Context()

	url := "https://cdn.example.com/broken.png"
	if got := c.Resolve(ctx, url, models.PriorityNormal); got != url {
		t.Fatalf("got %q, want the remote URL back", got)
	}

	// Nothing was indexed for the failed download.
	if stats := c.Stats(ctx); stats.Items != 0 {
		t.Fatalf("stats.Items = %d, want 0", stats.Items)
	}
}

func TestResolve_MissingFileIsMiss(t *testing.T) {
	cfg := testConfig(t)
	dl := &fakeDownloader{size: 10}
	c := mustNewCache(t, kv.NewMemory(), cfg, dl)
	ctx := t.Context()

	url := "https://cdn.example.com/img2.png"
	local := c.Resolve(ctx, url, models.PriorityNormal)
	if err := os.Remove(local); err != nil {
		t.Fatalf("remove cached file: %v", err)
	}

	// Index record points at a vanished file: pruned, then re-downloaded.
	c.Resolve(ctx, url, models.PriorityNormal)
	if n := dl.calls.Load(); n != 2 {
		t.Fatalf("downloader called %d times, want 2", n)
	}
}

func TestResolve_StaleEntryRedownloaded(t *testing.T) {
	cfg := testConfig(t)
	cfg.AssetMaxAge = 30 * time.Millisecond
	dl := &fakeDownloader{size: 10}
	c := mustNewCache(t, kv.NewMemory(), cfg, dl)
	ctx := t.Context()

	url := "https://cdn.example.com/img3.png"
	c.Resolve(ctx, url, models.PriorityNormal)
	time.Sleep(60 * time.Millisecond)
	c.Resolve(ctx, url, models.PriorityNormal)

	if n := dl.calls.Load(); n != 2 {
		t.Fatalf("downloader called %d times, want 2", n)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	c := mustNewCache(t, kv.NewMemory(), cfg, &fakeDownloader{size: 10})
	ctx := t.Context()

	url := "https://cdn.example.com/img4.png"
	local := c.Resolve(ctx, url, models.PriorityLow)

	if err := c.Remove(ctx, url); err != nil {
		t.Fatalf("Remove 1: %v", err)
	}
	if err := c.Remove(ctx, url); err != nil {
		t.Fatalf("Remove 2: %v", err)
	}
	if _, err := os.Stat(local); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("cached file must be gone")
	}
	if stats := c.Stats(ctx); stats.Items != 0 {
		t.Fatalf("stats.Items = %d, want 0", stats.Items)
	}
}

func TestEviction_OldestLowestPriorityFirst(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAssetBytes = 100
	dl := &fakeDownloader{size: 40}
	c := mustNewCache(t, kv.NewMemory(), cfg, dl)
	ctx := t.Context()

	c.Resolve(ctx, "https://cdn.example.com/low.png", models.PriorityLow)
	c.Resolve(ctx, "https://cdn.example.com/norm.png", models.PriorityNormal)
	// Third insert pushes the total to 120 bytes; the low-priority entry
	// goes first and 80 bytes fit the budget again.
	c.Resolve(ctx, "https://cdn.example.com/high.png", models.PriorityHigh)

	stats := c.Stats(ctx)
	if stats.TotalBytes != 80 || stats.Items != 2 {
		t.Fatalf("stats = %+v, want 2 items / 80 bytes", stats)
	}
	if stats.ByPriority[models.PriorityLow] != 0 {
		t.Fatal("low-priority entry must be evicted first")
	}
	if stats.ByPriority[models.PriorityHigh] != 1 || stats.ByPriority[models.PriorityNormal] != 1 {
		t.Fatalf("stats = %+v, want the normal and high entries kept", stats)
	}
}

func TestEviction_NeverRemovesHighPriority(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAssetBytes = 50
	dl := &fakeDownloader{size: 40}
	c := mustNewCache(t, kv.NewMemory(), cfg, dl)
	ctx := t.Context()

	c.Resolve(ctx, "https://cdn.example.com/hero1.png", models.PriorityHigh)
	c.Resolve(ctx, "https://cdn.example.com/hero2.png", models.PriorityHigh)

	// Over budget, but high entries are protected: nothing may go.
	stats := c.Stats(ctx)
	if stats.Items != 2 || stats.TotalBytes != 80 {
		t.Fatalf("stats = %+v, want both high entries kept", stats)
	}
}

func TestIndex_SurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	mem := kv.NewMemory()
	dl := &fakeDownloader{size: 10}
	ctx := t.Context()

	first := mustNewCache(t, mem, cfg, dl)
	url := "https://cdn.example.com/img5.png"
	local := first.Resolve(ctx, url, models.PriorityNormal)

	// A new instance over the same store and directory serves the file
	// without another download.
	second := mustNewCache(t, mem, cfg, dl)
	if got := second.Resolve(ctx, url, models.PriorityNormal); got != local {
		t.Fatalf("got %q, want %q", got, local)
	}
	if n := dl.calls.Load(); n != 1 {
		t.Fatalf("downloader called %d times, want 1", n)
	}
}

func TestClear_WipesDirectoryAndIndex(t *testing.T) {
	cfg := testConfig(t)
	mem := kv.NewMemory()
	c := mustNewCache(t, mem, cfg, &fakeDownloader{size: 10})
	ctx := t.Context()

	local := c.Resolve(ctx, "https://cdn.example.com/img6.png", models.PriorityNormal)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(local); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("cached file must be gone after clear")
	}
	if stats := c.Stats(ctx); stats.Items != 0 {
		t.Fatalf("stats.Items = %d, want 0", stats.Items)
	}
	if mem.Len() != 0 {
		t.Fatalf("store still holds %d records, want 0", mem.Len())
	}
}

func TestFilenameFor(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want func(string) bool
	}{
		{
			name: "short safe basename kept verbatim",
			url:  "https://cdn.example.com/catalogues/img1.png",
			want: func(got string) bool { return got == "img1.png" },
		},
		{
			name: "query string ignored",
			url:  "https://cdn.example.com/img.jpeg?w=400&h=300",
			want: func(got string) bool { return got == "img.jpeg" },
		},
		{
			name: "unsafe characters hashed with extension kept",
			url:  "https://cdn.example.com/my%20image.png",
			want: func(got string) bool {
				return strings.HasSuffix(got, ".png") && got != "my image.png" && got != "my%20image.png"
			},
		},
		{
			name: "long basename hashed",
			url:  "https://cdn.example.com/" + strings.Repeat("a", 80) + ".jpg",
			want: func(got string) bool { return strings.HasSuffix(got, ".jpg") && len(got) <= 24 },
		},
		{
			name: "unknown extension falls back",
			url:  "https://cdn.example.com/asset<odd>",
			want: func(got string) bool { return strings.HasSuffix(got, ".img") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filenameFor(tt.url)
			if !tt.want(got) {
				t.Fatalf("filenameFor(%q) = %q", tt.url, got)
			}
			// Deterministic.
			if again := filenameFor(tt.url); again != got {
				t.Fatalf("not deterministic: %q then %q", got, again)
			}
		})
	}
}
