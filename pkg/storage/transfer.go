package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// UploadDir uploads every regular file under dir to prefix/<relative path>.
// skip is consulted with the slash-separated relative path; returning true
// for a directory skips its whole subtree. It returns the number of files sent.
func UploadDir(ctx context.Context, store ObjectStore, dir, prefix string, skip func(rel string, d fs.DirEntry) bool) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := PutFile(ctx, store, path.Join(prefix, rel), p); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// WeatherKey is the object key of a compressed weather file
func WeatherKey(prefix, name string) string {
	return path.Join(prefix, "weather", name+".gz")
}

// StageWeather gzips every weather file in srcDir and uploads it under
// prefix/weather. Files are compressed in parallel, at most workers at a time.
func StageWeather(ctx context.Context, store ObjectStore, srcDir, prefix, scratch string, workers int) (int, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list weather files: %w", err)
	}
	if workers <= 0 {
		workers = 4
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".epw") {
			continue
		}
		name := e.Name()
		count++
		g.Go(func() error {
			gz := filepath.Join(scratch, name+".gz")
			if err := GzipFile(filepath.Join(srcDir, name), gz); err != nil {
				return fmt.Errorf("compress %s: %w", name, err)
			}
			defer os.Remove(gz)
			return PutFile(ctx, store, WeatherKey(prefix, name), gz)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}

// FetchWeather downloads and decompresses the named weather files into dir
func FetchWeather(ctx context.Context, store ObjectStore, prefix string, names []string, dir string) error {
	for _, name := range names {
		rc, err := store.Get(ctx, WeatherKey(prefix, name))
		if err != nil {
			return err
		}
		err = Gunzip(rc, filepath.Join(dir, name))
		rc.Close()
		if err != nil {
			return fmt.Errorf("decompress %s: %w", name, err)
		}
	}
	return nil
}
