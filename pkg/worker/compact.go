package worker

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/sweepbatch/pkg/storage"
)

// compact shrinks a finished unit directory before upload: the timeseries
// CSV is gzipped, files already packed in run/data_point.zip are removed and
// the reports directory is dropped.
func compact(dir string) error {
	runDir := filepath.Join(dir, "run")

	csv := filepath.Join(runDir, "enduse_timeseries.csv")
	if _, err := os.Stat(csv); err == nil {
		if err := storage.GzipFile(csv, csv+".gz"); err != nil {
			return err
		}
		if err := os.Remove(csv); err != nil {
			return err
		}
	}

	if err := removeZipped(runDir, filepath.Join(runDir, "data_point.zip")); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(dir, "reports"))
}

func removeZipped(runDir, zipPath string) error {
	zr, err := zip.OpenReader(zipPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.Contains(f.Name, "..") {
			continue
		}
		target := filepath.Join(runDir, filepath.FromSlash(f.Name))
		if filepath.Base(target) == "unit.state" || target == zipPath {
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// pruneOutputs removes everything in dir except the state marker and the engine log
func pruneOutputs(dir, logName string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		switch e.Name() {
		case logName:
			continue
		case "run":
			runEntries, err := os.ReadDir(filepath.Join(dir, "run"))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, re := range runEntries {
				if re.Name() == filepath.Base(MarkerPath(dir)) {
					continue
				}
				errs = append(errs, os.RemoveAll(filepath.Join(dir, "run", re.Name())))
			}
		default:
			errs = append(errs, os.RemoveAll(filepath.Join(dir, e.Name())))
		}
	}
	return errors.Join(errs...)
}
