package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/sandbox"
	"github.com/psantana5/sweepbatch/pkg/storage"
)

// Staged object names under the run prefix
const (
	AssetsName = "assets.tar.gz"
	ConfigName = "config.json"
	CaseTable  = "buildstock.csv"
)

// stageCharacteristics copies the project's characteristic files next to
// where the sampler writes the case table, so one directory serves as
// lib/housing_characteristics everywhere.
func (d *Driver) stageCharacteristics() (string, error) {
	dst := d.stagedCharacteristicsDir()
	if err := os.MkdirAll(dst, 0755); err != nil {
		return "", err
	}
	src := d.Project.HousingCharacteristicsDir()
	entries, err := os.ReadDir(src)
	if errors.Is(err, os.ErrNotExist) {
		return dst, nil
	}
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == CaseTable {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return "", err
		}
	}
	return dst, nil
}

// assetEntries are the archive members every cloud worker unpacks
func (d *Driver) assetEntries() []storage.BundleEntry {
	cfg := d.Project
	return []storage.BundleEntry{
		{Source: cfg.MeasuresDir(), Name: "measures"},
		{Source: cfg.ResourcesDir(), Name: "lib/resources"},
		{Source: d.stagedCharacteristicsDir(), Name: "lib/housing_characteristics"},
		{Source: cfg.SeedsDir(), Name: "seeds"},
		{Source: filepath.Join(cfg.ProjectDirectory, "weather"), Name: "weather"},
	}
}

// stage uploads everything a cloud worker needs under the run prefix:
// the asset archive, compressed weather files, the project as JSON and the
// shard descriptors.
func (d *Driver) stage(ctx context.Context, shards []models.Shard, log logrus.FieldLogger) error {
	store, err := d.objectStore(ctx)
	if err != nil {
		return err
	}
	scratch, err := os.MkdirTemp("", "sweepbatch-stage-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	assets := filepath.Join(scratch, AssetsName)
	optional := func(e storage.BundleEntry) bool { return e.Name == "seeds" || e.Name == "weather" }
	if err := storage.Bundle(assets, d.assetEntries(), optional); err != nil {
		return err
	}
	if err := storage.PutFile(ctx, store, d.Env.Key(AssetsName), assets); err != nil {
		return fmt.Errorf("upload assets: %w", err)
	}

	n, err := storage.StageWeather(ctx, store, d.Project.WeatherDir(), d.Env.Prefix, filepath.Join(scratch, "weather"), d.StageWorkers)
	if err != nil {
		return fmt.Errorf("stage weather: %w", err)
	}

	cfgJSON, err := d.Project.JSON()
	if err != nil {
		return err
	}
	if err := storage.PutBytes(ctx, store, d.Env.Key(ConfigName), cfgJSON); err != nil {
		return fmt.Errorf("upload project: %w", err)
	}

	jobs, err := storage.UploadDir(ctx, store, d.Env.JobsDir(), d.Env.Key("jobs"), nil)
	if err != nil {
		return fmt.Errorf("upload descriptors: %w", err)
	}
	if jobs != len(shards) {
		return fmt.Errorf("uploaded %d descriptors for %d shards", jobs, len(shards))
	}

	log.WithFields(logrus.Fields{
		"weather_files": n,
		"descriptors":   jobs,
		"prefix":        d.Env.Key(),
	}).Info("Staged run inputs")
	return nil
}

// objectStore returns the configured store, opening the project's bucket on first use
func (d *Driver) objectStore(ctx context.Context) (storage.ObjectStore, error) {
	if d.Store != nil {
		return d.Store, nil
	}
	if d.Env.Bucket == "" {
		return nil, errors.New("no object store configured: aws.s3.bucket is empty")
	}
	awsCfg, err := awsbatch.LoadAWSConfig(ctx, d.Env.Region)
	if err != nil {
		return nil, err
	}
	d.Store = storage.NewS3Store(s3.NewFromConfig(awsCfg), d.Env.Bucket)
	return d.Store, nil
}

// bundleMounts exposes an unpacked asset archive rooted at dir
func bundleMounts(dir string) []sandbox.Mount {
	var mounts []sandbox.Mount
	for _, target := range []string{"measures", "lib/resources", "lib/housing_characteristics", "weather", "seeds"} {
		src := filepath.Join(dir, filepath.FromSlash(target))
		if _, err := os.Stat(src); err != nil && target == "seeds" {
			continue
		}
		mounts = append(mounts, sandbox.Mount{Source: src, Target: target, ReadOnly: true})
	}
	return mounts
}

// localMounts are the project mounts with the staged characteristics directory
func localMounts(d string, mounts []sandbox.Mount) []sandbox.Mount {
	out := make([]sandbox.Mount, len(mounts))
	copy(out, mounts)
	for i := range out {
		if out[i].Target == "lib/housing_characteristics" {
			out[i].Source = d
		}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
