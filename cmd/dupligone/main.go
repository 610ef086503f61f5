// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/cfgstruct"
	"storj.io/common/errs2"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"storj.io/dupligone/blobstore"
	"storj.io/dupligone/blobstore/diskstore"
	"storj.io/dupligone/blobstore/s3store"
	"storj.io/dupligone/catalog/boltcatalog"
	"storj.io/dupligone/jobq/redisq"
	"storj.io/dupligone/maintenance"
	"storj.io/dupligone/pipeline"
	"storj.io/dupligone/web"
	"storj.io/dupligone/worker"
)

var (
	rootCmd = &cobra.Command{
		Use:   "dupligone",
		Short: "Near-duplicate photo cleanup service",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the API server, the job worker and the cleanup chore",
		RunE:  cmdRun,
	}
	confDir string

	runCfg   Config
	setupCfg Config
)

// BlobConfig selects and configures the blob store backend.
type BlobConfig struct {
	Backend string `help:"blob store backend: s3 or disk" default:"s3"`
	Disk    string `help:"directory for the disk backend" default:"$CONFDIR/blobs"`
	S3      s3store.Config
}

// Config is the top level service configuration.
type Config struct {
	Database string `help:"path to the catalog database file" default:"$CONFDIR/catalog.db"`
	Redis    string `help:"redis URL for the job queue and job statuses" default:"redis://localhost:6379?db=0"`

	Blobs    BlobConfig
	API      web.Config
	Pipeline pipeline.Config
	Worker   worker.Config
	Cleanup  maintenance.Config
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("dupligone configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func openBlobs(log *zap.Logger, config BlobConfig) (blobstore.Store, error) {
	switch config.Backend {
	case "s3":
		return s3store.New(log, config.S3)
	case "disk":
		return diskstore.New(config.Disk)
	default:
		return nil, errs.New("unknown blob backend %q", config.Backend)
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	cat, err := boltcatalog.New(log.Named("catalog"), runCfg.Database)
	if err != nil {
		return errs.New("error opening catalog: %+v", err)
	}
	defer func() { err = errs.Combine(err, cat.Close()) }()

	blobs, err := openBlobs(log.Named("blobs"), runCfg.Blobs)
	if err != nil {
		return errs.New("error opening blob store: %+v", err)
	}

	queue, err := redisq.New(runCfg.Redis)
	if err != nil {
		return errs.New("error connecting to redis: %+v", err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	pipe := pipeline.New(log.Named("pipeline"), cat, blobs, queue, queue, runCfg.Pipeline)

	listener, err := net.Listen("tcp", runCfg.API.Address)
	if err != nil {
		return errs.New("error binding %s: %+v", runCfg.API.Address, err)
	}
	server := web.NewServer(log.Named("api"), pipe, cat, queue, listener)
	jobs := worker.New(log.Named("worker"), pipe, queue, runCfg.Worker)
	chore := maintenance.NewChore(log.Named("cleanup"), cat, blobs, runCfg.Cleanup)
	defer func() { err = errs.Combine(err, chore.Close()) }()

	log.Info("dupligone started", zap.String("address", server.Addr()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(ctx)
	})
	group.Go(func() error {
		return ignoreCancel(jobs.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(chore.Run(ctx))
	})
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errs2.IsCanceled(err) {
		return nil
	}
	return err
}

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "dupligone")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for dupligone configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("dupligone")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
