package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/config"
	"github.com/breeze-rmm/drivermgr/internal/device"
	"github.com/breeze-rmm/drivermgr/internal/download"
	"github.com/breeze-rmm/drivermgr/internal/fetch"
	"github.com/breeze-rmm/drivermgr/internal/health"
	"github.com/breeze-rmm/drivermgr/internal/installer"
	"github.com/breeze-rmm/drivermgr/internal/journal"
	"github.com/breeze-rmm/drivermgr/internal/logging"
	"github.com/breeze-rmm/drivermgr/internal/orchestrator"
	"github.com/breeze-rmm/drivermgr/internal/pkgstore"
	"github.com/breeze-rmm/drivermgr/internal/repository"
	"github.com/breeze-rmm/drivermgr/internal/validate"
)

var log = logging.L("main")

// app holds the wired components for one command invocation.
type app struct {
	cfg       *config.Config
	store     *pkgstore.Store
	journal   *journal.Journal
	downloads *download.Manager
	orch      *orchestrator.Orchestrator
	health    *health.Monitor
	logFile   *logging.RotatingWriter
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", res.Err())
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, health: health.NewMonitor()}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = rw
		out = logging.TeeWriter(os.Stderr, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	repo, err := newRepository(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	inst, err := installer.New(cfg.Installer, cfg.InstallCommand, cfg.UninstallCommand)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.store, err = pkgstore.Open(cfg.CacheDir)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open package store: %w", err)
	}
	if err := a.store.Sweep(); err != nil {
		log.Warn("sweeping package store", logging.KeyError, err)
	}

	a.journal, err = journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open journal: %w", err)
	}

	opener := fetch.NewRegistry(fetch.Options{
		HTTPClient:         fetch.NewHTTPClient(cfg.HTTPTimeout()),
		IdleTimeout:        cfg.HTTPTimeout(),
		AuthToken:          cfg.AuthToken,
		S3Region:           cfg.S3Region,
		S3Endpoint:         cfg.S3Endpoint,
		S3AccessKeyID:      cfg.S3AccessKeyID,
		S3SecretAccessKey:  cfg.S3SecretAccessKey,
		GCSCredentialsFile: cfg.GCSCredentialsFile,
		AzureAccountURL:    cfg.AzureAccountURL,
		B2AccountID:        cfg.B2AccountID,
		B2ApplicationKey:   cfg.B2ApplicationKey,
	})
	a.downloads = download.New(download.Config{
		Workers:          cfg.MaxConcurrentDownloads,
		ChunkSize:        cfg.ChunkSize(),
		ProgressInterval: cfg.ProgressInterval(),
		Backoff:          cfg.Backoff(),
	}, a.store, opener)

	var catalog device.Catalog = &device.SysfsCatalog{}
	if cfg.DeviceCatalog != "" {
		catalog = &device.FileCatalog{Path: cfg.DeviceCatalog}
	}

	arch := device.HostArch()
	log.Info("starting", "version", version, "arch", arch, "kernel", device.KernelRelease(), "cache", cfg.CacheDir)

	a.orch = orchestrator.New(orchestrator.Config{
		MaxConcurrentInstalls: cfg.MaxConcurrentInstalls,
		InstallQueueSize:      cfg.InstallQueueSize,
		ChunkSize:             cfg.ChunkSize(),
	}, orchestrator.Deps{
		Catalog:    catalog,
		Repository: repo,
		Downloads:  a.downloads,
		Store:      a.store,
		Validator:  &validate.Validator{Arch: arch, RequireSignature: cfg.RequireSignature},
		Installer:  inst,
		Journal:    a.journal,
		Health:     a.health,
	})
	return a, nil
}

func newRepository(cfg *config.Config) (repository.Client, error) {
	arch := device.HostArch()
	switch {
	case cfg.RepositoryIndex != "":
		return &repository.IndexClient{Path: cfg.RepositoryIndex, Arch: arch}, nil
	case cfg.RepositoryURL != "":
		return repository.NewHTTPClient(cfg.RepositoryURL, cfg.AuthToken, arch, cfg.Backoff(), cfg.ResolveTTL()), nil
	}
	return nil, errors.New("no driver repository configured: set repository_url or repository_index")
}

// Close stops the orchestrator first so pipelines finish before their
// collaborators go away.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if a.orch != nil {
		if err := a.orch.Close(ctx); err != nil {
			log.Warn("closing orchestrator", logging.KeyError, err)
		}
	}
	if a.downloads != nil {
		a.downloads.Close(ctx)
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// openJournal opens only the journal, for read-only commands.
func openJournal(ctx context.Context) (*journal.Journal, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	return journal.Open(ctx, cfg.JournalPath)
}

func splitIDs(args []string) []string {
	var ids []string
	for _, a := range args {
		for _, id := range strings.Split(a, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
