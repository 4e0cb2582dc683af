// Package hubdeploy provides the public Go library API for hubdeploy.
//
// hubdeploy pushes a local game tree to a game hosting hub incrementally:
// files the hub already holds are never sent again, and local hashing and
// compression work is reused across runs through on-disk caches.
//
// # Basic Usage
//
//	client, err := hubdeploy.New(hubdeploy.Options{
//	    ConfigPath: "hubdeploy.yaml",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Deploy the configured project and version
//	d, err := client.NewDeployment(hubdeploy.Target{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Deploy(ctx, d); err != nil {
//	    log.Fatal(err)
//	}
//
// A Manager runs several deployments in the background and answers
// progress queries with JSON envelopes, for embedding behind an HTTP front
// end.
package hubdeploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/compress"
	"github.com/bianoble/hubdeploy/internal/config"
	"github.com/bianoble/hubdeploy/internal/deploy"
	"github.com/bianoble/hubdeploy/internal/hub"
	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/metrics"
	"github.com/bianoble/hubdeploy/internal/record"
)

// RecordKeep is the number of deployments kept in the record.
const RecordKeep = 50

// Options configures a hubdeploy client.
type Options struct {
	// ConfigPath is the project config file. Default: "hubdeploy.yaml".
	ConfigPath string

	// RecordPath is the deployment record. Default: ".hubdeploy.lock" next
	// to the config file.
	RecordPath string

	// SystemConfigPath and UserConfigPath override the lower config layers.
	// Empty uses the platform defaults.
	SystemConfigPath string
	UserConfigPath   string

	// Logger defaults to a logger built from the log section of the config.
	Logger *zap.Logger

	// Registerer receives the deployment metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	// HTTPClient replaces the client used to reach the hub.
	HTTPClient hub.HTTPClient
}

// Target selects what a deployment uploads to. Empty fields fall back to
// the config.
type Target struct {
	Project      string
	Version      string
	VersionTitle string
	// SkipProcessing returns once the hub has committed the upload instead
	// of waiting for its post-upload processing.
	SkipProcessing bool
}

// Client is the main entry point for the hubdeploy library.
type Client struct {
	cfg        *config.Config
	layers     []config.ConfigLayerInfo
	recordPath string
	hub        *hub.Client
	compressor *compress.Compressor
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// New loads the layered config and connects the pieces a deployment needs.
func New(opts Options) (*Client, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.FileName
	}
	if opts.RecordPath == "" {
		opts.RecordPath = record.PathFor(opts.ConfigPath)
	}

	cfg, layers, err := config.LoadLayered(config.DiscoverOptions{
		ProjectPath:      opts.ConfigPath,
		SystemConfigPath: opts.SystemConfigPath,
		UserConfigPath:   opts.UserConfigPath,
	})
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log, err = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}

	hc, err := hub.New(hub.Options{
		BaseURL:        cfg.Hub.URL,
		Cookie:         cfg.Hub.Cookie,
		Timeout:        cfg.Hub.Timeout,
		ConnectTimeout: cfg.Hub.ConnectTimeout,
		HTTPClient:     opts.HTTPClient,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New(opts.Registerer)
	return &Client{
		cfg:        cfg,
		layers:     layers,
		recordPath: opts.RecordPath,
		hub:        hc,
		compressor: compress.New(compress.Options{
			SevenZip: cfg.Compress.SevenZip,
			Ultra:    cfg.Compress.Ultra,
			Logger:   log,
			Metrics:  m,
		}),
		metrics: m,
		log:     log,
	}, nil
}

// Config returns the merged configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Layers describes the config files that were considered.
func (c *Client) Layers() []config.ConfigLayerInfo {
	return c.layers
}

// RecordPath returns where completed deployments are recorded.
func (c *Client) RecordPath() string {
	return c.recordPath
}

// Host identifies the configured hub.
func (c *Client) Host() string {
	return c.hub.Host()
}

// NewDeployment prepares a deployment of the configured game to t.
func (c *Client) NewDeployment(t Target) (*Deployment, error) {
	t = c.resolve(t)
	if errs := config.ValidateTarget(t.Project, t.Version, t.VersionTitle); len(errs) > 0 {
		return nil, &config.ValidationError{Errors: errs}
	}

	g := c.cfg.Game
	return deploy.New(deploy.Options{
		Game: deploy.Game{
			Slug:          g.Slug,
			Path:          g.Path,
			Include:       g.Include,
			PluginMain:    g.PluginMain,
			CanvasMain:    g.CanvasMain,
			FlashMain:     g.FlashMain,
			MappingTable:  g.MappingTable,
			EngineVersion: g.EngineVersion,
			IsMultiplayer: g.IsMultiplayer,
			AspectRatio:   g.AspectRatio,
		},
		Project:        t.Project,
		Version:        t.Version,
		VersionTitle:   t.VersionTitle,
		CacheDir:       c.cfg.CacheDir,
		Hub:            c.hub,
		Compressor:     c.compressor,
		Workers:        c.cfg.Workers,
		PollInterval:   c.cfg.PollInterval,
		SkipProcessing: t.SkipProcessing,
		Logger:         c.log,
		Metrics:        c.metrics,
	})
}

func (c *Client) resolve(t Target) Target {
	if t.Project == "" {
		t.Project = c.cfg.Project
	}
	if t.Version == "" {
		t.Version = c.cfg.ProjectVersion
		if t.VersionTitle == "" {
			t.VersionTitle = c.cfg.VersionTitle
		}
	}
	if t.VersionTitle == "" {
		t.VersionTitle = t.Version
	}
	return t
}

// Deploy runs d to the end and records it when it completed. The returned
// error carries the deployment's own message.
func (c *Client) Deploy(ctx context.Context, d *Deployment) error {
	d.Run(ctx)
	p := d.Progress()
	if p.Error != "" {
		return errors.New(p.Error)
	}
	if p.Phase != PhaseComplete {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("deployment did not complete")
	}
	if err := c.record(d); err != nil {
		c.log.Warn("recording deployment", zap.Error(err))
	}
	return nil
}

// Record returns the deployment history.
func (c *Client) Record() (*record.Record, error) {
	return record.Load(c.recordPath)
}

func (c *Client) record(d *Deployment) error {
	r, err := record.Load(c.recordPath)
	if err != nil {
		return err
	}
	p := d.Progress()
	r.Append(record.Deployment{
		Project:       d.Project(),
		Version:       d.Version(),
		Host:          c.hub.Host(),
		RunID:         d.ID(),
		Files:         p.NumFiles,
		Bytes:         p.NumBytes,
		UploadedFiles: p.UploadedFiles,
		DeployedAt:    time.Now().UTC().Truncate(time.Second),
	}, RecordKeep)
	return record.Save(c.recordPath, r)
}
