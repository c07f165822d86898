// Copyright 2025 The crashstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The crashstream server: intake, processing pipeline, alerting and the
// admin surface in one binary. With --store=memory and --redis.addr="" it
// runs without any external service, which is the development setup.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/crashstream/crashstream/internal/aggregate"
	"github.com/crashstream/crashstream/internal/alerting"
	"github.com/crashstream/crashstream/internal/blob"
	"github.com/crashstream/crashstream/internal/config"
	"github.com/crashstream/crashstream/internal/diagnose"
	"github.com/crashstream/crashstream/internal/ingest"
	"github.com/crashstream/crashstream/internal/jobq"
	"github.com/crashstream/crashstream/internal/notify"
	"github.com/crashstream/crashstream/internal/pipeline"
	"github.com/crashstream/crashstream/internal/server"
	"github.com/crashstream/crashstream/internal/sink/filesink"
	"github.com/crashstream/crashstream/internal/sourcemap"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/store/memory"
	"github.com/crashstream/crashstream/internal/store/postgres"
	"github.com/crashstream/crashstream/internal/window"
	"github.com/crashstream/crashstream/pkg/fingerprint"
)

const (
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

type serverOptions struct {
	listenAddress string
	configFile    string
}

func (o *serverOptions) setupFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "Address the intake, admin and telemetry endpoints listen on.").
		Default(":8080").StringVar(&o.listenAddress)
	a.Flag("config.file", "YAML file with alerting and diagnosis settings. Reloaded on SIGHUP or POST /-/reload.").
		Default("").StringVar(&o.configFile)
}

type storageOptions struct {
	driver      string
	postgresDSN string
	dataDir     string
}

func (o *storageOptions) setupFlags(a *kingpin.Application) {
	a.Flag("store", "Storage backend for configs, aggregations, rules and history.").
		Default(driverPostgres).EnumVar(&o.driver, driverPostgres, driverMemory)
	a.Flag("store.postgres.dsn", "PostgreSQL DSN. Migrations run on startup.").
		Default("postgres://localhost:5432/crashstream?sslmode=disable").StringVar(&o.postgresDSN)
	a.Flag("data.dir", "Directory for uploaded archives and event segments.").
		Default("data").StringVar(&o.dataDir)
}

type redisOptions struct {
	addr     string
	password string
	db       int
}

func (o *redisOptions) setupFlags(a *kingpin.Application) {
	a.Flag("redis.addr", "Redis address for event dedup and rate windows. Empty keeps both in process, which only works for a single instance.").
		Default("localhost:6379").StringVar(&o.addr)
	a.Flag("redis.password", "Redis password.").Default("").StringVar(&o.password)
	a.Flag("redis.db", "Redis database number.").Default("0").IntVar(&o.db)
}

type queueOptions struct {
	errorCapacity    int
	errorWorkers     int
	aggregateShards  int
	sourcemapWorkers int
	notifyWorkers    int
}

func (o *queueOptions) setupFlags(a *kingpin.Application) {
	a.Flag("queue.error-capacity", "Buffered error events before intake answers 429.").
		Default("4096").IntVar(&o.errorCapacity)
	a.Flag("queue.error-workers", "Workers draining the error queue.").
		Default("8").IntVar(&o.errorWorkers)
	a.Flag("queue.aggregate-shards", "Shards of the aggregation stage. Events of one error group always land on the same shard.").
		Default("16").IntVar(&o.aggregateShards)
	a.Flag("queue.sourcemap-workers", "Workers resolving source positions.").
		Default("2").IntVar(&o.sourcemapWorkers)
	a.Flag("queue.notify-workers", "Workers delivering notifications.").
		Default("2").IntVar(&o.notifyWorkers)
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))

	a := kingpin.New("crashstream", "The crashstream error and telemetry collection server.")
	a.HelpFlag.Short('h')

	var (
		serverOpts  serverOptions
		storageOpts storageOptions
		redisOpts   redisOptions
		queueOpts   queueOptions
		logLevel    string
	)
	serverOpts.setupFlags(a)
	storageOpts.setupFlags(a)
	redisOpts.setupFlags(a)
	queueOpts.setupFlags(a)
	a.Flag("log.level", "Minimum log level.").
		Default("info").EnumVar(&logLevel, "debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command line failed", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	logger = level.NewFilter(logger, allowedLevel(logLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	fileCfg, err := config.Load(serverOpts.configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	var st store.Store
	switch storageOpts.driver {
	case driverMemory:
		st = memory.New()
		_ = level.Info(logger).Log("msg", "using in-memory store, nothing survives a restart")
	default:
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		pg, err := postgres.Open(openCtx, storageOpts.postgresDSN)
		cancel()
		if err != nil {
			_ = level.Error(logger).Log("msg", "opening postgres failed", "err", err)
			os.Exit(1)
		}
		st = pg
	}

	var (
		windows window.Windows
		deduper ingest.Deduper
	)
	if redisOpts.addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisOpts.addr,
			Password: redisOpts.password,
			DB:       redisOpts.db,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = level.Error(logger).Log("msg", "redis ping failed", "addr", redisOpts.addr, "err", err)
			os.Exit(1)
		}
		windows = window.NewRedis(client)
		deduper = ingest.NewRedisDeduper(client)
	} else {
		windows = window.NewMemory()
		md, err := ingest.NewMemoryDeduper()
		if err != nil {
			_ = level.Error(logger).Log("msg", "building deduper failed", "err", err)
			os.Exit(1)
		}
		deduper = md
		_ = level.Info(logger).Log("msg", "no redis address, using in-process dedup and windows")
	}

	blobs, err := blob.New(filepath.Join(storageOpts.dataDir, "blobs"))
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening blob store failed", "err", err)
		os.Exit(1)
	}
	events, err := filesink.New(filesink.Options{
		Dir:    filepath.Join(storageOpts.dataDir, "events"),
		Logger: logger,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening event sink failed", "err", err)
		os.Exit(1)
	}

	fp := fingerprint.New(fingerprint.Options{})
	cfgs := store.NewConfigCache(st, 0)

	resolver, err := sourcemap.New(sourcemap.Options{
		Loader: sourcemap.BlobLoader(blobs, st),
		Logger: logger,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "building sourcemap resolver failed", "err", err)
		os.Exit(1)
	}

	notifier, err := notify.New(fileCfg.Alerting.NotifyConfig(), st, logger, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building notifier failed", "err", err)
		os.Exit(1)
	}
	notifyQueue := jobq.New(jobq.Options{
		Name:       "notify",
		Workers:    queueOpts.notifyWorkers,
		Logger:     logger,
		Registerer: reg,
	}, notifier.Handle)
	notifyQueue.OnDeadLetter(func(d jobq.DeadLetter[notify.Job]) {
		notifier.MarkFailed(d.Job, d.Err)
	})

	evaluator := alerting.New(st, windows, notifyQueue, logger, reg)

	var (
		diagQueue *jobq.Queue[diagnose.Job]
		diag      aggregate.DiagnosisEnqueuer
	)
	if fileCfg.Diagnosis.APIKey != "" {
		worker := diagnose.NewWorker(fileCfg.Diagnosis.DiagnoseConfig(), st, logger, reg)
		diagQueue = jobq.New(jobq.Options{
			Name:       "diagnose",
			Workers:    1,
			Logger:     logger,
			Registerer: reg,
		}, worker.Handle)
		diag = diagQueue
	}

	aggWorker, err := aggregate.NewWorker(st, cfgs, fp, evaluator, diag, logger, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building aggregation worker failed", "err", err)
		os.Exit(1)
	}
	aggQueue := jobq.NewSharded(jobq.Options{
		Name:       "aggregate",
		Logger:     logger,
		Registerer: reg,
	}, queueOpts.aggregateShards, aggregate.ShardKey, aggWorker.Handle)

	mapQueue := jobq.New(jobq.Options{
		Name:       "sourcemap",
		Workers:    queueOpts.sourcemapWorkers,
		Logger:     logger,
		Registerer: reg,
	}, pipeline.NewSourcemapWorker(resolver, st, logger).Handle)

	processor := pipeline.NewProcessor(fp, cfgs, events, aggQueue, mapQueue, logger, reg)
	errQueue := jobq.New(jobq.Options{
		Name:       "error",
		Capacity:   queueOpts.errorCapacity,
		Workers:    queueOpts.errorWorkers,
		Logger:     logger,
		Registerer: reg,
	}, processor.Handle)

	intake := ingest.New(cfgs, deduper, windows, events, errQueue, logger, reg)

	reload := func(context.Context) error {
		cfg, err := config.Load(serverOpts.configFile)
		if err != nil {
			return err
		}
		if err := notifier.ApplyConfig(cfg.Alerting.NotifyConfig()); err != nil {
			return err
		}
		_ = level.Info(logger).Log("msg", "configuration reloaded", "file", serverOpts.configFile)
		return nil
	}
	var reloadFn func(context.Context) error
	if serverOpts.configFile != "" {
		reloadFn = reload
	}

	srv := server.New(server.Config{ListenAddr: serverOpts.listenAddress}, server.Options{
		Ingest:   intake,
		Store:    st,
		Configs:  cfgs,
		Windows:  windows,
		Blobs:    blobs,
		Resolver: resolver,
		Rules:    evaluator,
		Reload:   reloadFn,
		Logger:   logger,
		Registry: reg,
	})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				select {
				case sig := <-term:
					_ = level.Info(logger).Log("msg", "received signal, exiting gracefully", "signal", sig.String())
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	if serverOpts.configFile != "" {
		// Reload on SIGHUP, same path as POST /-/reload.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				for {
					select {
					case <-hup:
						if err := reload(ctx); err != nil {
							_ = level.Error(logger).Log("msg", "configuration reload failed", "err", err)
						}
					case <-cancel:
						return nil
					}
				}
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Worker pools. Each drains its buffer after the context ends.
		g.Add(func() error { return errQueue.Run(workerCtx) }, func(error) { cancelWorkers() })
		g.Add(func() error { return aggQueue.Run(workerCtx) }, func(error) { cancelWorkers() })
		g.Add(func() error { return mapQueue.Run(workerCtx) }, func(error) { cancelWorkers() })
		g.Add(func() error { return notifyQueue.Run(workerCtx) }, func(error) { cancelWorkers() })
		if diagQueue != nil {
			g.Add(func() error { return diagQueue.Run(workerCtx) }, func(error) { cancelWorkers() })
		}
	}
	{
		// Config cache janitor.
		cancel := make(chan struct{})
		g.Add(
			func() error {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						cfgs.Sweep()
					case <-cancel:
						return nil
					}
				}
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Sink flusher. Close on the way out seals the active segment.
		cancel := make(chan struct{})
		g.Add(
			func() error {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := events.Flush(ctx); err != nil {
							_ = level.Warn(logger).Log("msg", "event sink flush failed", "err", err)
						}
					case <-cancel:
						return events.Close()
					}
				}
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// HTTP server.
		g.Add(
			func() error {
				srv.SetReady(true)
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			},
			func(error) {
				shutdownCtx, cancel := context.WithTimeout(ctx, time.Minute)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					_ = level.Error(logger).Log("msg", "server shutdown failed", "err", err)
				}
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}

func allowedLevel(s string) level.Option {
	switch s {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
