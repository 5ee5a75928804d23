package tasks

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/alert"
	"dataq-logger/internal/collector"
	"dataq-logger/internal/config"
	"dataq-logger/internal/db"
	"dataq-logger/internal/logging"
	"dataq-logger/internal/modbus"
	"dataq-logger/internal/monitor"
	"dataq-logger/internal/storage"
	"dataq-logger/internal/transport"
	"dataq-logger/internal/upload"
)

// Options defines command-line overrides applied on top of the YAML config.
type Options struct {
	ConfigPath string
	StorageDir string
	Window     time.Duration
	LogLevel   string
}

// LoadConfig reads opts.ConfigPath (or the defaults when empty) and
// applies the overrides.
func LoadConfig(opts Options) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadYAML(opts.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}
	if opts.StorageDir != "" {
		cfg.Storage.Dir = opts.StorageDir
	}
	if opts.Window > 0 {
		cfg.Storage.Window = opts.Window
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, config.Validate(cfg)
}

// InitAndRunCollector wires the sink, its optional uploader, alerter and
// mirrors, then runs the collector until ctx is cancelled.
func InitAndRunCollector(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	return Run(ctx, cfg, logging.New(cfg.Log))
}

// sinkOptions maps the storage section onto sink options; uploader,
// alerter and mirrors are attached by Run.
func sinkOptions(cfg config.Config, log *logrus.Logger) storage.Options {
	return storage.Options{
		Dir:            cfg.Storage.Dir,
		Window:         cfg.Storage.Window,
		MinInterval:    cfg.Storage.MinInterval,
		UploadInterval: cfg.Storage.UploadInterval,
		Log:            log.WithField("component", "sink"),
	}
}

func Run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	sopts := sinkOptions(cfg, log)

	if cfg.Metrics.Enabled {
		srv := monitor.StartMetricsServer(cfg.Metrics.Listen, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if cfg.Upload.Enabled {
		comp, err := upload.ParseCompression(cfg.Upload.Compression)
		if err != nil {
			return err
		}
		u, err := upload.NewS3Uploader(ctx, cfg.Upload.Bucket, cfg.Upload.Region, cfg.Upload.Prefix, comp, log)
		if err != nil {
			return err
		}
		sopts.Uploader = u
		sopts.UploadTimeout = cfg.Upload.Timeout
	}

	if cfg.Alerts.Enabled {
		p := alert.NewRedisPublisher(cfg.Alerts.Addr, cfg.Alerts.Password, cfg.Alerts.DB, cfg.Alerts.Topic, log)
		defer p.Close()
		sopts.Alerter = p
		sopts.AlertTimeout = cfg.Alerts.Timeout
		sopts.Min, sopts.Max = cfg.Alerts.Min, cfg.Alerts.Max
	}

	if cfg.SQLite.Enabled {
		st, err := db.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		sopts.Mirrors = append(sopts.Mirrors, st)
	}

	if cfg.Modbus.Enabled {
		ms := modbus.NewServer(log)
		if err := ms.Listen(cfg.Modbus.Listen); err != nil {
			return err
		}
		defer ms.Close()
		sopts.Mirrors = append(sopts.Mirrors, ms)
	}

	sink, err := storage.NewSink(sopts)
	if err != nil {
		return err
	}

	mgr := &collector.Manager{
		Cfg:       cfg,
		Enumerate: transport.Enumerate,
		Open:      transport.Open,
		Sink:      sink,
		Log:       log,
	}
	if err := mgr.Run(ctx); err != nil {
		log.Errorf("collector exited: %v", err)
		return err
	}
	log.Info("all devices stopped")
	return nil
}
