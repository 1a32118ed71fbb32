package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/changefeed"
	"github.com/mcdev12/hacktracker/go/internal/config"
	"github.com/mcdev12/hacktracker/go/internal/mirror"
)

func setupLogging(cfg config.LogConfig) {
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func jetStreamConfig(cfg config.NATSConfig) changefeed.JetStreamConfig {
	js := changefeed.DefaultJetStreamConfig()
	js.URL = cfg.URL
	if cfg.Stream != "" {
		js.StreamName = cfg.Stream
	}
	if cfg.SubjectPrefix != "" {
		js.SubjectPrefix = cfg.SubjectPrefix
	}
	if cfg.Consumer != "" {
		js.ConsumerName = cfg.Consumer
	}
	if cfg.MaxAge > 0 {
		js.MaxAge = cfg.MaxAge
	}
	return js
}

func listenerConfig(cfg config.Config) changefeed.ListenerConfig {
	lc := changefeed.DefaultListenerConfig()
	lc.DatabaseURL = cfg.Database.DSN()
	if cfg.Listener.Channel != "" {
		lc.NotifyChannel = cfg.Listener.Channel
	}
	if cfg.Listener.FallbackInterval > 0 {
		lc.FallbackInterval = cfg.Listener.FallbackInterval
	}
	if cfg.Listener.BatchSize > 0 {
		lc.BatchSize = cfg.Listener.BatchSize
	}
	return lc
}

func mirrorConfig(cfg config.MirrorConfig) mirror.Config {
	mc := mirror.DefaultConfig()
	if cfg.MaxTries > 0 {
		mc.MaxTries = cfg.MaxTries
	}
	if cfg.InitialInterval > 0 {
		mc.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		mc.MaxInterval = cfg.MaxInterval
	}
	return mc
}

func s3Config(cfg config.AuditConfig) audit.S3Config {
	return audit.S3Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Prefix:          cfg.Prefix,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		PathStyle:       cfg.PathStyle,
	}
}
