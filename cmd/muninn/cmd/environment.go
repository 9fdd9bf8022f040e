/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ssargent/muninn/pkg/api"
	"github.com/ssargent/muninn/pkg/backend/pebblestore"
	"github.com/ssargent/muninn/pkg/backend/ramstore"
	"github.com/ssargent/muninn/pkg/config"
	"github.com/ssargent/muninn/pkg/ecc"
	"github.com/ssargent/muninn/pkg/pstore"
	"github.com/ssargent/muninn/pkg/view"
	"github.com/ssargent/muninn/pkg/zone"
)

// environment is the assembled record store: region, backend, registry and
// presentation tree, built once per command invocation.
type environment struct {
	cfg      *config.Config
	logger   zerolog.Logger
	region   *zone.Region
	tree     *view.Tree
	registry *pstore.Registry
	backend  pstore.Backend
	capture  *pstore.DumpBuffer
	ecc      api.ECCStats
}

func buildEnvironment(cmd *cobra.Command) (*environment, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)

	e := &environment{cfg: cfg, logger: logger}
	e.tree = view.NewTree(logger)
	e.capture = pstore.NewDumpBuffer(cfg.Store.CaptureWindow)

	interval, err := parseInterval(cfg.Store.UpdateInterval)
	if err != nil {
		return nil, err
	}
	e.registry, err = pstore.NewRegistry(e.tree, e.capture, pstore.Options{
		Compression:    cfg.Store.Compression,
		KmsgBytes:      cfg.Store.KmsgBytes,
		UpdateInterval: interval,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Store.Backend {
	case "ramstore":
		e.region, err = zone.MapFile(cfg.Region.Path, cfg.Region.Size)
		if err != nil {
			return nil, err
		}
		store, err := ramstore.New(e.region, ramstore.Config{
			RecordSize:  cfg.Region.RecordSize,
			ConsoleSize: cfg.Region.ConsoleSize,
			TraceSize:   cfg.Region.TraceSize,
			MsgSize:     cfg.Region.MsgSize,
			TraceZones:  cfg.Region.TraceZones,
			MaxReason:   parseReason(cfg.Store.MaxReason),
			ECC:         ecc.Config{ParitySize: cfg.Region.ECCSize},
		}, logger)
		if err != nil {
			e.region.Close()
			return nil, err
		}
		e.backend = store
		e.ecc = store
	case "pebble":
		store, err := pebblestore.Open(cfg.Pebble.Dir, pebblestore.Config{
			MaxReason: parseReason(cfg.Store.MaxReason),
		}, logger)
		if err != nil {
			return nil, err
		}
		e.backend = store
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}

	if err := e.registry.Register(e.backend); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Close tears the environment down in reverse order of construction.
func (e *environment) Close() {
	if e.registry != nil && e.registry.Backend() != nil {
		_ = e.registry.Unregister()
	} else if e.backend != nil {
		_ = e.backend.Close()
	}
	if e.region != nil {
		_ = e.region.Sync()
		_ = e.region.Close()
	}
}

func parseReason(name string) pstore.Reason {
	switch strings.ToLower(name) {
	case "panic":
		return pstore.ReasonPanic
	case "", "oops":
		return pstore.ReasonOops
	case "emerg", "emergency":
		return pstore.ReasonEmerg
	case "shutdown":
		return pstore.ReasonShutdown
	default:
		return pstore.ReasonOops
	}
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid update interval %q: %w", s, err)
	}
	return d, nil
}
