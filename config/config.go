// Package config is the Configuration component of the ambient stack: a
// single JSON-loadable Config struct, held behind a process-wide atomic
// pointer (GCO, "global config owner") the way the teacher's cmn.GCO works,
// so long-lived background components (cache cleaner, retriever) always
// observe the latest config without taking a lock on every read.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Store configures the relational entity store (spec §3 / store package).
type Store struct {
	Path          string `json:"path"`
	BusyTimeoutMs int    `json:"busy_timeout_ms"`
}

// PartStorage configures the Part Streamer (spec §4.5 / extpart package).
type PartStorage struct {
	StagingDir     string `json:"staging_dir"`
	PermanentDir   string `json:"permanent_dir"`
	ThresholdBytes int64  `json:"threshold_bytes"`
	ShardFactor    int64  `json:"shard_factor"`
}

// CacheCleaner configures background eviction (spec §4.6/§5 / cachecleaner
// package).
type CacheCleaner struct {
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

// Retriever configures the Item Retriever (spec §4.6 / retriever package).
type Retriever struct {
	MaxInFlightPerResource int `json:"max_in_flight_per_resource"`
}

// ChangeRecorder configures the persistent change log (spec §6 / changerec
// package).
type ChangeRecorder struct {
	LogPath        string `json:"log_path"`
	IndexPath      string `json:"index_path"`
	MaxSegmentSize int64  `json:"max_segment_size"`
}

// Config is the full process configuration, loaded once at startup (or
// reloaded on SIGHUP-equivalent) and swapped atomically.
type Config struct {
	Store          Store          `json:"store"`
	PartStorage    PartStorage    `json:"part_storage"`
	CacheCleaner   CacheCleaner   `json:"cache_cleaner"`
	Retriever      Retriever      `json:"retriever"`
	ChangeRecorder ChangeRecorder `json:"change_recorder"`
}

// Default returns a Config with sane defaults for a single-node deployment.
func Default() *Config {
	return &Config{
		Store:          Store{Path: "pimstore.db", BusyTimeoutMs: 5000},
		PartStorage:    PartStorage{StagingDir: "parts/staging", PermanentDir: "parts/data", ThresholdBytes: 32 * 1024, ShardFactor: 256},
		CacheCleaner:   CacheCleaner{SweepIntervalSec: 300},
		Retriever:      Retriever{MaxInFlightPerResource: 8},
		ChangeRecorder: ChangeRecorder{LogPath: "changes.log", IndexPath: "changes.idx", MaxSegmentSize: 64 * 1024 * 1024},
	}
}

// globalConfigOwner holds the process-wide *Config behind an atomic.Value,
// grounded on the teacher's cmn.GCO ("global config owner") singleton.
type globalConfigOwner struct {
	v atomic.Value
}

func (g *globalConfigOwner) Get() *Config {
	c, _ := g.v.Load().(*Config)
	if c == nil {
		return Default()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.v.Store(c) }

// GCO is the process-wide config owner. Background jobs read through it
// instead of holding their own copy, so a reload takes effect for every
// reader on its next Get().
var GCO = &globalConfigOwner{}

// Load reads and parses a JSON config file from path, validates it, and
// installs it as the current GCO value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	c := Default()
	if err := jsoniter.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	GCO.Put(c)
	return c, nil
}

// Validate checks the config for obviously broken settings before it is
// installed.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("config: store.path must not be empty")
	}
	if c.PartStorage.ThresholdBytes < 0 {
		return errors.New("config: part_storage.threshold_bytes must be >= 0")
	}
	if c.PartStorage.ShardFactor <= 0 {
		return errors.New("config: part_storage.shard_factor must be > 0")
	}
	if c.CacheCleaner.SweepIntervalSec <= 0 {
		return errors.New("config: cache_cleaner.sweep_interval_sec must be > 0")
	}
	if c.Retriever.MaxInFlightPerResource <= 0 {
		return errors.New("config: retriever.max_in_flight_per_resource must be > 0")
	}
	return nil
}
