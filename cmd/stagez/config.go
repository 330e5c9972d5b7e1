package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zoobzio/stagez"
	"gopkg.in/yaml.v3"
)

// stageFile is the on-disk stage table.
//
//	failures: true
//	stages:
//	  - name: confirmation
//	    p: 0.15
//	    min_ms: 2000
//	    max_ms: 6000
//	    success_label: Confirmed.
//	    failure_label: Rejected.
type stageFile struct {
	Failures *bool       `yaml:"failures"`
	Stages   []stageSpec `yaml:"stages"`
}

type stageSpec struct {
	Name         string  `yaml:"name"`
	SuccessLabel string  `yaml:"success_label"`
	FailureLabel string  `yaml:"failure_label"`
	P            float64 `yaml:"p"`
	MinMs        int64   `yaml:"min_ms"`
	MaxMs        int64   `yaml:"max_ms"`
}

// stageConfig is a validated stage table plus the failure switch.
type stageConfig struct {
	Source   string
	Stages   []stagez.Stage
	Failures bool
}

// loadStageConfig reads path, or returns fallback with failures enabled when path is empty.
func loadStageConfig(path string, fallback []stagez.Stage) (stageConfig, error) {
	if path == "" {
		return stageConfig{Source: "built-in", Stages: fallback, Failures: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return stageConfig{}, fmt.Errorf("read stage file: %w", err)
	}
	cfg, err := parseStageConfig(data)
	if err != nil {
		return stageConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

func parseStageConfig(data []byte) (stageConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file stageFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return stageConfig{}, fmt.Errorf("parse stage file: %w", err)
	}

	cfg := stageConfig{Failures: true}
	if file.Failures != nil {
		cfg.Failures = *file.Failures
	}
	for _, spec := range file.Stages {
		cfg.Stages = append(cfg.Stages, stagez.Stage{
			Name:         spec.Name,
			SuccessLabel: spec.SuccessLabel,
			FailureLabel: spec.FailureLabel,
			FailureRate:  spec.P,
			MinLatency:   time.Duration(spec.MinMs) * time.Millisecond,
			MaxLatency:   time.Duration(spec.MaxMs) * time.Millisecond,
		})
	}
	if err := stagez.ValidateStages(cfg.Stages); err != nil {
		return stageConfig{}, err
	}
	return cfg, nil
}

// marshalStageConfig renders cfg in the stage file format.
func marshalStageConfig(cfg stageConfig) ([]byte, error) {
	failures := cfg.Failures
	file := stageFile{Failures: &failures}
	for _, s := range cfg.Stages {
		file.Stages = append(file.Stages, stageSpec{
			Name:         s.Name,
			SuccessLabel: s.SuccessLabel,
			FailureLabel: s.FailureLabel,
			P:            s.FailureRate,
			MinMs:        s.MinLatency.Milliseconds(),
			MaxMs:        s.MaxLatency.Milliseconds(),
		})
	}
	return yaml.Marshal(file)
}

// newEngine builds an engine for cfg. noFailures overrides the file's switch.
func newEngine(name string, cfg stageConfig, noFailures bool) (*stagez.Engine, error) {
	engine, err := stagez.NewEngine(name, cfg.Stages...)
	if err != nil {
		return nil, err
	}
	engine.WithFailures(cfg.Failures && !noFailures)
	return engine, nil
}
