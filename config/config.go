// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

// Package config reads the symbol map configuration surface from the
// process environment.
package config // import "github.com/openprof/perfmap/config"

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Environment variables making up the configuration surface.
const (
	// EnvEnabled turns on symbol map writing for the process.
	EnvEnabled = "PERFMAP_ENABLED"
	// EnvIgnoreSignal names a signal number to suppress while an external
	// profiler is sampling the process. 0 disables the suppression.
	EnvIgnoreSignal = "PERFMAP_IGNORE_SIGNAL"
	// EnvShowOptimizationTiers enables the [tier] suffix on method records.
	EnvShowOptimizationTiers = "PERFMAP_SHOW_OPTIMIZATION_TIERS"
)

// Settings is the symbol map configuration, fixed once at process start.
type Settings struct {
	Enabled               bool
	IgnoreSignal          int
	ShowOptimizationTiers bool
}

// FromEnv parses the configuration from the environment. Invalid values log
// a warning and fall back to the default, they never fail startup.
func FromEnv() *Settings {
	return &Settings{
		Enabled:               boolFromEnv(EnvEnabled),
		IgnoreSignal:          intFromEnv(EnvIgnoreSignal),
		ShowOptimizationTiers: boolFromEnv(EnvShowOptimizationTiers),
	}
}

func boolFromEnv(name string) bool {
	val, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Warnf("Ignoring invalid value %q for %s: %v", val, name, err)
		return false
	}
	return b
}

func intFromEnv(name string) int {
	val, ok := os.LookupEnv(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		log.Warnf("Ignoring invalid value %q for %s", val, name)
		return 0
	}
	return n
}
