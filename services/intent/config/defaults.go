// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Engine Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultEngineYAML []byte

var (
	cachedDefaults EngineDefaults
	defaultsOnce   sync.Once
	defaultsErr    error

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// LoadEngineDefaults parses and validates the embedded defaults.yaml once and
// returns the cached value on subsequent calls.
//
// # Outputs
//
//   - EngineDefaults: A value copy; callers may adjust it before injecting it.
//   - error: Non-nil if the embedded YAML is malformed or invalid.
//
// # Thread Safety
//
// Safe for concurrent use (uses sync.Once internally).
func LoadEngineDefaults() (EngineDefaults, error) {
	defaultsOnce.Do(func() {
		d, err := ParseEngineDefaults(defaultEngineYAML)
		if err != nil {
			defaultsErr = fmt.Errorf("parsing defaults.yaml: %w", err)
			return
		}
		cachedDefaults = d
		slog.Debug("intent engine defaults loaded",
			slog.Float64("tier1", d.Thresholds.Tier1),
			slog.Float64("tier2", d.Thresholds.Tier2),
			slog.Float64("warmup_trigger", d.Thresholds.WarmupTrigger),
		)
	})
	return cachedDefaults, defaultsErr
}

// MustLoadEngineDefaults panics if the embedded defaults are invalid. The
// defaults ship with the binary, so failure is a build defect.
func MustLoadEngineDefaults() EngineDefaults {
	d, err := LoadEngineDefaults()
	if err != nil {
		panic(err)
	}
	return d
}

// ParseEngineDefaults decodes and validates an EngineDefaults document.
func ParseEngineDefaults(data []byte) (EngineDefaults, error) {
	var d EngineDefaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return EngineDefaults{}, err
	}
	if err := validate.Struct(d); err != nil {
		return EngineDefaults{}, err
	}
	if err := checkThresholds(d.Thresholds); err != nil {
		return EngineDefaults{}, err
	}
	return d, nil
}
