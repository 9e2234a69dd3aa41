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
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// Catalog is the on-disk document holding the global config, the scenario
// templates and every tenant's config.
//
// Example:
//
//	global:
//	  thresholds: {tier1: 0.8}
//	templates:
//	  - id: home-services
//	    scenarios: [...]
//	tenants:
//	  - id: acme
//	    inherit_global: true
//	    templates: [home-services]
type Catalog struct {
	Global    GlobalConfig        `yaml:"global" json:"global"`
	Templates []scenario.Template `yaml:"templates" json:"templates" validate:"dive"`
	Tenants   []TenantConfig      `yaml:"tenants" json:"tenants" validate:"dive"`

	templates map[string]*scenario.Template
	tenants   map[string]*TenantConfig
}

// ParseCatalog decodes and validates a catalog document.
//
// # Description
//
// Validation covers struct tags (ranges, required fields, enums), unique
// template and tenant ids, per-template invariants, and that every tenant
// references templates that exist. Threshold combinations are checked per
// call by Resolve, since they depend on the global layer.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// NewCatalog validates an in-memory catalog. Used by tests and embedders that
// build configuration programmatically.
func NewCatalog(global GlobalConfig, templates []scenario.Template, tenants []TenantConfig) (*Catalog, error) {
	c := &Catalog{Global: global, Templates: templates, Tenants: tenants}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	c.templates = make(map[string]*scenario.Template, len(c.Templates))
	for i := range c.Templates {
		t := &c.Templates[i]
		if _, dup := c.templates[t.ID]; dup {
			return fmt.Errorf("%w: duplicate template id %q", ErrInvalidCatalog, t.ID)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		c.templates[t.ID] = t
	}

	c.tenants = make(map[string]*TenantConfig, len(c.Tenants))
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if _, dup := c.tenants[t.ID]; dup {
			return fmt.Errorf("%w: duplicate tenant id %q", ErrInvalidCatalog, t.ID)
		}
		for _, id := range t.TemplateIDs {
			if _, ok := c.templates[id]; !ok {
				return fmt.Errorf("%w: tenant %q: %w %q", ErrInvalidCatalog, t.ID, scenario.ErrUnknownTemplate, id)
			}
		}
		c.tenants[t.ID] = t
	}
	return nil
}

// Tenant returns a tenant's config.
func (c *Catalog) Tenant(id string) (*TenantConfig, bool) {
	t, ok := c.tenants[id]
	return t, ok
}

// Template returns a template by id.
func (c *Catalog) Template(id string) (*scenario.Template, bool) {
	t, ok := c.templates[id]
	return t, ok
}

// TemplatesFor returns the tenant's templates in configured order.
func (c *Catalog) TemplatesFor(t *TenantConfig) ([]scenario.Template, error) {
	out := make([]scenario.Template, 0, len(t.TemplateIDs))
	for _, id := range t.TemplateIDs {
		tpl, ok := c.templates[id]
		if !ok {
			return nil, newError(CodeUnknownTemplate, t.ID, scenario.ErrUnknownTemplate, "template %q not in catalog", id)
		}
		out = append(out, *tpl)
	}
	return out, nil
}

// TenantIDs returns every configured tenant id in file order.
func (c *Catalog) TenantIDs() []string {
	out := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		out = append(out, t.ID)
	}
	return out
}

// IsConfigError reports whether err is a tenant configuration defect.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
