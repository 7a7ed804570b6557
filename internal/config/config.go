// Package config loads and validates the bridge configuration. The file
// may be JSON or YAML; either way it is checked against a schema at load
// time, so a malformed config is a startup failure, never a per-message
// one.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/WUUUYT/redmine-email-system/internal/bridge"
)

// Project is one synchronized project's settings.
type Project struct {
	Enabled       bool                  `json:"enabled"`
	EmailIgnore   bridge.IgnoreRules    `json:"emailignore"`
	CreateDefault bridge.CreateDefaults `json:"createdefault"`
}

// Config is the full, immutable configuration value handed to the CLI and
// injected into each component at construction.
type Config struct {
	CheckInterval     int                      `json:"check_interval"` // minutes; also the outbound lookback window
	Mailbox           string                   `json:"mailbox,omitempty"`
	AttachmentsDir    string                   `json:"attachments_dir,omitempty"`
	NotificationRules bridge.NotificationRules `json:"reminderconfig"`
	Projects          map[string]Project       `json:"projects"`
}

// LookbackWindow is the outbound creation-window: tickets created inside
// it were just made by the inbound engine and are not re-notified.
func (c *Config) LookbackWindow() time.Duration {
	return time.Duration(c.CheckInterval) * time.Minute
}

// EnabledProjects returns the enabled project ids in a stable order.
func (c *Config) EnabledProjects() []string {
	ids := make([]string, 0, len(c.Projects))
	for id, project := range c.Projects {
		if project.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SpoolDir returns the attachment spool root, defaulting next to the
// working directory.
func (c *Config) SpoolDir() string {
	if strings.TrimSpace(c.AttachmentsDir) != "" {
		return c.AttachmentsDir
	}
	return "attachments"
}

// Load reads, schema-validates and decodes the config file. The ignore
// rules of every project are compiled here as well, so pattern problems
// surface before any mail is touched.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	jsonBytes := raw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		jsonBytes, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := validateSchema(jsonBytes); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	for id, project := range cfg.Projects {
		if _, err := bridge.CompileIgnoreFilter(project.EmailIgnore); err != nil {
			return nil, fmt.Errorf("project %s: %w", id, err)
		}
	}
	return &cfg, nil
}

func validateSchema(jsonBytes []byte) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return err
	}
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
