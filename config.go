package tug

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EntryType tells a settings UI how to edit a config entry.
type EntryType int

const (
	EntryText EntryType = iota
	EntryFile
	EntryBool
)

// ConfigEntry is one editable key with its current string value.
type ConfigEntry struct {
	Key   string
	Value string
	Type  EntryType
}

// Config is the flat key/value configuration surface. The font keys are
// carried for the UI layer; the core only reads the gdb and exe keys.
type Config struct {
	GDBPath      string `yaml:"gdb_path"`
	GDBArgs      string `yaml:"gdb_args"`
	DebugExePath string `yaml:"debug_exe_path"`
	DebugExeArgs string `yaml:"debug_exe_args"`
	FontFilename string `yaml:"font_filename"`
	FontSize     string `yaml:"font_size"`
}

// LoadConfig reads a YAML config file. A missing file yields a zero
// config without error so a fresh install starts clean.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg := new(Config)
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Save writes the config back out as YAML.
func (c *Config) Save(path string) error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, buf, 0o644)
}

// Entries returns the editable entry table in display order.
func (c *Config) Entries() []ConfigEntry {
	return []ConfigEntry{
		{Key: "gdb_path", Value: c.GDBPath, Type: EntryFile},
		{Key: "gdb_args", Value: c.GDBArgs, Type: EntryText},
		{Key: "debug_exe_path", Value: c.DebugExePath, Type: EntryFile},
		{Key: "debug_exe_args", Value: c.DebugExeArgs, Type: EntryText},
		{Key: "font_filename", Value: c.FontFilename, Type: EntryFile},
		{Key: "font_size", Value: c.FontSize, Type: EntryText},
	}
}

// Set updates an entry by key. Unknown keys are ignored.
func (c *Config) Set(key, value string) {
	switch key {
	case "gdb_path":
		c.GDBPath = value
	case "gdb_args":
		c.GDBArgs = value
	case "debug_exe_path":
		c.DebugExePath = value
	case "debug_exe_args":
		c.DebugExeArgs = value
	case "font_filename":
		c.FontFilename = value
	case "font_size":
		c.FontSize = value
	}
}
