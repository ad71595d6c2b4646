package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay. Unset fields keep their environment value.
type fileConfig struct {
	APIBase     string `yaml:"api_base"`
	WSBase      string `yaml:"ws_base"`
	Reconnect   *bool  `yaml:"reconnect"`
	MaxBackoff  string `yaml:"max_backoff"`
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	SnapshotTTL string `yaml:"snapshot_ttl"`
	DevServer   struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		LogFormat      string   `yaml:"log_format"`
	} `yaml:"devserver"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(ExpandEnv(data), &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.APIBase != "" {
		c.APIBase = fc.APIBase
	}
	if fc.WSBase != "" {
		c.WSBase = fc.WSBase
	}
	if fc.Reconnect != nil {
		c.Reconnect = *fc.Reconnect
	}
	if fc.MaxBackoff != "" {
		d, err := time.ParseDuration(fc.MaxBackoff)
		if err != nil {
			return fmt.Errorf("max_backoff: %w", err)
		}
		c.MaxBackoff = d
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLevel(fc.LogLevel)
	}
	if fc.LogFile != "" {
		c.LogFile = fc.LogFile
	}
	if fc.SnapshotTTL != "" {
		d, err := time.ParseDuration(fc.SnapshotTTL)
		if err != nil {
			return fmt.Errorf("snapshot_ttl: %w", err)
		}
		c.SnapshotTTL = d
	}
	if fc.DevServer.Port != "" {
		c.DevServer.Port = fc.DevServer.Port
	}
	if fc.DevServer.LogFormat != "" {
		c.DevServer.LogFormat = strings.ToLower(fc.DevServer.LogFormat)
	}
	if len(fc.DevServer.AllowedOrigins) > 0 {
		c.DevServer.AllowedOrigins = fc.DevServer.AllowedOrigins
	}
	return nil
}

// ExpandEnv substitutes {{.VAR}} references with environment values.
// Missing variables expand to the empty string. Content that is not a
// valid template is returned unchanged.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := bytes.IndexByte([]byte(kv), '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
