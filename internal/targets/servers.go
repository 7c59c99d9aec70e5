package targets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"alma.local/evofuzz/server"
)

var log = logrus.WithField("prefix", "targets")

// LoadServer parses one server definition file.
func LoadServer(path string) (server.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return server.Config{}, errors.Wrap(err, "read server definition")
	}
	var cfg server.Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return server.Config{}, errors.Wrapf(err, "parse server definition %s", path)
	}
	cfg.RestartCommand = strings.TrimSpace(cfg.RestartCommand)
	if cfg.RestartCommand == "" {
		return server.Config{}, errors.Errorf("server definition %s has no restartCommand", path)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return cfg, nil
}

// LoadServers reads every definition in dir, sorted by file name. Dot files
// are ignored and broken definitions are logged and skipped. A missing
// directory yields no servers.
func LoadServers(dir string) ([]server.Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("dir", dir).Info("No server definition folder")
			return nil, nil
		}
		return nil, errors.Wrap(err, "list server definitions")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []server.Config
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		cfg, err := LoadServer(filepath.Join(dir, e.Name()))
		if err != nil {
			log.WithError(err).Warn("Skipping server definition")
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}
