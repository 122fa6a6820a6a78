package main

import (
	"os"

	"rillmix/pkg/config"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"/etc/rillmix/config.yaml",
	"config.yaml",
}

// loadConfig reads path, or the first default path that exists. Defaults
// plus RILLMIX_* overrides apply when no file is found.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Load(defaultConfigPaths[0])
}
