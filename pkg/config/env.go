// Package config provides common configuration utilities

package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ReadEnvConfig reads env.config (KEY=VALUE). A missing or unreadable file
// yields an empty map.
func ReadEnvConfig(path string) map[string]string {
	config, err := godotenv.Read(path)
	if err != nil {
		return make(map[string]string)
	}
	for k, v := range config {
		config[k] = strings.TrimSpace(v)
	}
	return config
}

// envLookup resolves a key from the process environment first, then env.config
type envLookup map[string]string

func (e envLookup) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e[key]
}
