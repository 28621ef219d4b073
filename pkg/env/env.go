// Package env reads the few settings needed before config.Load runs.
package env

import "os"

const prefix = "SITECREW_"

// Get returns SITECREW_<key>, then the bare key, then fallback.
func Get(key, fallback string) string {
	if val := os.Getenv(prefix + key); val != "" {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
