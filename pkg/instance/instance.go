// Package instance names the running process for logs and lock ownership.
package instance

import "os"

const fallbackID = "billing-0"

// ID returns SITECREW_INSTANCE_ID, then the hostname, then a fixed default.
func ID() string {
	if id := os.Getenv("SITECREW_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
