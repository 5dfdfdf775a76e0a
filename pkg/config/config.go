// Package config binds the core's two CLI flags and reads the downward-API
// environment variables the pod's own manifest projects into it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const (
	flagDeleteAfter                = "delete-after"
	flagExperimentalGeneralIngress = "experimental-general-ingress"

	// MaxDeleteAfter is the hard cap on --delete-after regardless of what
	// the operator requests.
	MaxDeleteAfter = 25 * time.Second

	defaultDeleteAfter = 25 * time.Second
)

// Config holds the core's CLI-derived configuration.
type Config struct {
	// DeleteAfter is the drain window between isolation and deletion.
	DeleteAfter time.Duration
	// ExperimentalGeneralIngress selects Ingress-based exposure detection
	// instead of the default AWS TargetGroupBinding-based detection.
	ExperimentalGeneralIngress bool
}

// BindFlags registers this config's flags on fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&c.DeleteAfter, flagDeleteAfter, defaultDeleteAfter,
		"Drain window between pod isolation and deletion, capped at 25s")
	fs.BoolVar(&c.ExperimentalGeneralIngress, flagExperimentalGeneralIngress, false,
		"Use Ingress-based exposure detection instead of TargetGroupBinding-based detection")
}

// Sanitize clamps DeleteAfter to MaxDeleteAfter. Call after Parse.
func (c *Config) Sanitize() {
	if c.DeleteAfter > MaxDeleteAfter {
		c.DeleteAfter = MaxDeleteAfter
	}
	if c.DeleteAfter < 0 {
		c.DeleteAfter = 0
	}
}

// DownwardAPI is the set of environment variables the pod's manifest
// projects via the Kubernetes downward API.
type DownwardAPI struct {
	PodName           string
	PodNamespace      string
	PodUID            string
	PodServiceAccount string
	ReleaseFullname   string
}

// requiredDownwardAPIEnvVars are the variables that must be non-empty for
// the process to start; ReleaseFullname is optional.
var requiredDownwardAPIEnvVars = []string{
	"POD_NAME", "POD_NAMESPACE", "POD_UID", "POD_SERVICE_ACCOUNT_NAME",
}

// DownwardAPIFromEnv reads the downward-API environment variables, treating
// empty strings as absent. It returns an error naming the first missing
// required variable.
func DownwardAPIFromEnv() (DownwardAPI, error) {
	get := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			return ""
		}
		return v
	}

	d := DownwardAPI{
		PodName:           get("POD_NAME"),
		PodNamespace:      get("POD_NAMESPACE"),
		PodUID:            get("POD_UID"),
		PodServiceAccount: get("POD_SERVICE_ACCOUNT_NAME"),
		ReleaseFullname:   get("RELEASE_FULLNAME"),
	}

	for _, key := range requiredDownwardAPIEnvVars {
		if get(key) == "" {
			return DownwardAPI{}, fmt.Errorf("required downward API environment variable %s is empty or unset", key)
		}
	}
	return d, nil
}
