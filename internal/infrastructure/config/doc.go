// Package config loads and validates acm-core configuration.
//
// Configuration comes from three layers, later layers winning:
//  1. Built-in defaults (defaultConfig)
//  2. A YAML file passed on the command line
//  3. ACMCORE_* environment variables for secrets and endpoints
//
// Both the runtime and participant binaries use this package; each reads
// only the sections relevant to its role.
package config
