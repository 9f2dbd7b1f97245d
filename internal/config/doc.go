/*
Package config provides configuration management for COWFS with
YAML-file and environment-variable sources.

Configuration covers mount options, the object-store digest algorithm,
the read cache, the write-buffer, GC defaults, network retry/circuit
breaker settings, and monitoring. Environment variables (COWFS_*)
override values loaded from a YAML file; see LoadFromEnv for the full
list.

A Configuration is validated with Validate before use; an invalid
digest algorithm, non-positive concurrency limit, or colliding metrics/
health ports is rejected at startup rather than discovered later.
*/
package config
