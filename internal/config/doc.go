// Package config loads dcps settings.
//
// Values are layered: built-in defaults, then config/dcps.yaml when it
// exists, then the file named by DCPS_CONFIG (or passed to Load), then
// DCPS_* environment variables. The result is validated before use.
package config
