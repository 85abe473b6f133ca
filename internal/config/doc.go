// Package config loads, normalizes, and validates Fractal configuration data.
//
// It supplies repository defaults (including the admission policy the device
// ships with), expands user paths, reads TOML files, and honours environment
// fallbacks such as FRACTAL_UPLOAD_URL. Holder keeps the live copy and reloads
// it when the file changes so admission thresholds can be tuned without
// restarting a running session.
package config
