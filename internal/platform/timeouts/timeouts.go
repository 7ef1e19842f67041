// Package timeouts defines shared timeout constants used across matchsync.
// Centralizing these values prevents drift between components and makes the
// durations discoverable.
package timeouts

import "time"

// ProviderRequest caps a single provider HTTP call, including the status
// endpoint used for quota checks.
const ProviderRequest = 30 * time.Second

// StorePing limits how long opening a store waits for the first round trip.
const StorePing = 5 * time.Second

// SnapshotUpload caps a single run snapshot upload.
const SnapshotUpload = 2 * time.Minute

// Shutdown limits how long telemetry flushing may take on exit.
const Shutdown = 5 * time.Second
