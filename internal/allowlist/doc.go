// Package allowlist loads the set of trusted remote hosts, keeps the active
// set in an atomically swapped snapshot, and reloads it when its source
// changes.
//
// A snapshot pairs a [remote.Validator] with the [remote.Fetcher] built from
// the same document, so every request validates and fetches against one
// consistent configuration even while a reload is in flight.
package allowlist
