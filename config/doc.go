// Package config loads and validates daemon configuration.
//
// Configuration is layered: built-in defaults, then JSON files in the
// order they were added to the Loader, then PYACQ_* environment
// variables. Later layers override earlier ones, merging section by
// section rather than replacing whole structs, so a file that sets only
// nats.urls keeps every default around it.
//
// Duration fields accept Go duration strings in JSON ("2s", "500ms").
// Credentials never appear in String() output.
package config
