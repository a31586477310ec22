// Package config implements the configuration store of the installer.
//
// A configuration is an ordered tree of settings addressed by dotted paths
// (a.b.c). Arrays are addressed by index-suffixed keys (deps.0, deps.1).
// The store is produced by deep-merging the embedded default document with
// the site, user and explicit JSON documents, later documents winning on
// scalar conflicts. An optional JSON schema is checked on a best-effort
// basis: violations are warnings, never load failures.
//
// Settings is the typed, validated view other components receive.
package config
