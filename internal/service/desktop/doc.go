// Package desktop runs the configured desktop integration commands:
// menu entries, icons and similar hooks after install, and their cleanup
// after removal.
package desktop
