// Package build turns a downloaded vendor installer into a native package
// by running the configured external build tool.
package build
