// Package packages drives the system package manager.
//
// Only the APT family is supported: apt-get, apt and nala share the command
// line used here, and dpkg-query answers what is installed. Privileged
// commands are prefixed with sudo when the installer does not run as root.
package packages
