package config

import (
	"github.com/mitchellh/go-homedir"
)

// ExpandPath resolves a leading ~ to the home directory.
// The path is returned unchanged when the home directory cannot be determined.
func ExpandPath(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}

	return expanded
}
