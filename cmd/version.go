// Package cmd holds the build details shared by the service binaries.
package cmd

// Set with -ldflags "-X github.com/circleci/typeset/cmd.Version=..."
var (
	Version = "dev"
	Date    = "unknown"
)
