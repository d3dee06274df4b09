package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// versionCmd creates the version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "pgmux binary version information",
		Run:   cmdVersion,
	}
}

func cmdVersion(*cobra.Command, []string) {
	fmt.Println(BuildDetails())
}

// BuildDetails returns the build details set via -ldflags
func BuildDetails() string {
	if version == "" {
		return `
pgmux (unknown version)
For documentation, visit https://github.com/dbfold/pgmux

To build with version information please use the Makefile
`
	}

	return fmt.Sprintf(`
pgmux %v
For documentation, visit https://github.com/dbfold/pgmux

Commit SHA-1          : %v
Commit timestamp      : %v
Go version            : %v
OS / Arch             : %v

Licensed under the Apache Public License 2.0
`,
		version, commit, date,
		runtime.Version(),
		strings.TrimSpace(runtime.GOOS+" / "+runtime.GOARCH))
}
