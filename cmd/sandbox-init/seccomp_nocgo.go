//go:build linux && !cgo

package main

import "fmt"

// applySeccomp needs libseccomp, which is only linked into cgo builds.
func applySeccomp(profilePath string) error {
	return fmt.Errorf("seccomp profile %s requires a cgo build of sandbox-init", profilePath)
}
