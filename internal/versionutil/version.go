// Package versionutil normalises the build version string.
package versionutil

import (
	"os/exec"
	"strings"
)

// Dev is the version of an untagged build.
const Dev = "dev"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve returns the display version for an ldflags-injected value. A dev
// build inside a git checkout reports "<describe>-dev".
func Resolve(v string) string {
	return resolve(v, gitDescribe)
}

func resolve(v string, describe func() string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == Dev {
		if d := describe(); d != "" {
			return EnsureVPrefix(d) + "-" + Dev
		}
		return Dev
	}
	return EnsureVPrefix(v)
}

func gitDescribe() string {
	out, err := exec.Command("git", "describe", "--tags", "--always").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
