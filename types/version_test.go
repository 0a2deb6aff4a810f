package types //nolint:revive // types is a valid package name

import (
	"regexp"
	"testing"
)

func TestVersion_Format(t *testing.T) {
	// Version should be a valid semver
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	if !semverRegex.MatchString(Version) {
		t.Errorf("Version %q is not a valid semver", Version)
	}
}

func TestTraceVersion_MatchesVersion(t *testing.T) {
	if TraceVersion != Version {
		t.Errorf("TraceVersion %q != Version %q (lockstep versioning violated)", TraceVersion, Version)
	}
}
