// Package versioning provides semantic version parsing and the Terraform
// constraint handling used by cascade matching and auto-approval.
package versioning

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidVersion is returned when a string is not a parseable semver.
var ErrInvalidVersion = errors.New("invalid version")

// Version represents a parsed semantic version. Raw is the prefix-stripped
// input string.
type Version struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Raw        string `json:"raw"`
}

var semverRe = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z\-.]+))?$`)

// Parse parses a version string of shape MAJOR.MINOR.PATCH[-PRERELEASE],
// with an optional leading "v".
func Parse(version string) (*Version, error) {
	matches := semverRe.FindStringSubmatch(strings.TrimSpace(version))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])
	patch, _ := strconv.Atoi(matches[3])

	return &Version{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: matches[4],
		Raw:        strings.TrimPrefix(strings.TrimSpace(version), "v"),
	}, nil
}

// String returns the canonical string form of the version.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// Compare compares two versions.
// Returns -1 if v < other, 0 if v == other, 1 if v > other.
// A release is greater than any prerelease of the same triple; two
// prereleases compare lexicographically by suffix.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return compareInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return compareInt(v.Minor, other.Minor)
	}
	if v.Patch != other.Patch {
		return compareInt(v.Patch, other.Patch)
	}
	if v.Prerelease != "" && other.Prerelease == "" {
		return -1
	}
	if v.Prerelease == "" && other.Prerelease != "" {
		return 1
	}
	return strings.Compare(v.Prerelease, other.Prerelease)
}

func compareInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// IsPatchBump reports whether next is a pure patch increment over prev:
// same major and minor, strictly greater patch, and no prerelease suffix.
func IsPatchBump(prev, next *Version) bool {
	if prev == nil || next == nil {
		return false
	}
	return next.Major == prev.Major &&
		next.Minor == prev.Minor &&
		next.Patch > prev.Patch &&
		next.Prerelease == ""
}
