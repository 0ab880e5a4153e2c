package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoTarget means no dispatch repository could be resolved for a run.
var ErrNoTarget = errors.New("no dispatch target")

// Target is the repository a run is dispatched to.
type Target struct {
	Owner string
	Repo  string
}

func (t Target) String() string {
	return t.Owner + "/" + t.Repo
}

// ParseRepoURL extracts owner/repo from the two accepted VCS URL shapes:
//
//	https://host/owner/repo[.git]
//	git@host:owner/repo.git
func ParseRepoURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, ErrNoTarget
	}

	var path string
	switch {
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		rest := raw[strings.Index(raw, "://")+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return Target{}, fmt.Errorf("%w: no path in %q", ErrNoTarget, raw)
		}
		path = rest[slash+1:]
	case strings.HasPrefix(raw, "git@"):
		colon := strings.Index(raw, ":")
		if colon < 0 {
			return Target{}, fmt.Errorf("%w: malformed ssh url %q", ErrNoTarget, raw)
		}
		path = raw[colon+1:]
	default:
		return Target{}, fmt.Errorf("%w: unsupported url shape %q", ErrNoTarget, raw)
	}

	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, fmt.Errorf("%w: cannot derive owner/repo from %q", ErrNoTarget, raw)
	}
	return Target{Owner: parts[0], Repo: parts[1]}, nil
}
