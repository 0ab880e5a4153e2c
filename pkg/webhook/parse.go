package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotPush is returned for deliveries that are not tag/branch pushes
// (for example Bitbucket branch deletions).
var ErrNotPush = errors.New("not a push event")

// PushEvent is the provider-independent shape of a push delivery.
type PushEvent struct {
	RepositoryURL      string `json:"repository_url"`
	RepositoryFullName string `json:"repository_full_name"`
	Ref                string `json:"ref"`
	// Tag is set iff Ref begins with refs/tags/; it holds the remainder.
	Tag string `json:"tag,omitempty"`
}

// ParsePush maps a provider payload onto a PushEvent.
func ParsePush(provider string, body []byte) (*PushEvent, error) {
	switch provider {
	case ProviderGitHub:
		return parseGitHubPush(body)
	case ProviderGitLab:
		return parseGitLabPush(body)
	case ProviderBitbucket:
		return parseBitbucketPush(body)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func tagFromRef(ref string) string {
	const prefix = "refs/tags/"
	if strings.HasPrefix(ref, prefix) {
		return ref[len(prefix):]
	}
	return ""
}

func parseGitHubPush(body []byte) (*PushEvent, error) {
	var payload struct {
		Ref        string `json:"ref"`
		Repository struct {
			FullName string `json:"full_name"`
			CloneURL string `json:"clone_url"`
			HTMLURL  string `json:"html_url"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("github payload: %w", err)
	}

	url := payload.Repository.CloneURL
	if url == "" {
		url = payload.Repository.HTMLURL
	}
	return &PushEvent{
		RepositoryURL:      url,
		RepositoryFullName: payload.Repository.FullName,
		Ref:                payload.Ref,
		Tag:                tagFromRef(payload.Ref),
	}, nil
}

func parseGitLabPush(body []byte) (*PushEvent, error) {
	var payload struct {
		Ref     string `json:"ref"`
		Project struct {
			PathWithNamespace string `json:"path_with_namespace"`
			GitHTTPURL        string `json:"git_http_url"`
			WebURL            string `json:"web_url"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("gitlab payload: %w", err)
	}

	url := payload.Project.GitHTTPURL
	if url == "" {
		url = payload.Project.WebURL
	}
	return &PushEvent{
		RepositoryURL:      url,
		RepositoryFullName: payload.Project.PathWithNamespace,
		Ref:                payload.Ref,
		Tag:                tagFromRef(payload.Ref),
	}, nil
}

func parseBitbucketPush(body []byte) (*PushEvent, error) {
	var payload struct {
		Push struct {
			Changes []struct {
				New *struct {
					Type string `json:"type"`
					Name string `json:"name"`
				} `json:"new"`
			} `json:"changes"`
		} `json:"push"`
		Repository struct {
			FullName string `json:"full_name"`
			Links    struct {
				HTML struct {
					Href string `json:"href"`
				} `json:"html"`
				Clone []struct {
					Name string `json:"name"`
					Href string `json:"href"`
				} `json:"clone"`
			} `json:"links"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("bitbucket payload: %w", err)
	}

	// Only the first change is considered; a nil "new" is a deletion.
	if len(payload.Push.Changes) == 0 || payload.Push.Changes[0].New == nil {
		return nil, ErrNotPush
	}
	change := payload.Push.Changes[0].New

	url := ""
	for _, c := range payload.Repository.Links.Clone {
		if c.Name == "https" || c.Name == "http" {
			url = c.Href
			break
		}
	}
	if url == "" {
		url = payload.Repository.Links.HTML.Href
	}

	ref := "refs/heads/" + change.Name
	if change.Type == "tag" {
		ref = "refs/tags/" + change.Name
	}
	return &PushEvent{
		RepositoryURL:      url,
		RepositoryFullName: payload.Repository.FullName,
		Ref:                ref,
		Tag:                tagFromRef(ref),
	}, nil
}
