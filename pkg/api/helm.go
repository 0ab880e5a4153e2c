package api

import (
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/store"
)

// helmIndex is the helm repository index document shape.
type helmIndex struct {
	APIVersion string                      `yaml:"apiVersion"`
	Generated  time.Time                   `yaml:"generated"`
	Entries    map[string][]helmIndexEntry `yaml:"entries"`
}

type helmIndexEntry struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description,omitempty"`
	Digest      string    `yaml:"digest,omitempty"`
	Created     time.Time `yaml:"created"`
	URLs        []string  `yaml:"urls"`
}

// handleHelmIndex serves the namespace's chart index, cached with ETag
// support. Only approved, non-yanked versions are listed.
func (s *Server) handleHelmIndex(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")

	entry, ok := s.helm.Get(namespace)
	if !ok {
		content, err := s.renderHelmIndex(r, namespace)
		if err != nil {
			s.log.Error("render helm index", "namespace", namespace, "error", err)
			WriteInternal(w)
			return
		}
		entry = s.helm.Set(namespace, content)
		metrics.HelmIndexRequestsTotal.WithLabelValues("miss").Inc()
	} else {
		metrics.HelmIndexRequestsTotal.WithLabelValues("hit").Inc()
	}

	if r.Header.Get("If-None-Match") == entry.ETag {
		metrics.HelmIndexRequestsTotal.WithLabelValues("not_modified").Inc()
		w.Header().Set("ETag", entry.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("ETag", entry.ETag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Content)
}

func (s *Server) renderHelmIndex(r *http.Request, namespace string) ([]byte, error) {
	ctx := r.Context()
	idx := helmIndex{
		APIVersion: "v1",
		Generated:  time.Now().UTC(),
		Entries:    make(map[string][]helmIndexEntry),
	}

	cursor := ""
	for {
		charts, next, err := s.db.ListArtifacts(ctx, store.ArtifactFilter{
			Namespace: namespace,
			Type:      store.TypeHelmChart,
			Status:    store.ArtifactActive,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, chart := range charts {
			versions, err := s.db.ListVersions(ctx, chart.ID, store.VersionApproved)
			if err != nil {
				return nil, err
			}
			for _, v := range versions {
				if v.IsBad {
					continue
				}
				idx.Entries[chart.Name] = append(idx.Entries[chart.Name], helmIndexEntry{
					Name:    chart.Name,
					Version: v.Version,
					Digest:  v.Digest,
					Created: v.CreatedAt,
					URLs:    []string{s.butlerURL + "/api/v1/versions/" + v.ID + "/download"},
				})
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	return yaml.Marshal(idx)
}
