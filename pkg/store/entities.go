// Package store is the persistence layer of the registry. It defines the
// logical entities and implements their typed operations over database/sql
// (Postgres in production, SQLite for single-node development).
//
// All run-state invariants live here: the at-most-one-active rule, queue
// positions, and terminal immutability are enforced under row-level module
// locks, never in process memory.
package store

import (
	"encoding/json"
	"time"

	"github.com/butlerhq/butler-registry/pkg/run"
)

// ArtifactType enumerates the artifact kinds tracked by the registry.
type ArtifactType string

const (
	TypeTerraformModule   ArtifactType = "terraform-module"
	TypeTerraformProvider ArtifactType = "terraform-provider"
	TypeHelmChart         ArtifactType = "helm-chart"
	TypeOPABundle         ArtifactType = "opa-bundle"
	TypeOCIArtifact       ArtifactType = "oci-artifact"
)

// ValidArtifactType reports whether t is a known artifact type.
func ValidArtifactType(t ArtifactType) bool {
	switch t {
	case TypeTerraformModule, TypeTerraformProvider, TypeHelmChart, TypeOPABundle, TypeOCIArtifact:
		return true
	}
	return false
}

// ArtifactStatus is the lifecycle status of an artifact.
type ArtifactStatus string

const (
	ArtifactActive     ArtifactStatus = "active"
	ArtifactDeprecated ArtifactStatus = "deprecated"
	ArtifactArchived   ArtifactStatus = "archived"
)

// SourceConfig binds an artifact to its VCS source.
type SourceConfig struct {
	RepositoryURL string `json:"repository_url"`
	Path          string `json:"path,omitempty"`
	TagPrefix     string `json:"tag_prefix,omitempty"`
}

// Artifact is a named, versioned registry object. Provider is nullable and
// participates in uniqueness only when set: (namespace, name, provider) and
// (namespace, name) are two distinct uniqueness domains.
type Artifact struct {
	ID             string          `json:"id"`
	Namespace      string          `json:"namespace"`
	Name           string          `json:"name"`
	Provider       *string         `json:"provider,omitempty"`
	Type           ArtifactType    `json:"type"`
	Status         ArtifactStatus  `json:"status"`
	Team           string          `json:"team"`
	StorageConfig  json.RawMessage `json:"storage_config,omitempty"`
	ApprovalPolicy json.RawMessage `json:"approval_policy,omitempty"`
	Source         SourceConfig    `json:"source_config"`
	Tags           []string        `json:"tags,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// VersionStatus is the approval status of a version.
type VersionStatus string

const (
	VersionPending  VersionStatus = "pending"
	VersionApproved VersionStatus = "approved"
	VersionRejected VersionStatus = "rejected"
)

// Version is one semver release of an artifact. Never physically deleted.
type Version struct {
	ID          string          `json:"id"`
	ArtifactID  string          `json:"artifact_id"`
	Version     string          `json:"version"`
	Major       int             `json:"major"`
	Minor       int             `json:"minor"`
	Patch       int             `json:"patch"`
	Prerelease  string          `json:"prerelease,omitempty"`
	Status      VersionStatus   `json:"status"`
	IsLatest    bool            `json:"is_latest"`
	IsBad       bool            `json:"is_bad"`
	Digest      string          `json:"digest,omitempty"`
	Changelog   string          `json:"changelog,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	StorageRef  string          `json:"storage_ref,omitempty"`
	Size        int64           `json:"size"`
	PublishedBy string          `json:"published_by"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CloudIntegration carries the OIDC fields resolved into dispatch payloads.
type CloudIntegration struct {
	GCPWIFProvider    string `json:"gcp_wif_provider,omitempty"`
	GCPServiceAccount string `json:"gcp_service_account,omitempty"`
	GCPProjectID      string `json:"gcp_project_id,omitempty"`
	AWSRoleARN        string `json:"aws_role_arn,omitempty"`
	AWSRegion         string `json:"aws_region,omitempty"`
}

// Environment is a cohort of modules that plan/apply together.
type Environment struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Locked           bool              `json:"locked"`
	CloudIntegration *CloudIntegration `json:"cloud_integration,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// VCSTrigger is a module-level override of the dispatch target repository.
type VCSTrigger struct {
	RepositoryURL string `json:"repository_url"`
}

// ModuleStatus is the lifecycle status of an environment module.
type ModuleStatus string

const (
	ModuleActive   ModuleStatus = "active"
	ModuleDisabled ModuleStatus = "disabled"
)

// Module binds an artifact (plus version constraint) into an environment.
// A nil PinnedVersion tracks latest.
type Module struct {
	ID               string            `json:"id"`
	EnvironmentID    string            `json:"environment_id"`
	ArtifactID       string            `json:"artifact_id"`
	Name             string            `json:"name"`
	PinnedVersion    *string           `json:"pinned_version,omitempty"`
	Mode             run.Mode          `json:"mode"`
	AutoPlanOnUpdate bool              `json:"auto_plan_on_module_update"`
	TFVersion        string            `json:"tf_version,omitempty"`
	StateBackend     json.RawMessage   `json:"state_backend,omitempty"`
	VCSTrigger       *VCSTrigger       `json:"vcs_trigger,omitempty"`
	CloudIntegration *CloudIntegration `json:"cloud_integration,omitempty"`
	Variables        json.RawMessage   `json:"variables,omitempty"`
	Status           ModuleStatus      `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

// OutputMapping routes one upstream output into a downstream variable.
type OutputMapping struct {
	UpstreamOutput     string `json:"upstream_output"`
	DownstreamVariable string `json:"downstream_variable"`
}

// ModuleDependency is a directed edge module → depends-on with its output
// mapping. The edge set per environment is kept acyclic on write.
type ModuleDependency struct {
	ID            string          `json:"id"`
	ModuleID      string          `json:"module_id"`
	DependsOnID   string          `json:"depends_on_id"`
	OutputMapping []OutputMapping `json:"output_mapping,omitempty"`
}

// ModuleRun is the operational unit of work.
type ModuleRun struct {
	ID                 string          `json:"id"`
	ModuleID           string          `json:"module_id"`
	EnvironmentRunID   *string         `json:"environment_run_id,omitempty"`
	Operation          run.Operation   `json:"operation"`
	Mode               run.Mode        `json:"mode"`
	Status             run.Status      `json:"status"`
	Priority           run.Priority    `json:"priority"`
	QueuePosition      *int            `json:"queue_position,omitempty"`
	TriggeredBy        string          `json:"triggered_by"`
	TFVersion          string          `json:"tf_version,omitempty"`
	Variables          json.RawMessage `json:"variables,omitempty"`
	StateBackend       json.RawMessage `json:"state_backend,omitempty"`
	CallbackTokenHash  *string         `json:"-"`
	ExitCode           *int            `json:"exit_code,omitempty"`
	ResourcesAdded     *int            `json:"resources_added,omitempty"`
	ResourcesChanged   *int            `json:"resources_changed,omitempty"`
	ResourcesDestroyed *int            `json:"resources_destroyed,omitempty"`
	TFOutputs          json.RawMessage `json:"tf_outputs,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	RunLog             string          `json:"run_log,omitempty"`
	PlanRef            string          `json:"plan_ref,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	PlannedAt          *time.Time      `json:"planned_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// EnvRunStatus is the aggregate status of an environment run.
type EnvRunStatus string

const (
	EnvRunRunning             EnvRunStatus = "running"
	EnvRunConfirmationPending EnvRunStatus = "confirmation_pending"
	EnvRunSucceeded           EnvRunStatus = "succeeded"
	EnvRunFailed              EnvRunStatus = "failed"
	EnvRunDiscarded           EnvRunStatus = "discarded"
)

// EnvironmentRun is the parent of the module-run cohort produced by one
// plan-all / apply-all / destroy-all invocation.
type EnvironmentRun struct {
	ID                   string           `json:"id"`
	EnvironmentID        string           `json:"environment_id"`
	Operation            run.EnvOperation `json:"operation"`
	Status               EnvRunStatus     `json:"status"`
	TriggeredBy          string           `json:"triggered_by"`
	ConfirmationDeadline *time.Time       `json:"confirmation_deadline,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
}

// PolicyScope is where a policy binding attaches.
type PolicyScope string

const (
	ScopeArtifact  PolicyScope = "artifact"
	ScopeNamespace PolicyScope = "namespace"
	ScopeTeam      PolicyScope = "team"
	ScopeGlobal    PolicyScope = "global"
)

// PolicyBinding attaches a rule document at a scope. ScopeRef is the
// artifact id, namespace, or team name; empty for global.
type PolicyBinding struct {
	ID        string          `json:"id"`
	Scope     PolicyScope     `json:"scope"`
	ScopeRef  string          `json:"scope_ref,omitempty"`
	Rules     json.RawMessage `json:"rules"`
	CreatedAt time.Time       `json:"created_at"`
}

// PolicyEvaluation is the fire-and-forget audit row of one evaluation.
type PolicyEvaluation struct {
	ID          string          `json:"id"`
	ArtifactID  string          `json:"artifact_id"`
	VersionID   string          `json:"version_id,omitempty"`
	Trigger     string          `json:"trigger"`
	Actor       string          `json:"actor"`
	Outcome     string          `json:"outcome"`
	Enforcement string          `json:"enforcement"`
	Results     json.RawMessage `json:"results,omitempty"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// AuditEntry is one append-only audit log row. Never mutated.
type AuditEntry struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	ResourceName string          `json:"resource_name,omitempty"`
	Version      string          `json:"version,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// CIResultKind enumerates CI result types consulted by policy rules.
type CIResultKind string

const (
	CITest     CIResultKind = "test"
	CIValidate CIResultKind = "validate"
	CIScan     CIResultKind = "scan"
)

// CIResult is an externally reported CI outcome for a version.
type CIResult struct {
	ID         string       `json:"id"`
	VersionID  string       `json:"version_id"`
	Kind       CIResultKind `json:"kind"`
	Success    bool         `json:"success"`
	Grade      string       `json:"grade,omitempty"`
	ReportedAt time.Time    `json:"reported_at"`
}

// APIToken is a registry (breg_) token, stored by hash only.
type APIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Actor      string     `json:"actor"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// DownloadLog records one gated download.
type DownloadLog struct {
	ID           string    `json:"id"`
	VersionID    string    `json:"version_id"`
	Actor        string    `json:"actor"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}
