package store

// schema is written in the common subset of Postgres and SQLite DDL. The
// two-domain artifact uniqueness is enforced with partial unique indexes.
const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	provider TEXT,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	team TEXT NOT NULL DEFAULT '',
	storage_config TEXT,
	approval_policy TEXT,
	source_config TEXT NOT NULL DEFAULT '{}',
	source_repo_url TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS artifacts_ns_name_provider
	ON artifacts (namespace, name, provider) WHERE provider IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS artifacts_ns_name
	ON artifacts (namespace, name) WHERE provider IS NULL;
CREATE INDEX IF NOT EXISTS artifacts_source_repo ON artifacts (source_repo_url);

CREATE TABLE IF NOT EXISTS artifact_versions (
	id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL REFERENCES artifacts(id),
	version TEXT NOT NULL,
	major INTEGER NOT NULL,
	minor INTEGER NOT NULL,
	patch INTEGER NOT NULL,
	prerelease TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	is_latest BOOLEAN NOT NULL DEFAULT FALSE,
	is_bad BOOLEAN NOT NULL DEFAULT FALSE,
	digest TEXT NOT NULL DEFAULT '',
	changelog TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	storage_ref TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL DEFAULT 0,
	published_by TEXT NOT NULL DEFAULT '',
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (artifact_id, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS artifact_versions_one_latest
	ON artifact_versions (artifact_id) WHERE is_latest;

CREATE TABLE IF NOT EXISTS version_approvals (
	version_id TEXT NOT NULL REFERENCES artifact_versions(id),
	approver TEXT NOT NULL,
	approved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (version_id, approver)
);

CREATE TABLE IF NOT EXISTS environments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	cloud_integration TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS environment_modules (
	id TEXT PRIMARY KEY,
	environment_id TEXT NOT NULL REFERENCES environments(id),
	artifact_id TEXT NOT NULL REFERENCES artifacts(id),
	name TEXT NOT NULL,
	pinned_version TEXT,
	mode TEXT NOT NULL DEFAULT 'peaas',
	auto_plan_on_module_update BOOLEAN NOT NULL DEFAULT TRUE,
	tf_version TEXT NOT NULL DEFAULT '',
	state_backend TEXT,
	vcs_trigger TEXT,
	cloud_integration TEXT,
	variables TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL,
	UNIQUE (environment_id, name)
);

CREATE TABLE IF NOT EXISTS module_dependencies (
	id TEXT PRIMARY KEY,
	module_id TEXT NOT NULL REFERENCES environment_modules(id),
	depends_on_id TEXT NOT NULL REFERENCES environment_modules(id),
	output_mapping TEXT NOT NULL DEFAULT '[]',
	UNIQUE (module_id, depends_on_id)
);

CREATE TABLE IF NOT EXISTS module_runs (
	id TEXT PRIMARY KEY,
	module_id TEXT NOT NULL REFERENCES environment_modules(id),
	environment_run_id TEXT,
	operation TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	queue_position INTEGER,
	triggered_by TEXT NOT NULL DEFAULT '',
	tf_version TEXT NOT NULL DEFAULT '',
	variables TEXT,
	state_backend TEXT,
	callback_token_hash TEXT,
	exit_code INTEGER,
	resources_added INTEGER,
	resources_changed INTEGER,
	resources_destroyed INTEGER,
	tf_outputs TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	run_log TEXT NOT NULL DEFAULT '',
	plan_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	planned_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS module_runs_module_status ON module_runs (module_id, status);
CREATE INDEX IF NOT EXISTS module_runs_status ON module_runs (status);
CREATE INDEX IF NOT EXISTS module_runs_env_run ON module_runs (environment_run_id);

CREATE TABLE IF NOT EXISTS environment_runs (
	id TEXT PRIMARY KEY,
	environment_id TEXT NOT NULL REFERENCES environments(id),
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '',
	confirmation_deadline TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS policy_bindings (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	scope_ref TEXT NOT NULL DEFAULT '',
	rules TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS policy_bindings_scope ON policy_bindings (scope, scope_ref);

CREATE TABLE IF NOT EXISTS policy_evaluations (
	id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL,
	version_id TEXT NOT NULL DEFAULT '',
	trigger_kind TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	enforcement TEXT NOT NULL,
	results TEXT,
	evaluated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL DEFAULT '',
	resource_name TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	details TEXT,
	occurred_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ci_results (
	id TEXT PRIMARY KEY,
	version_id TEXT NOT NULL REFERENCES artifact_versions(id),
	kind TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	grade TEXT NOT NULL DEFAULT '',
	reported_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_tokens (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	actor TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS download_logs (
	id TEXT PRIMARY KEY,
	version_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	remote_addr TEXT NOT NULL DEFAULT '',
	downloaded_at TIMESTAMP NOT NULL
);
`
