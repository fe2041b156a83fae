package models

// Config is the root configuration for civiclake, loaded from
// ~/.civiclake/config.yaml or the file named by CIVICLAKE_CONFIG.
type Config struct {
	Storage       Storage       `yaml:"storage"`
	Keystore      Keystore      `yaml:"keystore"`
	Sources       []Source      `yaml:"sources"`
	Dimensions    []Dimension   `yaml:"dimensions"`
	Facts         []Fact        `yaml:"facts"`
	Aggregates    []Aggregate   `yaml:"aggregates"`
	Pipeline      Pipeline      `yaml:"pipeline"`
	Notifications Notifications `yaml:"notifications"`
	Metrics       Metrics       `yaml:"metrics"`
}

// Storage configures the object store holding bronze/silver/gold tables.
// Tables are whole-object JSONL files under partitioned key prefixes.
type Storage struct {
	Backend    string `yaml:"backend"`     // "minio" or "local"
	Endpoint   string `yaml:"endpoint"`    // minio/S3 endpoint host:port
	Bucket     string `yaml:"bucket"`      // bucket for all layers
	AccessKey  string `yaml:"access_key"`  // object store access key
	SecretKey  string `yaml:"secret_key"`  // secret; empty means keyring lookup
	UseSSL     bool   `yaml:"use_ssl"`     // TLS to the endpoint
	Region     string `yaml:"region"`      // optional region hint
	UseKeyring bool   `yaml:"use_keyring"` // resolve secret from OS keyring
	LocalPath  string `yaml:"local_path"`  // root dir for the local backend
}

// Keystore configures the sqlite watermark keystore.
type Keystore struct {
	Path string `yaml:"path"` // sqlite database file
}

// Source describes one disclosure feed (financial, lobbying, legislation).
type Source struct {
	Name           string `yaml:"name"`            // logical source name
	BronzeTable    string `yaml:"bronze_table"`    // bronze landing table
	SilverTable    string `yaml:"silver_table"`    // normalized output table
	WatermarkType  string `yaml:"watermark_type"`  // e.g. "filing_date"
	IncomingPrefix string `yaml:"incoming_prefix"` // object prefix of new snapshots
}

// Dimension describes one SCD Type 2 dimension build.
type Dimension struct {
	Name              string     `yaml:"name"`               // gold table name, e.g. "dim_members"
	Source            string     `yaml:"source"`             // silver table it builds from
	NaturalKey        string     `yaml:"natural_key"`        // natural-key field name
	TrackedAttributes []string   `yaml:"tracked_attributes"` // change-tracked fields
	ObservedAtField   string     `yaml:"observed_at_field"`  // source observation-date field
	Quality           Thresholds `yaml:"quality"`
}

// Fact describes one gold fact-table build.
type Fact struct {
	Name    string     `yaml:"name"`
	Source  string     `yaml:"source"`
	Quality Thresholds `yaml:"quality"`
}

// Aggregate describes one gold aggregate computed on the analytic engine.
type Aggregate struct {
	Name string `yaml:"name"`
	SQL  string `yaml:"sql"` // SELECT run by DuckDB over gold tables
}

// Thresholds are the declarative quality-gate settings for a table.
// Breaching a fail threshold blocks watermark advancement and publish;
// breaching only a warn threshold lets the run proceed with a notification.
type Thresholds struct {
	MinRows           int64    `yaml:"min_rows"`            // fail below this
	WarnMinRows       int64    `yaml:"warn_min_rows"`       // warn below this
	MaxStalenessDays  int      `yaml:"max_staleness_days"`  // fail if data older
	WarnStalenessDays int      `yaml:"warn_staleness_days"` // warn if data older
	MinNonNullRatio   float64  `yaml:"min_non_null_ratio"`  // fail below, per key column
	KeyColumns        []string `yaml:"key_columns"`         // columns the ratio applies to
}

// Pipeline carries the orchestrator's execution limits.
type Pipeline struct {
	MaxConcurrency    int     `yaml:"max_concurrency"`    // map fan-out ceiling (default 10)
	Timeout           string  `yaml:"timeout"`            // whole-execution wall clock, e.g. "2h"
	MaxRetries        int     `yaml:"max_retries"`        // per-state retry attempts
	InitialBackoff    string  `yaml:"initial_backoff"`    // e.g. "2s"
	BackoffMultiplier float64 `yaml:"backoff_multiplier"` // >= 1.5
}

// Notifications configures the quality notification sinks.
type Notifications struct {
	Webhook WebhookSink `yaml:"webhook"`
	Slack   SlackSink   `yaml:"slack"`
}

// WebhookSink posts the structured quality payload to an HTTP endpoint.
type WebhookSink struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
}

// SlackSink posts quality verdicts to a Slack incoming webhook.
type SlackSink struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// Metrics configures the PublishMetrics state. Empty URL disables the push.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	JobName        string `yaml:"job_name"`
}
