package store

import (
	"encoding/json"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of a registered instance
type InstanceStatus string

const (
	InstanceRunning    InstanceStatus = "RUNNING"
	InstanceSuspended  InstanceStatus = "SUSPENDED"
	InstanceStopped    InstanceStatus = "STOPPED"
	InstanceDeploying  InstanceStatus = "DEPLOYING"
	InstanceDestroying InstanceStatus = "DESTROYING"
	InstanceError      InstanceStatus = "ERROR"
	InstanceUnknown    InstanceStatus = "UNKNOWN"
)

// EventType classifies audit events
type EventType string

const (
	EventDeploy  EventType = "DEPLOY"
	EventSuspend EventType = "SUSPEND"
	EventResume  EventType = "RESUME"
	EventDestroy EventType = "DESTROY"
	EventBackup  EventType = "BACKUP"
)

// DeploymentStatus is the state of one provisioning attempt
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "PENDING"
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentSucceeded  DeploymentStatus = "SUCCEEDED"
	DeploymentFailed     DeploymentStatus = "FAILED"
	DeploymentCancelled  DeploymentStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transition
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentSucceeded || s == DeploymentFailed || s == DeploymentCancelled
}

// ExecutionStatus is the state of one command dispatch
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
)

// Endpoint describes how the control plane reaches an instance
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
}

// Instance is a registered remote development environment. Rows are
// never hard-deleted; destruction is the STOPPED status.
type Instance struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Name       string         `gorm:"uniqueIndex;size:190;not null" json:"name"`
	Provider   string         `gorm:"size:64" json:"provider"`
	Region     string         `gorm:"size:64" json:"region,omitempty"`
	Extensions string         `gorm:"type:text" json:"-"`
	ConfigHash string         `gorm:"size:64" json:"config_hash,omitempty"`
	Endpoint   string         `gorm:"type:text" json:"-"`
	Status     InstanceStatus `gorm:"size:16;index" json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ExtensionList splits the stored comma-joined extension column
func (i *Instance) ExtensionList() []string {
	if i.Extensions == "" {
		return nil
	}
	return strings.Split(i.Extensions, ",")
}

// SetExtensions stores the extension list as a comma-joined column
func (i *Instance) SetExtensions(exts []string) {
	i.Extensions = strings.Join(exts, ",")
}

// EndpointDescriptor decodes the stored endpoint column. A missing or
// malformed endpoint yields the zero descriptor.
func (i *Instance) EndpointDescriptor() Endpoint {
	var ep Endpoint
	if i.Endpoint != "" {
		_ = json.Unmarshal([]byte(i.Endpoint), &ep)
	}
	return ep
}

// SetEndpoint stores the endpoint descriptor as a JSON column
func (i *Instance) SetEndpoint(ep Endpoint) {
	data, err := json.Marshal(ep)
	if err != nil {
		return
	}
	i.Endpoint = string(data)
}

// Event is one immutable audit record, written in the same logical
// operation as the status mutation it documents
type Event struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string    `gorm:"size:36;index" json:"instance_id"`
	Type       EventType `gorm:"size:16" json:"event_type"`
	Metadata   string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// MetadataMap decodes the stored metadata column
func (e *Event) MetadataMap() map[string]any {
	m := map[string]any{}
	if e.Metadata != "" {
		_ = json.Unmarshal([]byte(e.Metadata), &m)
	}
	return m
}

// SetMetadata stores the metadata map as a JSON column
func (e *Event) SetMetadata(m map[string]any) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	e.Metadata = string(data)
}

// Deployment is one provisioning attempt. InstanceID is populated only
// on success.
type Deployment struct {
	ID          string           `gorm:"primaryKey;size:36" json:"id"`
	InstanceID  string           `gorm:"size:36;index" json:"instance_id,omitempty"`
	TemplateID  string           `gorm:"size:36" json:"template_id,omitempty"`
	ConfigHash  string           `gorm:"size:64;index" json:"config_hash"`
	ConfigYAML  string           `gorm:"type:text" json:"config_yaml"`
	Provider    string           `gorm:"size:64" json:"provider"`
	Region      string           `gorm:"size:64" json:"region,omitempty"`
	Status      DeploymentStatus `gorm:"size:16;index" json:"status"`
	Initiator   string           `gorm:"size:190" json:"initiator,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Log         string           `gorm:"type:text" json:"log,omitempty"`
	Error       string           `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CommandExecution is one command dispatch attempt
type CommandExecution struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	InstanceID    string          `gorm:"size:36;index" json:"instance_id"`
	UserID        string          `gorm:"size:190" json:"user_id,omitempty"`
	Command       string          `gorm:"type:text" json:"command"`
	Args          string          `gorm:"type:text" json:"-"`
	Env           string          `gorm:"type:text" json:"-"`
	WorkingDir    string          `gorm:"size:512" json:"working_dir,omitempty"`
	TimeoutMs     int64           `json:"timeout_ms"`
	Status        ExecutionStatus `gorm:"size:16;index" json:"status"`
	ExitCode      int             `json:"exit_code"`
	Stdout        string          `gorm:"type:mediumtext" json:"stdout,omitempty"`
	Stderr        string          `gorm:"type:mediumtext" json:"stderr,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	CorrelationID string          `gorm:"size:36;index" json:"correlation_id,omitempty"`
	Script        bool            `json:"script"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ArgList decodes the stored argument column
func (c *CommandExecution) ArgList() []string {
	var args []string
	if c.Args != "" {
		_ = json.Unmarshal([]byte(c.Args), &args)
	}
	return args
}

// SetArgs stores the argument list as a JSON column
func (c *CommandExecution) SetArgs(args []string) {
	data, err := json.Marshal(args)
	if err != nil {
		return
	}
	c.Args = string(data)
}

// EnvMap decodes the stored environment column
func (c *CommandExecution) EnvMap() map[string]string {
	m := map[string]string{}
	if c.Env != "" {
		_ = json.Unmarshal([]byte(c.Env), &m)
	}
	return m
}

// SetEnv stores the environment map as a JSON column
func (c *CommandExecution) SetEnv(env map[string]string) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.Env = string(data)
}

// MetricSample is one telemetry observation from an instance agent
type MetricSample struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	InstanceID string    `gorm:"size:36;index:idx_metric_instance_ts" json:"instance_id"`
	Timestamp  time.Time `gorm:"index:idx_metric_instance_ts;index" json:"timestamp"`

	CPUPercent float64 `json:"cpu_percent"`
	Load1      float64 `json:"load_avg_1"`
	Load5      float64 `json:"load_avg_5"`
	Load15     float64 `json:"load_avg_15"`
	CoreCount  int     `json:"core_count"`

	MemUsedBytes   uint64 `json:"mem_used_bytes"`
	MemTotalBytes  uint64 `json:"mem_total_bytes"`
	MemCachedBytes uint64 `json:"mem_cached_bytes"`
	SwapUsedBytes  uint64 `json:"swap_used_bytes"`
	SwapTotalBytes uint64 `json:"swap_total_bytes"`

	DiskUsedBytes     uint64  `json:"disk_used_bytes"`
	DiskTotalBytes    uint64  `json:"disk_total_bytes"`
	DiskReadBytesSec  float64 `json:"disk_read_bytes_sec"`
	DiskWriteBytesSec float64 `json:"disk_write_bytes_sec"`

	NetBytesSent   uint64 `json:"net_bytes_sent"`
	NetBytesRecv   uint64 `json:"net_bytes_recv"`
	NetPacketsSent uint64 `json:"net_packets_sent"`
	NetPacketsRecv uint64 `json:"net_packets_recv"`
}

// RollupPeriod selects the continuous-aggregate granularity
type RollupPeriod string

const (
	RollupHourly RollupPeriod = "hourly"
	RollupDaily  RollupPeriod = "daily"
)

// MetricRollup is one precomputed hourly/daily aggregate row
type MetricRollup struct {
	ID          uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	InstanceID  string       `gorm:"size:36;uniqueIndex:idx_rollup_bucket" json:"instance_id"`
	Period      RollupPeriod `gorm:"size:8;uniqueIndex:idx_rollup_bucket" json:"period"`
	BucketStart time.Time    `gorm:"uniqueIndex:idx_rollup_bucket" json:"bucket_start"`

	AvgCPUPercent float64 `json:"avg_cpu_percent"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	AvgMemUsed    float64 `json:"avg_mem_used_bytes"`
	MaxMemUsed    uint64  `json:"max_mem_used_bytes"`
	SampleCount   int64   `json:"sample_count"`
}
