// Package replication implements the single-writer replication authority:
// role configuration, the durable authority marker, WAL-prefix streaming
// between primary and replicas, and the explicit promotion protocol.
//
// At most one node in a cluster holds write authority. The authority state
// transition is made durable (fsynced marker file) before it takes effect,
// so a crash mid-promotion resolves deterministically on restart.
package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/durabase/internal/fsio"
	"github.com/kartikbazzad/durabase/internal/util"
)

// Role is the configured replication role of a node.
type Role string

const (
	RoleDisabled Role = "disabled" // standalone; acts as its own primary
	RolePrimary  Role = "primary"
	RoleReplica  Role = "replica"
)

// Config fixes a node's replication role. Replicas carry a stable UUID and
// the primary's address.
type Config struct {
	Role        Role   `json:"role" mapstructure:"role"`
	ReplicaID   string `json:"replica_id,omitempty" mapstructure:"replicaid"`
	PrimaryAddr string `json:"primary_addr,omitempty" mapstructure:"primaryaddr"`
}

// Normalize fills defaults and validates the configuration.
func (c *Config) Normalize() error {
	if c.Role == "" {
		c.Role = RoleDisabled
	}
	switch c.Role {
	case RoleDisabled, RolePrimary:
	case RoleReplica:
		if c.PrimaryAddr == "" {
			return fmt.Errorf("replica role requires a primary address")
		}
		if c.ReplicaID == "" {
			c.ReplicaID = uuid.NewString()
		}
	default:
		return fmt.Errorf("unknown replication role %q", c.Role)
	}
	return nil
}

// State is the resolved authority state of a node.
type State int

const (
	StateDisabled State = iota
	StateUninitialized
	StatePrimaryActive
	StateReplicaActive
	StateAuthorityTransitioning
	StateReplicationHalted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUninitialized:
		return "uninitialized"
	case StatePrimaryActive:
		return "primary_active"
	case StateReplicaActive:
		return "replica_active"
	case StateAuthorityTransitioning:
		return "authority_transitioning"
	case StateReplicationHalted:
		return "replication_halted"
	default:
		return "unknown"
	}
}

// MarkerFile is the durable authority marker name inside the data directory.
const MarkerFile = "authority_marker"

// marker is the on-disk authority record. Its presence means this node has
// assumed primary authority by promotion; its absence leaves the configured
// role in force.
type marker struct {
	State      string `json:"state"`
	ReplicaID  string `json:"replica_id,omitempty"`
	PromotedAt string `json:"promoted_at"`
}

// Authority tracks and persists the node's write-authority state.
type Authority struct {
	mu         sync.Mutex
	dataDir    string
	cfg        Config
	state      State
	haltReason string
}

// LoadAuthority resolves the node's authority state from its configuration
// and the durable marker. A persisted marker outranks the configured role:
// a replica that crashed mid-promotion after the marker fsync restarts as
// primary, one that crashed before it restarts as replica. Never ambiguous.
func LoadAuthority(dataDir string, cfg Config) (*Authority, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	a := &Authority{dataDir: dataDir, cfg: cfg}

	m, err := a.readMarker()
	if err != nil {
		return nil, err
	}
	switch {
	case m != nil:
		a.state = StatePrimaryActive
	case cfg.Role == RoleDisabled:
		a.state = StateDisabled
	case cfg.Role == RolePrimary:
		a.state = StatePrimaryActive
	default:
		a.state = StateReplicaActive
	}
	return a, nil
}

// State returns the current authority state.
func (a *Authority) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HaltReason returns the reason replication halted, if it did.
func (a *Authority) HaltReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.haltReason
}

// Config returns the node's replication configuration.
func (a *Authority) Config() Config {
	return a.cfg
}

// AdmitWrite reports whether this node may admit a write. Admission requires
// PrimaryActive or Disabled; anything else is an AuthorityDenied reject.
func (a *Authority) AdmitWrite() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StatePrimaryActive, StateDisabled:
		return nil
	default:
		return util.Rejectf(util.CodeAuthorityDenied,
			"writes are not admitted in state %s", a.state)
	}
}

// Halt transitions to ReplicationHalted with a reason. A halted replica does
// not re-read or re-apply; operator intervention is required.
func (a *Authority) Halt(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateReplicationHalted
	a.haltReason = reason
}

// markerPath returns the marker file location.
func (a *Authority) markerPath() string {
	return filepath.Join(a.dataDir, MarkerFile)
}

func (a *Authority) readMarker() (*marker, error) {
	raw, err := os.ReadFile(a.markerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read authority marker: %w", err)
	}
	var m marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse authority marker: %w", err)
	}
	return &m, nil
}

// writeMarker durably records the authority transition: synced temp file,
// rename, directory fsync. Only after this returns may the in-memory state
// become PrimaryActive.
func (a *Authority) writeMarker(now time.Time) error {
	m := marker{
		State:      StatePrimaryActive.String(),
		ReplicaID:  a.cfg.ReplicaID,
		PromotedAt: now.UTC().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal authority marker: %w", err)
	}
	return fsio.WriteFileDurable(a.markerPath(), raw)
}
