package models

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// SSHPort is the port every instance exposes for remote access
const SSHPort = 22

// InstanceStatus is the normalized state of an instance across providers
type InstanceStatus int

const (
	// Active instances are running and reachable
	Active InstanceStatus = iota
	// Inactive instances exist but are stopped, booting or in an unknown state
	Inactive
	// Terminated instances are being deleted; no further transition is valid
	Terminated
)

// ClassifyStatus maps a provider-reported status string onto InstanceStatus.
// Unrecognized values (including transient states such as "pending") are
// reported as Inactive.
func ClassifyStatus(raw string) InstanceStatus {
	switch strings.ToLower(raw) {
	case "running":
		return Active
	case "terminated":
		return Terminated
	default:
		return Inactive
	}
}

// String returns the status name
func (s InstanceStatus) String() string {
	switch s {
	case Active:
		return "Active"
	case Terminated:
		return "Terminated"
	default:
		return "Inactive"
	}
}

// MarshalText encodes the status by name so stored snapshots stay readable
func (s InstanceStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText
func (s *InstanceStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Active":
		*s = Active
	case "Inactive":
		*s = Inactive
	case "Terminated":
		*s = Terminated
	default:
		return fmt.Errorf("unknown instance status: %q", text)
	}
	return nil
}

// Instance represents a cloud instance
type Instance struct {
	ID     string         `json:"id"`
	Region string         `json:"region"`
	MainIP netip.Addr     `json:"main_ip"`
	Tags   []string       `json:"tags"`
	Specs  string         `json:"specs"`
	Status InstanceStatus `json:"status"`
}

// IsActive reports whether the instance is running and ready for use
func (i Instance) IsActive() bool {
	return i.Status == Active
}

// IsInactive reports whether the instance is not ready for use.
// Terminated instances are inactive too.
func (i Instance) IsInactive() bool {
	return !i.IsActive()
}

// IsTerminated reports whether the instance is being deleted
func (i Instance) IsTerminated() bool {
	return i.Status == Terminated
}

// SSHAddress returns the address to open an SSH session on
func (i Instance) SSHAddress() netip.AddrPort {
	return netip.AddrPortFrom(i.MainIP, SSHPort)
}

// GetConnectionString returns user@ip for the instance, or "" when no
// address has been assigned yet
func (i Instance) GetConnectionString(username string) string {
	if i.MainIP.IsValid() && username != "" {
		return username + "@" + i.MainIP.String()
	}
	return ""
}

// GetSSHCommand returns a complete SSH command for the instance
func (i Instance) GetSSHCommand(username string) string {
	if !i.MainIP.IsValid() || username == "" {
		return ""
	}
	return fmt.Sprintf("ssh -p %d %s@%s", SSHPort, username, i.MainIP)
}

// Clone returns a copy that shares no memory with i
func (i Instance) Clone() Instance {
	if i.Tags != nil {
		i.Tags = append([]string(nil), i.Tags...)
	}
	return i
}

// InstanceIDs returns the ids of the given instances in order
func InstanceIDs(instances []Instance) []string {
	ids := make([]string, 0, len(instances))
	for _, instance := range instances {
		ids = append(ids, instance.ID)
	}
	return ids
}

// InstanceRecord represents an instance record for storage
type InstanceRecord struct {
	Instance  Instance  `json:"instance"`
	Provider  string    `json:"provider"`
	Username  string    `json:"username"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}
