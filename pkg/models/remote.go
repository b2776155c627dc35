package models

import (
	"fmt"
	"time"
)

// AuthMethod selects how the SSH bootstrap authenticates.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
	AuthAgent    AuthMethod = "agent"
)

// RemoteHost describes an SSH-reachable machine.
type RemoteHost struct {
	ID         string     `json:"id,omitempty"`
	Hostname   string     `json:"hostname"`
	Port       int        `json:"port,omitempty"`
	Username   string     `json:"username"`
	AuthMethod AuthMethod `json:"auth_method"`
	KeyPath    string     `json:"key_path,omitempty"`
	Password   string     `json:"-"`
}

// ConnectionID returns the explicit id or the derived user@host:port form.
func (h RemoteHost) ConnectionID() string {
	if h.ID != "" {
		return h.ID
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", h.Username, h.Hostname, port)
}

// ConnectionState tracks remote connection lifecycle.
type ConnectionState string

const (
	ConnStateConnecting    ConnectionState = "connecting"
	ConnStateBootstrapping ConnectionState = "bootstrapping"
	ConnStateReady         ConnectionState = "ready"
	ConnStateError         ConnectionState = "error"
)

// RemoteConnection is the pool's record of one remote worker. Owned solely by
// the pool; callers hold only connection ids.
type RemoteConnection struct {
	ID           string          `json:"id"`
	Host         RemoteHost      `json:"host"`
	State        ConnectionState `json:"state"`
	DaemonPort   int             `json:"daemon_port,omitempty"`
	PID          int             `json:"pid,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
	Error        string          `json:"error,omitempty"`
}

// DaemonInfo is produced by a successful remote bootstrap. Token is the
// locally generated bearer token; it never leaves the local process.
type DaemonInfo struct {
	Version      string    `json:"version"`
	PID          int       `json:"pid"`
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"started_at"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Token        string    `json:"-"`
}
