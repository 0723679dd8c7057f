package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of an object server.
type ServerConfig struct {
	// Transport settings: http, tcp or unix. Endpoint is an address for
	// http and tcp, a socket path for unix.
	Transport string
	Endpoint  string
	// TransportWorkers bounds the requests handled at once per tcp or unix
	// connection
	TransportWorkers int

	// Schema is the YAML file describing the object types (empty = built-in
	// types only)
	Schema string
	// Oversight runs consistency checks in commit phase 1
	Oversight bool
	// SupergashPassword is used to bootstrap an empty store
	SupergashPassword string

	// Journal is the file committed transactions are appended to (empty =
	// in-memory journal, nothing survives a restart)
	Journal string

	// Audit log backend: memory, sqlite or postgres
	AuditDriver string
	AuditDSN    string

	// IdleTimeoutSecond disconnects idle sessions (0 = never)
	IdleTimeoutSecond int64

	// Serializer used on the wire and for the journal (json, gob)
	Serializer string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orDefault := func(value, def string) string {
		if value == "" {
			return def
		}
		return value
	}

	// RPC settings
	addSection("RPC Server")
	addField("Transport", orDefault(c.Transport, "http"))
	addField("Endpoint", c.Endpoint)
	if c.Transport == "tcp" || c.Transport == "unix" {
		addField("Workers/Connection", strconv.Itoa(c.TransportWorkers))
	}
	addField("Serializer", c.Serializer)
	if c.IdleTimeoutSecond > 0 {
		addField("Idle Timeout", fmt.Sprintf("%d sec", c.IdleTimeoutSecond))
	} else {
		addField("Idle Timeout", "disabled")
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Store
	addSection("Object Store")
	addField("Schema", orDefault(c.Schema, "(built-in types only)"))
	addField("Oversight", strconv.FormatBool(c.Oversight))
	addField("Journal", orDefault(c.Journal, "(memory)"))

	// Audit
	addSection("Audit Log")
	addField("Driver", c.AuditDriver)
	if c.AuditDriver != "memory" {
		addField("DSN", redact(c.AuditDSN))
	}

	return sb.String()
}

// redact hides the password of a postgres connection string.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		if at := strings.LastIndex(dsn, "@"); at > i {
			creds := dsn[i+3 : at]
			if c := strings.Index(creds, ":"); c >= 0 {
				return dsn[:i+3] + creds[:c] + ":****" + dsn[at:]
			}
		}
	}
	return dsn
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	RetryCount    int

	// Socket transports only (tcp, unix)
	ConnectionsPerEndpoint int
	WriteBufferSize        int
	ReadBufferSize         int

	// TCP only
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	if c.ConnectionsPerEndpoint > 0 {
		addField("Connections/Endpoint", strconv.Itoa(c.ConnectionsPerEndpoint))
	}

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
