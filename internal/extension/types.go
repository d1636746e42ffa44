package extension

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/dshills/exthost/internal/event"
	"github.com/dshills/exthost/internal/schema"
)

// APIVersion is the protocol version announced in the handshake.
const APIVersion = "1.0"

// Config describes one configured extension.
type Config struct {
	// Path is the executable, or a full command line when Args is empty.
	Path string `toml:"path" json:"path" validate:"required"`

	// Args are passed to the executable.
	Args []string `toml:"args" json:"args,omitempty"`

	// Env is added to the extension's environment.
	Env map[string]string `toml:"env" json:"env,omitempty"`

	// Enabled controls whether the extension is started.
	Enabled bool `toml:"enabled" json:"enabled"`
}

// ID derives the stable extension id from the configured path.
func ID(path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("ext-%016x", h.Sum64())
}

// Environment is what the host tells every extension about itself.
type Environment struct {
	HostVersion string
	APIVersion  string
	DataDir     string
}

// ExitStatus records how an extension process ended.
type ExitStatus struct {
	Code    int           `json:"code"`
	Runtime time.Duration `json:"runtime"`
	Summary string        `json:"summary"`
}

// Status is a point-in-time view of one extension.
type Status struct {
	ID       string      `json:"id"`
	Path     string      `json:"path"`
	Enabled  bool        `json:"enabled"`
	State    State       `json:"state"`
	PID      int         `json:"pid,omitempty"`
	Uptime   string      `json:"uptime,omitempty"`
	Name     string      `json:"name,omitempty"`
	Version  string      `json:"version,omitempty"`
	Error    string      `json:"error,omitempty"`
	LastExit *ExitStatus `json:"lastExit,omitempty"`
}

// InitializeParams is sent with the initialize request.
type InitializeParams struct {
	HostVersion   string `json:"hostVersion"`
	APIVersion    string `json:"apiVersion"`
	DataDirectory string `json:"dataDirectory"`
}

// InitializeResult is the extension's handshake reply.
type InitializeResult struct {
	Name           string           `json:"name" validate:"required"`
	Version        string           `json:"version" validate:"required"`
	Description    string           `json:"description,omitempty"`
	Authors        []string         `json:"authors,omitempty"`
	Homepage       string           `json:"homepage,omitempty"`
	Capabilities   Capabilities     `json:"capabilities"`
	ToolbarButtons []ToolbarButton  `json:"toolbarButtons,omitempty" validate:"dive"`
	Schema         *schema.Override `json:"schema,omitempty"`
}

// Metadata is what the host keeps from a successful handshake.
type Metadata = InitializeResult

// Capabilities lists what an extension provides and listens to.
type Capabilities struct {
	Commands       []string            `json:"commands,omitempty"`
	SchemaProvider bool                `json:"schemaProvider,omitempty"`
	Events         []EventSubscription `json:"events,omitempty" validate:"dive"`
}

// EventSubscription is one event an extension wants to receive.
type EventSubscription struct {
	Name    string        `json:"name" validate:"required,oneof=message/opened message/saved message/changed"`
	Options *EventOptions `json:"options,omitempty"`
}

// EventOptions control what an event notification carries.
type EventOptions struct {
	IncludeContent bool   `json:"includeContent,omitempty"`
	Format         string `json:"format,omitempty" validate:"omitempty,oneof=hl7 json yaml toml raw tree human config"`
}

// ToolbarButton is a button an extension contributes. Clicking it runs
// Command.
type ToolbarButton struct {
	ID      string `json:"id" validate:"required"`
	Label   string `json:"label" validate:"required"`
	Icon    string `json:"icon"`
	Command string `json:"command" validate:"required"`
	Group   string `json:"group,omitempty"`
}

// subscription returns the options for event, if subscribed.
func (m *Metadata) subscription(name string) (event.Options, bool) {
	if m == nil {
		return event.Options{}, false
	}
	for _, s := range m.Capabilities.Events {
		if s.Name != name {
			continue
		}
		if s.Options == nil {
			return event.Options{}, true
		}
		return event.Options{IncludeContent: s.Options.IncludeContent, Format: s.Options.Format}, true
	}
	return event.Options{}, false
}

// provides reports whether the extension handles command, either declared
// directly or through one of its toolbar buttons.
func (m *Metadata) provides(command string) bool {
	if m == nil {
		return false
	}
	for _, c := range m.Capabilities.Commands {
		if c == command {
			return true
		}
	}
	for _, b := range m.ToolbarButtons {
		if b.Command == command {
			return true
		}
	}
	return false
}

// StopReason tells an extension why it is being shut down.
type StopReason string

// Stop reasons.
const (
	ReasonClosing  StopReason = "closing"
	ReasonDisabled StopReason = "disabled"
	ReasonReload   StopReason = "reload"
	ReasonError    StopReason = "error"
)

// ShutdownParams is sent with the shutdown request.
type ShutdownParams struct {
	Reason StopReason `json:"reason,omitempty"`
}

// CommandParams is sent with the command/execute notification.
type CommandParams struct {
	Command string `json:"command"`
}

// LogLevel is the severity of an extension log entry.
type LogLevel string

// Log levels.
const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line an extension logged.
type LogEntry struct {
	Time    time.Time `json:"timestamp"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

type logParams struct {
	Level   LogLevel `json:"level" validate:"omitempty,oneof=info warn error"`
	Message string   `json:"message"`
}
