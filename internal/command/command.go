// Package command defines the tokens accepted on the controller socket and
// the camera modes they select.
package command

import (
	"bytes"
)

// Command is a single control token.
type Command string

const (
	// StartMonitor switches to live streaming. The name is historical and is
	// kept because existing clients send it.
	StartMonitor Command = "start_monitor"
	// KillMonitor switches back to motion watching.
	KillMonitor    Command = "kill_monitor"
	StartRecording Command = "start_recording"
	StopRecording  Command = "stop_recording"
	Ping           Command = "ping"
	Status         Command = "status"

	// Shutdown is delivered to worker inboxes only. It is never parsed from
	// the wire.
	Shutdown Command = "__shutdown"
)

var wireCommands = map[string]Command{
	string(StartMonitor):   StartMonitor,
	string(KillMonitor):    KillMonitor,
	string(StartRecording): StartRecording,
	string(StopRecording):  StopRecording,
	string(Ping):           Ping,
	string(Status):         Status,
}

// Parse maps raw socket bytes to a Command. Surrounding whitespace and NUL
// padding are ignored. Unknown input returns false.
func Parse(raw []byte) (Command, bool) {
	token := bytes.Trim(raw, " \t\r\n\x00")
	cmd, ok := wireCommands[string(token)]
	return cmd, ok
}

// TargetMode returns the mode a switching command selects.
func (c Command) TargetMode() (Mode, bool) {
	switch c {
	case StartMonitor:
		return ModeStreaming, true
	case KillMonitor:
		return ModeMonitoring, true
	}
	return ModeIdle, false
}

// IsPassthrough reports whether the command is forwarded to the stream worker.
func (c Command) IsPassthrough() bool {
	return c == StartRecording || c == StopRecording
}

// Mode is the controller's current camera mode.
type Mode int

const (
	ModeIdle Mode = iota
	ModeMonitoring
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModeMonitoring:
		return "monitoring"
	case ModeStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "monitoring":
		return ModeMonitoring, true
	case "streaming":
		return ModeStreaming, true
	case "idle", "":
		return ModeIdle, true
	}
	return ModeIdle, false
}
