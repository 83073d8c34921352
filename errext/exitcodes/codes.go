// Package exitcodes contains the process exit codes of the tabpilot CLI.
package exitcodes

// ExitCode is a process exit code.
type ExitCode uint8

// Exit codes returned by the CLI commands.
const (
	GenericError        ExitCode = 1
	InvalidConfig       ExitCode = 104
	ConnectionFailed    ExitCode = 105
	CommandFailed       ExitCode = 106
	ElementNotFound     ExitCode = 107
	ElementNotClickable ExitCode = 108
	OperationTimeout    ExitCode = 109
	UnknownCommand      ExitCode = 110
	InvalidCommandParam ExitCode = 111
)
