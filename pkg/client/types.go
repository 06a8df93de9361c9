package client

import "time"

// Master is a live master record as served by the status API.
type Master struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	Status      string    `json:"status"`
	Environment string    `json:"environment"`
	Supervisors []string  `json:"supervisors"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Supervisor is a live supervisor record.
type Supervisor struct {
	Name      string         `json:"name"`
	Master    string         `json:"master"`
	PID       int            `json:"pid"`
	Status    string         `json:"status"`
	Balance   string         `json:"balance"`
	Queues    []string       `json:"queues"`
	Processes map[string]int `json:"processes"`
	Timeout   time.Duration  `json:"timeout"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Orphan is a recorded orphan pid of one master.
type Orphan struct {
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

// Run is one worker lifetime from the history store.
type Run struct {
	Supervisor string     `json:"supervisor"`
	Queue      string     `json:"queue"`
	Worker     string     `json:"worker"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Running    bool       `json:"running"`
	ExitError  string     `json:"exit_error,omitempty"`
	Crashed    bool       `json:"crashed"`
}

// CommandResult names the supervisor a command was queued for.
type CommandResult struct {
	Supervisor string `json:"supervisor"`
	Queued     string `json:"queued"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Token is a bearer token issued by POST /auth/login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
