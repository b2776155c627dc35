// Package remote bootstraps worker processes on SSH-reachable hosts and
// drives them over an authenticated HTTP channel. SSH is used only for
// install and launch; all execution traffic is HTTP with a bearer token.
package remote

// The remote worker's HTTP surface. Every request carries
// "Authorization: Bearer <token>".

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string  `json:"status"`
	PID    int     `json:"pid"`
	Uptime float64 `json:"uptime"`
}

// ExecRequest is the body of POST /exec.
type ExecRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
}

// ExecResponse is the result of POST /exec.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// FileReadRequest is the body of POST /file/read.
type FileReadRequest struct {
	Path string `json:"path"`
}

// FileReadResponse is the result of POST /file/read.
type FileReadResponse struct {
	Content string `json:"content"`
}

// FileWriteRequest is the body of POST /file/write.
type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileWriteResponse is the result of POST /file/write.
type FileWriteResponse struct {
	Success bool `json:"success"`
}

// ShutdownResponse is the result of POST /shutdown. The worker exits shortly
// after responding.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body the worker sends with any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
