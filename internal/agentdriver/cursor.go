package agentdriver

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// cursorEvent mirrors the shape the teacher's pkg/copilot driver extracts
// from the official Copilot Go SDK (itself backed by JSON-RPC to the
// Copilot CLI): spec's canonical agent set uses "cursor" where the teacher
// used "copilot", so this driver is structurally grounded on pkg/copilot's
// CLI-wrapping pattern while targeting the Cursor CLI agent's own
// line-oriented JSON output.
type cursorEvent struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Model     string  `json:"model"`
	CostUSD   float64 `json:"cost_usd"`
	Error     string  `json:"error"`
}

// CursorDriver drives the Cursor CLI agent.
type CursorDriver struct{}

// NewCursorDriver returns the canonical cursor driver.
func NewCursorDriver() *CursorDriver { return &CursorDriver{} }

func (d *CursorDriver) Name() string    { return "cursor" }
func (d *CursorDriver) Command() string { return "cursor-agent" }

func (d *CursorDriver) BuildArgv(prompt string) []string {
	return []string{"-p", prompt, "--output-format", "json-lines"}
}

func (d *CursorDriver) ParseOutput(stdout, _ []byte) ParsedOutput {
	var out ParsedOutput
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev cursorEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.SessionID != "" {
			out.SessionID = ev.SessionID
		}
		if ev.Model != "" {
			out.Model = ev.Model
		}
		if ev.Type == "result" {
			out.CostUSD = ev.CostUSD
			out.HasError = ev.Error != ""
		}
	}
	return out
}
