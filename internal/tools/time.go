package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chattyhq/chatty/internal/agent"
)

// TimeTool reports the current time in a requested timezone.
type TimeTool struct {
	now func() time.Time
}

// NewTimeTool creates the clock tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

type timeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name such as Europe/Berlin (defaults to UTC)"`
}

// Name returns the tool name the model calls.
func (t *TimeTool) Name() string { return "current_time" }

// Description tells the model when to reach for the tool.
func (t *TimeTool) Description() string {
	return "Returns the current date and time, optionally in a specific IANA timezone. Defaults to UTC."
}

// Schema describes the tool arguments.
func (t *TimeTool) Schema() json.RawMessage {
	return agent.ReflectSchema(timeArgs{})
}

// Execute resolves the timezone and formats the current time.
func (t *TimeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input timeArgs
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	zone := strings.TrimSpace(input.Timezone)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("unknown timezone %q", zone)
	}

	now := t.now().In(loc)
	return fmt.Sprintf("%s (%s)", now.Format("Monday, 2 January 2006, 15:04:05 MST"), loc), nil
}
