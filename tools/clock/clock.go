// Package clock provides the get_current_time tool.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/athanor-ai/athanor"
)

const schema = `{
	"type": "object",
	"properties": {
		"timezone": {"type": "string", "description": "IANA timezone name, e.g. \"Asia/Jakarta\". Defaults to UTC."}
	}
}`

// Tool returns the current-time catalog entry. now is injectable for tests;
// nil means time.Now.
func Tool(now func() time.Time) *athanor.Tool {
	if now == nil {
		now = time.Now
	}
	return &athanor.Tool{
		Name:        "get_current_time",
		Description: "Get the current date and time as an ISO 8601 timestamp, optionally in a specific timezone.",
		Category:    athanor.CategoryBackground,
		InputSchema: schema,
		Handler: func(_ context.Context, inv athanor.Invocation) (string, error) {
			var params struct {
				Timezone string `json:"timezone"`
			}
			if err := json.Unmarshal(inv.Args, &params); err != nil {
				return "", athanor.ToolErr(athanor.KindValidationError, inv.CallID, "invalid args: %v", err)
			}
			loc := time.UTC
			if params.Timezone != "" {
				l, err := time.LoadLocation(params.Timezone)
				if err != nil {
					return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "unknown timezone %q", params.Timezone)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		},
	}
}
