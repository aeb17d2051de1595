// Package code provides the execute_code tool, backed by the out-of-process
// Python sandbox. Gated to alchemist and above via the code execution
// feature flag.
package code

import (
	"context"
	"encoding/json"
	"time"

	"github.com/athanor-ai/athanor"
	"github.com/athanor-ai/athanor/sandbox"
)

const schema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string", "description": "Python code to execute"}
	},
	"required": ["code"]
}`

// result is the structured payload returned to the model.
type result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Tool returns the execute_code catalog entry wired to runner.
func Tool(runner *sandbox.Runner) *athanor.Tool {
	return &athanor.Tool{
		Name:        "execute_code",
		Description: "Execute a Python snippet in a sandbox and return its output. No filesystem, network, or subprocess access.",
		Category:    athanor.CategoryBackground,
		InputSchema: schema,
		MinTier:     athanor.TierAlchemist,
		Feature:     athanor.FeatureCodeExecution,
		Timeout:     60 * time.Second,
		Handler: func(ctx context.Context, inv athanor.Invocation) (string, error) {
			var params struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(inv.Args, &params); err != nil {
				return "", athanor.ToolErr(athanor.KindValidationError, inv.CallID, "invalid args: %v", err)
			}
			res, err := runner.Run(ctx, params.Code)
			if err != nil {
				return "", athanor.ToolErr(athanor.KindToolRuntimeError, inv.CallID, "sandbox: %v", err)
			}
			if res.TimedOut {
				return "", athanor.ToolErr(athanor.KindTimeout, inv.CallID, "execution timed out")
			}
			payload, _ := json.Marshal(result{
				Output:   res.Output,
				ExitCode: res.ExitCode,
				TimedOut: res.TimedOut,
			})
			return string(payload), nil
		},
	}
}
