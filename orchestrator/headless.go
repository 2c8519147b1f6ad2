package orchestrator

import (
	"context"

	"github.com/smallnest/clawbridge/protocol"
	"github.com/smallnest/clawbridge/sink"
)

// RunHeadless runs one turn without a live consumer. Approvals are bypassed
// since nobody could answer them. On failure the partial result is returned
// together with the error.
func (o *Orchestrator) RunHeadless(ctx context.Context, prompt string, opts protocol.CommandOptions) (*sink.Result, error) {
	opts.PermissionMode = protocol.PermissionModeBypass
	opts.ToolsSettings.SkipPermissions = true

	c := sink.NewCollector()
	out, err := sink.New(c)
	if err != nil {
		return nil, err
	}

	if _, err := o.Run(ctx, prompt, opts, out); err != nil {
		r := c.Fail(err)
		return &r, err
	}

	var r sink.Result
	select {
	case <-c.Done():
		r = c.Result()
	default:
		// Aborted, or the engine ended without a result.
		r = c.Fail(ctx.Err())
	}
	return &r, nil
}
