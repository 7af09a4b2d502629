package server

import (
	"context"
	"encoding/json"

	"github.com/edictd/edict/internal/bootstrap"
	"github.com/edictd/edict/internal/protocol"
)

func (c *Context) registerBootstrapHandlers(h map[string]protocol.Handler) {
	h["bootstrap/status"] = c.handleBootstrapStatus
	h["bootstrap/request_token"] = c.handleRequestToken
	h["bootstrap/finalize"] = c.handleFinalize
}

func (c *Context) handleBootstrapStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	state := c.Gate.State()
	out := map[string]any{
		"state":                state,
		"confirmationRequired": state == bootstrap.StateAwaitingConfirmation,
	}
	switch state {
	case bootstrap.StateReferenceMode:
		out["reason"] = bootstrap.ReasonReferenceMode
	case bootstrap.StateAwaitingConfirmation:
		out["reason"] = bootstrap.ReasonConfirmationRequired
	}
	return out, nil
}

func (c *Context) handleRequestToken(ctx context.Context, raw json.RawMessage) (any, error) {
	issue, err := c.Gate.RequestToken()
	if err != nil {
		return nil, wireError(err)
	}
	return issue, nil
}

func (c *Context) handleFinalize(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Token string `json:"token"`
	}
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	if params.Token == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "token is required")
	}

	res, err := c.Gate.Finalize(params.Token)
	if err != nil {
		return nil, wireError(err)
	}
	return res, nil
}
