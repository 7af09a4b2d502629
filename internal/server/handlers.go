package server

import (
	"encoding/json"
	"errors"

	"github.com/edictd/edict/internal/bootstrap"
	"github.com/edictd/edict/internal/protocol"
)

// Handlers builds the line-protocol method registry. Each subsystem
// registers its own methods; the map is handed to protocol.NewServer.
func Handlers(c *Context) map[string]protocol.Handler {
	h := make(map[string]protocol.Handler)
	c.registerInstructionHandlers(h)
	c.registerManifestHandlers(h)
	c.registerBootstrapHandlers(h)
	return h
}

// decode unmarshals request params into dst. Absent params are fine —
// every params struct has usable zero values.
func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return protocol.Errorf(protocol.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// wireError maps domain errors onto JSON-RPC error objects. Anything
// unrecognized passes through and lands as an internal error.
func wireError(err error) error {
	var denied *bootstrap.DeniedError
	if errors.As(err, &denied) {
		return &protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "mutation denied",
			Data:    map[string]string{"reason": denied.Reason},
		}
	}
	switch {
	case errors.Is(err, bootstrap.ErrNoPendingToken),
		errors.Is(err, bootstrap.ErrTokenExpired),
		errors.Is(err, bootstrap.ErrTokenMismatch):
		return &protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "finalize rejected",
			Data:    map[string]string{"reason": err.Error()},
		}
	}
	return err
}

// invalidParams wraps a validation failure with the JSON-RPC invalid
// params code.
func invalidParams(err error) error {
	return protocol.Errorf(protocol.CodeInvalidParams, "%v", err)
}
