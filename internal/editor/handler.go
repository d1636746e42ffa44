package editor

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/dshills/exthost/internal/jsonrpc"
)

// Methods served by Handler.
const (
	MethodGetMessage   = "editor/getMessage"
	MethodSetMessage   = "editor/setMessage"
	MethodPatchMessage = "editor/patchMessage"
)

// GetMessageParams are the params of editor/getMessage.
type GetMessageParams struct {
	Format string `json:"format,omitempty"`
}

// GetMessageResult is the result of editor/getMessage.
type GetMessageResult struct {
	Message  string `json:"message"`
	HasFile  bool   `json:"hasFile"`
	FilePath string `json:"filePath,omitempty"`
}

// SetMessageParams are the params of editor/setMessage.
type SetMessageParams struct {
	Message string `json:"message"`
	Format  string `json:"format,omitempty"`
}

// PatchMessageParams are the params of editor/patchMessage.
type PatchMessageParams struct {
	Patches []Patch `json:"patches" validate:"required,dive"`
}

// Handler serves editor requests from extensions against a Mirror.
type Handler struct {
	mirror   *Mirror
	validate *validator.Validate
}

// NewHandler creates a handler for m.
func NewHandler(m *Mirror) *Handler {
	return &Handler{mirror: m, validate: jsonrpc.NewValidator()}
}

// Serve handles one editor request. extensionID identifies the caller.
func (h *Handler) Serve(_ context.Context, extensionID, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodGetMessage:
		return h.getMessage(params)
	case MethodSetMessage:
		return h.setMessage(extensionID, params)
	case MethodPatchMessage:
		return h.patchMessage(extensionID, params)
	}
	return nil, jsonrpc.MethodNotFound(method)
}

func (h *Handler) getMessage(params json.RawMessage) (any, error) {
	var p GetMessageParams
	if err := jsonrpc.BindParams(params, &p, h.validate); err != nil {
		return nil, err
	}
	f, err := ParseFormat(p.Format)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}

	state := h.mirror.Get()
	if state.Empty() {
		return nil, jsonrpc.NewError(jsonrpc.CodeNoMessage, "no message is open")
	}
	text, err := h.mirror.RenderState(state, f)
	if err != nil {
		return nil, jsonrpc.InternalError("render %s: %v", f, err)
	}
	return GetMessageResult{Message: text, HasFile: state.HasFile, FilePath: state.FilePath}, nil
}

func (h *Handler) setMessage(extensionID string, params json.RawMessage) (any, error) {
	var p SetMessageParams
	if err := jsonrpc.BindParams(params, &p, h.validate); err != nil {
		return nil, err
	}
	f, err := ParseFormat(p.Format)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}

	result, err := h.mirror.Set(p.Message, f)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidMessage, "import from %s: %v", f, err)
	}
	if !result.Success {
		h.mirror.logger.Info("extension message rejected",
			"extension", extensionID, "err", result.Error)
	}
	return result, nil
}

func (h *Handler) patchMessage(extensionID string, params json.RawMessage) (any, error) {
	var p PatchMessageParams
	if err := jsonrpc.BindParams(params, &p, h.validate); err != nil {
		return nil, err
	}
	if h.mirror.Get().Empty() {
		return nil, jsonrpc.NewError(jsonrpc.CodeNoMessage, "no message is open")
	}

	result := h.mirror.Patch(p.Patches)
	if len(result.Errors) > 0 {
		h.mirror.logger.Debug("extension patch partially failed",
			"extension", extensionID,
			"applied", result.PatchesApplied,
			"failed", len(result.Errors))
	}
	return result, nil
}
