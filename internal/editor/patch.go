package editor

import (
	"fmt"

	"github.com/dshills/exthost/internal/hl7"
)

// Patch is one targeted edit. Path addresses a segment ("OBX[2]") or a
// value inside one ("PID.5.1"). On a segment path Create appends a new
// segment and Remove deletes one. On a value path the value is set; a
// missing Value, or Remove, clears it.
type Patch struct {
	Path   string  `json:"path" validate:"required"`
	Value  *string `json:"value,omitempty"`
	Remove bool    `json:"remove,omitempty"`
	Create bool    `json:"create,omitempty"`
}

// PatchError describes one failed patch.
type PatchError struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// PatchResult reports the outcome of a batch of patches.
type PatchResult struct {
	Success        bool         `json:"success"`
	PatchesApplied int          `json:"patchesApplied"`
	Errors         []PatchError `json:"errors,omitempty"`
}

func applyPatches(text string, patches []Patch) (string, PatchResult) {
	result := PatchResult{}
	msg, err := hl7.Parse(text)
	if err != nil {
		for i, p := range patches {
			result.Errors = append(result.Errors, PatchError{
				Index:   i,
				Path:    p.Path,
				Message: fmt.Sprintf("parse message: %v", err),
			})
		}
		result.Success = len(patches) == 0
		return text, result
	}

	for i, p := range patches {
		if err := applyPatch(msg, p); err != nil {
			result.Errors = append(result.Errors, PatchError{Index: i, Path: p.Path, Message: err.Error()})
			continue
		}
		result.PatchesApplied++
	}
	result.Success = len(result.Errors) == 0
	return msg.String(), result
}

func applyPatch(msg *hl7.Message, p Patch) error {
	loc, err := hl7.ParseLocation(p.Path)
	if err != nil {
		return err
	}

	if loc.IsSegment() {
		switch {
		case p.Create:
			return msg.InsertSegment(loc.Segment, loc.Occurrence)
		case p.Remove:
			_, err := msg.RemoveSegment(loc.Segment, loc.Occurrence)
			return err
		default:
			return fmt.Errorf("path %q must name a field to set a value", p.Path)
		}
	}

	value := ""
	if p.Value != nil && !p.Remove {
		value = *p.Value
	}
	return msg.Set(loc, value)
}
