// Package errmodel defines the compact, categorized error used across the
// recorder, its storage backends and its pipelines.
package errmodel

import (
	"encoding/json"
	"errors"
	"strings"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryConflict   = "conflict"
	CategoryStorage    = "storage"
	CategorySource     = "source"
	CategoryConsumer   = "consumer"
	CategoryCodec      = "codec"
	CategorySystem     = "system"
)

// Codes of the engine error taxonomy.
const (
	CodeModeConflict       = "mode_conflict"
	CodeNotFound           = "not_found"
	CodeStorageTimeout     = "storage_timeout"
	CodeCompressionFailure = "compression_failure"
	CodeSnapshotSource     = "snapshot_source"
	CodeConsumerDispatch   = "consumer_dispatch"
	CodeStorageTransaction = "storage_transaction"
	CodeInvalidState       = "invalid_state"
)

// Error is the compact error payload used internally and in exported error logs.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the first non-nil cause passed to New, so errors.Is and
// errors.As see through the compact envelope.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512), cause: err}
}

// Convenience constructors.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// ModeConflict reports that capture and playback were asked to run at the same time.
func ModeConflict(message string, ctx map[string]any) *Error {
	return New(CategoryConflict, CodeModeConflict, message, ctx)
}

// NotFound reports a missing stored record.
func NotFound(what, id string) *Error {
	return New(CategoryStorage, CodeNotFound, what+" not found", map[string]any{"id": id})
}

// StorageTimeout reports a backend operation that exceeded its deadline.
func StorageTimeout(op string, cause error) *Error {
	return New(CategoryStorage, CodeStorageTimeout, op+" timed out", map[string]any{"op": op}, cause)
}

// StorageTransaction reports a failed backend transaction. Nothing was persisted.
func StorageTransaction(op string, cause error) *Error {
	return New(CategoryStorage, CodeStorageTransaction, op+" failed", map[string]any{"op": op}, cause)
}

// CompressionFailure reports a codec error for a single frame.
func CompressionFailure(seq uint64, cause error) *Error {
	return New(CategoryCodec, CodeCompressionFailure, "compression failed", map[string]any{"seq": seq}, cause)
}

// SnapshotSource reports a failed or panicking snapshot source.
func SnapshotSource(cause error) *Error {
	return New(CategorySource, CodeSnapshotSource, "snapshot source failed", nil, cause)
}

// ConsumerDispatch reports a frame the consumer could not apply.
func ConsumerDispatch(index int, cause error) *Error {
	return New(CategoryConsumer, CodeConsumerDispatch, "frame dispatch failed", map[string]any{"index": index}, cause)
}

// InvalidState reports a transport operation issued from the wrong playback state.
func InvalidState(op, state string) *Error {
	return New(CategoryValidation, CodeInvalidState, op+" not allowed while "+state, map[string]any{"op": op, "state": state})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, uint64, float64, bool:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code string) bool {
	ce := From(err)
	return ce != nil && ce.Code == code
}
