// Package json implements the JSON payload codec for the Tag Engine bus.
// It is the primary (and currently only) serialisation format.
//
// It sits between the producers and the wire:
//
//	poll engine / flow runtime → format/json → transport/mqtt
//
// The codec converts any bus payload (models.BulkTagValueMessage,
// models.EngineStatusMessage, …) into a JSON byte slice and back. The model
// types carry their own json struct tags, so encoding is one json.Marshal
// call with optional indentation.
package json

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ─────────────────────────────────────────────────────────────────────────────
// Codec interface
// ─────────────────────────────────────────────────────────────────────────────

// Codec serialises bus payloads to byte slices and back. Alternative wire
// formats (protobuf, CBOR, …) can be added by implementing this interface
// without touching any other package.
type Codec interface {
	Encode(payload any) ([]byte, error)
	Decode(data []byte, into any) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls PayloadCodec behaviour.
type Config struct {
	// PrettyPrint selects indented output, for debugging against a live
	// broker. Leave false in production; compact payloads cost fewer
	// bytes on the wire.
	PrettyPrint bool

	// Indent is the indent unit for PrettyPrint output. Empty means two
	// spaces.
	Indent string
}

// ─────────────────────────────────────────────────────────────────────────────
// PayloadCodec
// ─────────────────────────────────────────────────────────────────────────────

// PayloadCodec implements Codec with encoding/json. Its fields never change
// after New, so one instance is shared by every publisher and subscriber.
type PayloadCodec struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a PayloadCodec. If logger is nil, a no-op logger is
// substituted so the codec never panics on a nil receiver.
func New(cfg Config, logger *slog.Logger) *PayloadCodec {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.PrettyPrint && cfg.Indent == "" {
		cfg.Indent = "  "
	}
	return &PayloadCodec{cfg: cfg, logger: logger}
}

// Encode serialises payload to JSON. An error means a value that cannot be
// marshalled reached the codec, which is a producer bug, so it is also
// logged here with the payload type.
func (c *PayloadCodec) Encode(payload any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("format/json: payload must not be nil")
	}

	var (
		data []byte
		err  error
	)

	if c.cfg.PrettyPrint {
		data, err = json.MarshalIndent(payload, "", c.cfg.Indent)
	} else {
		data, err = json.Marshal(payload)
	}

	if err != nil {
		c.logger.Error("format/json: marshal failed",
			"payload_type", fmt.Sprintf("%T", payload),
			"error", err.Error(),
		)
		return nil, fmt.Errorf("format/json: marshal: %w", err)
	}

	return data, nil
}

// Decode parses data into the destination value. The destination must be a
// non-nil pointer, exactly as for json.Unmarshal.
func (c *PayloadCodec) Decode(data []byte, into any) error {
	if len(data) == 0 {
		return fmt.Errorf("format/json: empty payload")
	}
	if err := json.Unmarshal(data, into); err != nil {
		c.logger.Error("format/json: unmarshal failed",
			"bytes", len(data),
			"error", err.Error(),
		)
		return fmt.Errorf("format/json: unmarshal: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

// noopWriter discards all log output when no logger is provided.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
