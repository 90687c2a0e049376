package flow

import (
	"fmt"

	"github.com/vpbank/tag_engine/models"
)

// Config document helpers. Node configs arrive as map[string]any decoded from
// JSON, so numbers are float64, nested docs are map[string]any, and every
// read needs a type-tolerant accessor.

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	if v, ok := cfg[key]; ok {
		if f, ok := models.ToFloat(v); ok {
			return f
		}
	}
	return def
}

func cfgInt(cfg map[string]any, key string, def int) int {
	if v, ok := cfg[key]; ok {
		if f, ok := models.ToFloat(v); ok {
			return int(f)
		}
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := models.ToBool(v); ok {
			return b
		}
	}
	return def
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// nodeErr formats a compile-time node error with the node's identity, so
// deploy-status messages point at the offending node.
func nodeErr(def models.NodeDefinition, format string, args ...any) error {
	return fmt.Errorf("flow: node %s (%s): %s", def.ID, def.Type, fmt.Sprintf(format, args...))
}
