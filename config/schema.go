package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// layerSchema describes one configuration layer. Layers are partial, so
// nothing is required here; Validate checks the merged result.
const layerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": ["string", "integer"]},
    "names": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "properties": {
    "run": {"type": "string"},
    "nats": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string"},
        "subject_prefix": {"type": "string"},
        "bucket": {"type": "string"},
        "max_reconnects": {"type": "integer"},
        "reconnect_wait": {"$ref": "#/definitions/duration"}
      }
    },
    "timeouts": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "election": {"$ref": "#/definitions/duration"},
        "listing": {"$ref": "#/definitions/duration"},
        "drain": {"$ref": "#/definitions/duration"},
        "poll": {"$ref": "#/definitions/duration"}
      }
    },
    "queues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "capacity": {"type": "integer", "minimum": 0},
          "mode": {"enum": ["", "roundrobin", "merge"]},
          "rate": {"type": "number", "minimum": 0}
        }
      }
    },
    "filesets": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string"},
          "dir": {"type": "string"},
          "prefix": {"type": "string"},
          "postfix": {"type": "string"},
          "digits": {"type": "integer", "minimum": 0},
          "check": {"type": "boolean"}
        }
      }
    },
    "stages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string"},
          "kind": {"type": "string", "minLength": 1},
          "instances": {"type": "integer", "minimum": 0},
          "inputs": {"$ref": "#/definitions/names"},
          "outputs": {"$ref": "#/definitions/names"},
          "fileset": {"type": "string"},
          "rank": {"type": "integer", "minimum": 0},
          "options": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledLayerSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(layerSchema))
})

// validateLayer checks a decoded layer for unknown keys and wrong types.
func validateLayer(raw map[string]any) error {
	schema, err := compiledLayerSchema()
	if err != nil {
		return fmt.Errorf("compile layer schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("validate layer: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema violations: %s", strings.Join(msgs, "; "))
}
