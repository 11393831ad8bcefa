// Package demo provides a small set of local capability providers used to
// exercise the Action Broker end to end: an echo capability and a reverse
// capability, each described by a JSON Schema fixture authored in YAML and
// converted at registration time.
package demo

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/internal/actionbroker"
	"github.com/agentmesh/agentmesh/internal/wire"
)

const echoSchemaYAML = `
type: object
required: [text]
properties:
  text:
    type: string
    description: text to echo back
`

const reverseSchemaYAML = `
type: object
required: [text]
properties:
  text:
    type: string
    description: text to reverse
`

type echoArgs struct {
	Text string `json:"text"`
}

type textResult struct {
	Text string `json:"text"`
}

// RegisterCapabilities registers the demo echo and reverse capabilities as
// local providers on broker, for smoke-testing an Action Broker
// installation without an external agent attached over the Bridge.
func RegisterCapabilities(broker *actionbroker.Broker) error {
	echoSchema, err := yamlSchemaToJSON(echoSchemaYAML)
	if err != nil {
		return fmt.Errorf("demo: loading echo schema: %w", err)
	}
	reverseSchema, err := yamlSchemaToJSON(reverseSchemaYAML)
	if err != nil {
		return fmt.Errorf("demo: loading reverse schema: %w", err)
	}

	if err := broker.RegisterProvider(wire.CapabilityDescriptor{
		Name:         "demo.echo",
		Version:      "v1",
		Description:  "returns its text argument unchanged",
		ParamSchema:  echoSchema,
		ProviderKind: "demo",
	}, actionbroker.ProviderFunc(echoProvider), 0); err != nil {
		return err
	}

	if err := broker.RegisterProvider(wire.CapabilityDescriptor{
		Name:         "demo.reverse",
		Version:      "v1",
		Description:  "returns its text argument reversed",
		ParamSchema:  reverseSchema,
		ProviderKind: "demo",
	}, actionbroker.ProviderFunc(reverseProvider), 0); err != nil {
		return err
	}

	return nil
}

func echoProvider(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
	var args echoArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, &actionbroker.ProviderError{Code: "invalid", Message: err.Error()}
	}
	return json.Marshal(textResult{Text: args.Text})
}

func reverseProvider(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
	var args echoArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, &actionbroker.ProviderError{Code: "invalid", Message: err.Error()}
	}
	runes := []rune(args.Text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return json.Marshal(textResult{Text: string(runes)})
}

// yamlSchemaToJSON parses a YAML-authored JSON Schema fixture and
// re-encodes it as JSON, the wire format gojsonschema.NewBytesLoader
// expects for CapabilityDescriptor.ParamSchema.
func yamlSchemaToJSON(src string) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML converts the map[string]any nodes yaml.v3 already produces
// (unlike gopkg.in/yaml.v2's map[interface{}]interface{}) into a form
// encoding/json can marshal unchanged; present mainly to walk nested
// sequences and mappings consistently.
func normalizeYAML(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
