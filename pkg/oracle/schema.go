package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const scoresSchemaURL = "https://agent-karma.dev/schemas/oracle-scores.json"

// scoresSchema describes weighted payloads: a map of agent address to a 0..100 value.
const scoresSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["scores"],
	"properties": {
		"scores": {
			"type": "object",
			"additionalProperties": {"type": "integer", "minimum": 0, "maximum": 100}
		}
	}
}`

var compiledScores = mustCompile(scoresSchemaURL, scoresSchema)

func mustCompile(url, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("oracle: schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("oracle: schema compile: %v", err))
	}
	return s
}

// ScoresPayload is the body of performance, cross_chain and sentiment data.
type ScoresPayload struct {
	Scores map[string]uint8 `json:"scores"`
}

// ParseScores validates payload against the scores schema and decodes it.
func ParseScores(payload []byte) (ScoresPayload, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return ScoresPayload{}, fmt.Errorf("payload is not JSON: %w", err)
	}
	if err := compiledScores.Validate(doc); err != nil {
		return ScoresPayload{}, fmt.Errorf("payload violates scores schema: %w", err)
	}
	var out ScoresPayload
	if err := json.Unmarshal(payload, &out); err != nil {
		return ScoresPayload{}, fmt.Errorf("decode scores: %w", err)
	}
	return out, nil
}
