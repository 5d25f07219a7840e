package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

//go:embed schemas/generate_request.schema.json
var generateRequestSchema []byte

const generateSchemaURL = "https://creditlock.mindburn.dev/schemas/generate_request.schema.json"

func compileGenerateSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(generateSchemaURL, bytes.NewReader(generateRequestSchema)); err != nil {
		return nil, fmt.Errorf("generate schema load failed: %w", err)
	}
	compiled, err := c.Compile(generateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("generate schema compile failed: %w", err)
	}
	return compiled, nil
}

// validateAgainst checks a raw JSON body against schema and reports every failing location.
func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fault.Validation("invalid JSON body: %v", err)
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fault.Validation("request does not match schema: %v", err)
	}
	problems := map[string]string{}
	collectLeaves(ve, problems)
	locations := make([]string, 0, len(problems))
	for loc := range problems {
		locations = append(locations, loc)
	}
	sort.Strings(locations)
	details := make([]map[string]string, 0, len(locations))
	for _, loc := range locations {
		details = append(details, map[string]string{"location": loc, "message": problems[loc]})
	}
	return fault.Validation("request does not match schema").With("errors", details)
}

func collectLeaves(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		if _, seen := out[loc]; !seen {
			out[loc] = ve.Message
		}
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
