package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/execute.json
var executeSchemaJSON []byte

func compileExecuteSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("execute.json", bytes.NewReader(executeSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add execute schema: %w", err)
	}
	s, err := c.Compile("execute.json")
	if err != nil {
		return nil, fmt.Errorf("compile execute schema: %w", err)
	}
	return s, nil
}

// validateDocument checks a decoded JSON document against s and flattens the
// failures into one "location: message; ..." string.
func validateDocument(s *jsonschema.Schema, doc any) error {
	err := s.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	var issues []string
	collectIssues(ve, &issues)
	sort.Strings(issues)
	return errors.New(strings.Join(issues, "; "))
}

func collectIssues(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(strings.ReplaceAll(ve.InstanceLocation, "/", "."), ".")
		if loc == "" {
			loc = "body"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collectIssues(c, out)
	}
}

// decodeDocument parses raw JSON into the generic form the validator expects.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON body")
	}
	return doc, nil
}
