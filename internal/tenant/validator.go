package tenant

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/tenant_policy_v1.json
var policySchema []byte

const policySchemaURL = "https://trustgate.stratum.ai/schemas/tenant_policy_v1.json"

// RuleChecker validates a tenant's action rule expressions.
type RuleChecker func(ActionRules) error

// Validator checks tenant policy files against the JSON schema and the
// cross-field rules the schema cannot express.
type Validator struct {
	schema *jsonschema.Schema
	rules  RuleChecker
}

// NewValidator compiles the embedded policy schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(policySchema))
	if err != nil {
		return nil, eris.Wrap(err, "tenant: decode policy schema")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(policySchemaURL, doc); err != nil {
		return nil, eris.Wrap(err, "tenant: add policy schema")
	}

	schema, err := compiler.Compile(policySchemaURL)
	if err != nil {
		return nil, eris.Wrap(err, "tenant: compile policy schema")
	}

	return &Validator{schema: schema}, nil
}

// WithRuleChecker installs a checker for action rule expressions.
func (v *Validator) WithRuleChecker(fn RuleChecker) *Validator {
	v.rules = fn
	return v
}

// ValidateDirectory loads and validates every policy file in dirPath.
func (v *Validator) ValidateDirectory(dirPath string) []ValidationError {
	policies, loadErrors := LoadFromDirectory(dirPath)

	var allErrors []ValidationError
	allErrors = append(allErrors, loadErrors...)

	for _, pwf := range policies {
		allErrors = append(allErrors, v.ValidatePolicy(pwf)...)
	}
	allErrors = append(allErrors, duplicateIDs(policies)...)

	return allErrors
}

// ValidatePolicy checks a single policy: schema first, then resolution rules.
func (v *Validator) ValidatePolicy(pwf PolicyWithFile) []ValidationError {
	if errs := v.validateSchema(pwf.File, pwf.Document); len(errs) > 0 {
		return errs
	}

	var errs []ValidationError
	if _, err := pwf.Policy.Resolve(); err != nil {
		errs = append(errs, ValidationError{File: pwf.File, Path: "spec", Message: err.Error()})
	}
	if v.rules != nil {
		if err := v.rules(pwf.Policy.Spec.ActionRules); err != nil {
			errs = append(errs, ValidationError{File: pwf.File, Path: "spec.actionRules", Message: err.Error()})
		}
	}
	return errs
}

// LoadDirectory validates every policy in dirPath and resolves the valid ones.
// Any validation error fails the whole load.
func (v *Validator) LoadDirectory(dirPath string) ([]*Config, []ValidationError) {
	if errs := v.ValidateDirectory(dirPath); len(errs) > 0 {
		return nil, errs
	}

	policies, _ := LoadFromDirectory(dirPath)
	configs := make([]*Config, 0, len(policies))
	for _, pwf := range policies {
		cfg, err := pwf.Policy.Resolve()
		if err != nil {
			return nil, []ValidationError{{File: pwf.File, Message: err.Error()}}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (v *Validator) validateSchema(file string, document any) []ValidationError {
	err := v.schema.Validate(document)
	if err == nil {
		return nil
	}

	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		return extractSchemaErrors(file, validationErr)
	}
	return []ValidationError{{File: file, Message: err.Error()}}
}

// extractSchemaErrors flattens nested schema errors, keeping the leaves.
func extractSchemaErrors(file string, err *jsonschema.ValidationError) []ValidationError {
	if len(err.Causes) > 0 {
		var errs []ValidationError
		for _, cause := range err.Causes {
			errs = append(errs, extractSchemaErrors(file, cause)...)
		}
		return errs
	}

	path := strings.Join(err.InstanceLocation, ".")
	if path == "" {
		path = "(root)"
	}
	return []ValidationError{{File: file, Path: path, Message: err.Error()}}
}

func duplicateIDs(policies []PolicyWithFile) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]string)
	for _, pwf := range policies {
		id := pwf.Policy.Metadata.ID
		if prev, ok := seen[id]; ok {
			errs = append(errs, ValidationError{
				File:    pwf.File,
				Path:    "metadata.id",
				Message: fmt.Sprintf("duplicate tenant ID %q (also in %s)", id, filepath.Base(prev)),
			})
			continue
		}
		seen[id] = pwf.File
	}
	return errs
}
