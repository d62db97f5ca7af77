package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/imputeflow/internal/assets/schemas"
)

// ErrInvalidDocument marks a config file rejected by the config schema.
var ErrInvalidDocument = errors.New("config document invalid")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// SchemaError is one schema violation in a config document.
type SchemaError struct {
	// Pointer is the JSON pointer of the offending value, e.g. "/throttle/limit".
	Pointer string
	Message string
}

func (e SchemaError) Error() string {
	if e.Pointer == "" {
		return e.Message
	}
	return e.Pointer + ": " + e.Message
}

// DocumentError lists the schema violations of one config file.
type DocumentError struct {
	Path   string
	Issues []SchemaError
}

func (e *DocumentError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Error()
	}
	return fmt.Sprintf("config %s: %s", e.Path, strings.Join(msgs, "; "))
}

func (e *DocumentError) Unwrap() error { return ErrInvalidDocument }

// ValidateDocument checks a YAML or JSON config document against the
// embedded config schema. Semantic checks stay in Config.Validate.
func ValidateDocument(path string, data []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc == nil {
		return nil
	}
	payload, err := json.Marshal(normalize(doc))
	if err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}

	diags, err := v.ValidateJSON(payload)
	if err != nil {
		return fmt.Errorf("validate config %s: %w", path, err)
	}
	var issues []SchemaError
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			issues = append(issues, SchemaError{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return &DocumentError{Path: path, Issues: issues}
}

// ValidateFile reads and checks the config file at path.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return ValidateDocument(path, data)
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ConfigSchema) == 0 {
			validatorErr = errors.New("embedded config schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile config schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// normalize turns YAML maps with non-string keys (e.g. "21: 49") into
// JSON-encodable maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
