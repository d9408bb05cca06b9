// Package apidocs loads the embedded OpenAPI document and validates request
// bodies against its component schemas.
package apidocs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/ManuelReschke/MailAccounts/docs"
)

// SchemaPaddleWebhook is the notification envelope.
const SchemaPaddleWebhook = "PaddleWebhook"

var (
	once    sync.Once
	doc     *openapi3.T
	loadErr error
)

// Load parses and validates the embedded document once.
func Load() (*openapi3.T, error) {
	once.Do(func() {
		loader := openapi3.NewLoader()
		doc, loadErr = loader.LoadFromData(docs.OpenAPI)
		if loadErr != nil {
			loadErr = fmt.Errorf("load openapi document: %w", loadErr)
			return
		}
		if err := doc.Validate(loader.Context); err != nil {
			loadErr = fmt.Errorf("invalid openapi document: %w", err)
		}
	})
	return doc, loadErr
}

// ValidateBody checks a JSON body against the named component schema.
func ValidateBody(schemaName string, body []byte) error {
	d, err := Load()
	if err != nil {
		return err
	}
	ref, ok := d.Components.Schemas[schemaName]
	if !ok || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", schemaName)
	}

	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := ref.Value.VisitJSON(value); err != nil {
		return fmt.Errorf("%s: %w", schemaName, err)
	}
	return nil
}
