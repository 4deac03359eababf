package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jupark12/go-run-queue/common"
)

const maxBodyBytes = 1 << 20

type enqueueRequest struct {
	RunID     string `json:"runId"`
	TenantID  string `json:"tenantId"`
	ObjectKey string `json:"objectKey"`
}

type leaseRequest struct {
	Max               *int `json:"max"`
	VisibilitySeconds *int `json:"visibilitySeconds"`
}

type ackRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

type uploadRequest struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	TenantID    string `json:"tenantId"`
}

type runEnqueueRequest struct {
	ObjectKey string `json:"objectKey"`
}

type schemas struct {
	enqueue    *jsonschema.Schema
	lease      *jsonschema.Schema
	ack        *jsonschema.Schema
	upload     *jsonschema.Schema
	runEnqueue *jsonschema.Schema
}

const enqueueSchema = `{
	"type": "object",
	"required": ["runId", "tenantId", "objectKey"],
	"properties": {
		"runId": {"type": "string", "minLength": 1, "maxLength": 100},
		"tenantId": {"type": "string", "minLength": 1, "maxLength": 100},
		"objectKey": {"type": "string", "minLength": 1, "maxLength": 1024}
	}
}`

const uploadSchema = `{
	"type": "object",
	"required": ["contentType", "filename", "tenantId"],
	"properties": {
		"contentType": {"enum": ["pdf", "csv"]},
		"filename": {"type": "string", "minLength": 1, "maxLength": 255},
		"tenantId": {"type": "string", "minLength": 1, "maxLength": 100}
	}
}`

const runEnqueueSchema = `{
	"type": "object",
	"properties": {
		"objectKey": {"type": "string", "minLength": 1, "maxLength": 1024}
	}
}`

func leaseSchema(maxBatch, minVisibility, maxVisibility int) string {
	return fmt.Sprintf(`{
	"type": "object",
	"properties": {
		"max": {"type": "integer", "minimum": 1, "maximum": %d},
		"visibilitySeconds": {"type": "integer", "minimum": %d, "maximum": %d}
	}
}`, maxBatch, minVisibility, maxVisibility)
}

func ackSchema(maxBatch int) string {
	return fmt.Sprintf(`{
	"type": "object",
	"required": ["ids"],
	"properties": {
		"ids": {
			"type": "array",
			"minItems": 1,
			"maxItems": %d,
			"items": {"type": "string", "minLength": 1}
		},
		"status": {"enum": ["done", "failed"]}
	}
}`, maxBatch)
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func compileSchemas(cfg Config) (*schemas, error) {
	var (
		out schemas
		err error
	)
	if out.enqueue, err = compileSchema("enqueue.json", enqueueSchema); err != nil {
		return nil, err
	}
	src := leaseSchema(cfg.MaxBatch, int(cfg.MinVisibility.Seconds()), int(cfg.MaxVisibility.Seconds()))
	if out.lease, err = compileSchema("lease.json", src); err != nil {
		return nil, err
	}
	if out.ack, err = compileSchema("ack.json", ackSchema(cfg.MaxBatch)); err != nil {
		return nil, err
	}
	if out.upload, err = compileSchema("upload.json", uploadSchema); err != nil {
		return nil, err
	}
	if out.runEnqueue, err = compileSchema("run-enqueue.json", runEnqueueSchema); err != nil {
		return nil, err
	}
	return &out, nil
}

// fieldError is one entry of a validation problem's detail.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// decodeBody reads the JSON body, checks it against schema and decodes it
// into dst. An empty body is treated as {}.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return common.ValidationError("Failed to read request body", nil)
	}
	if len(body) > maxBodyBytes {
		return common.ValidationError("Request body too large", nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return common.ValidationError("Request body must be valid JSON", nil)
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return common.ValidationError("Invalid request body", collectFieldErrors(verr, nil))
		}
		return common.ValidationError("Invalid request body", nil)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return common.ValidationError("Invalid request body", nil)
	}
	return nil
}

func collectFieldErrors(verr *jsonschema.ValidationError, out []fieldError) []fieldError {
	if len(verr.Causes) == 0 {
		field := strings.TrimPrefix(verr.InstanceLocation, "/")
		if field == "" {
			field = "body"
		}
		return append(out, fieldError{Field: field, Message: verr.Message})
	}
	for _, cause := range verr.Causes {
		out = collectFieldErrors(cause, out)
	}
	return out
}
