package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 4 << 20

// ReadBody reads a bounded request body.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fault.Validation("request body exceeds %d bytes", MaxBodyBytes)
		}
		return nil, fault.Validation("failed to read request body: %v", err)
	}
	return body, nil
}

// DecodeJSON decodes a bounded JSON body into v. Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := ReadBody(w, r)
	if err != nil {
		return err
	}
	return Unmarshal(body, v)
}

// Unmarshal decodes JSON strictly, classifying failures as validation errors.
func Unmarshal(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("invalid JSON body: %v", err)
	}
	if dec.More() {
		return fault.Validation("invalid JSON body: trailing data")
	}
	return nil
}
