package protocol

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Media types used on the DAP HTTP surface.
const (
	MediaTypeJSON    = "application/json"
	MediaTypeProblem = "application/problem+json"
)

// AuthTokenHeader carries the aggregator or collector bearer token.
const AuthTokenHeader = "DAP-Auth-Token"

// UnmarshalMessage deserializes a message from JSON bytes.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON bytes.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}

// ProblemFromResponse turns a non-2xx response into an error, decoding an
// RFC 7807 body when there is one. The body is consumed.
func ProblemFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var doc ProblemDocument
	if json.Unmarshal(body, &doc) == nil && doc.Type != "" {
		doc.Status = resp.StatusCode
		return &doc
	}
	return &ProblemDocument{Type: ProblemInternal, Status: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
}
