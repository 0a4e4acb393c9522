package graphql

import (
	"encoding/json"
	"fmt"
)

type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors,omitempty"`
}

type Request struct {
	Query string                 `json:"query"`
	Vars  map[string]interface{} `json:"variables,omitempty"`
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graphql: status %d: %s", e.Code, e.Body)
}
