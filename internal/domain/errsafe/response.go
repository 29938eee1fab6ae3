package errsafe

import (
	"bytes"
	"encoding/json"
	"strings"
)

// maxBodyMessage bounds the raw text kept from a non-JSON body.
const maxBodyMessage = 4096

// envelope covers the backend's two error shapes:
//
//	{"code": "...", "message": "..."}
//	{"error": {"code": "...", "message": "..."}}  or  {"error": "..."}
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

type nestedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseResponse builds a BackendError from an HTTP status and body. A zero
// status means the request never got a response.
func ParseResponse(status int, body []byte) *BackendError {
	be := &BackendError{StatusCode: status, Network: status == 0}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return be
	}

	var env envelope
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &env) == nil {
		be.Code = env.Code
		be.Message = env.Message

		if len(env.Error) > 0 {
			var nested nestedError
			var text string
			switch {
			case json.Unmarshal(env.Error, &nested) == nil:
				if be.Code == "" {
					be.Code = nested.Code
				}
				if be.Message == "" {
					be.Message = nested.Message
				}
			case json.Unmarshal(env.Error, &text) == nil:
				if be.Message == "" {
					be.Message = text
				}
			}
		}
		return be
	}

	text := string(trimmed)
	if len(text) > maxBodyMessage {
		text = text[:maxBodyMessage]
	}
	be.Message = strings.TrimSpace(text)
	return be
}
