package helper

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// InvalidAuthCode is the error code a plugin reports when the remote
// service rejected the credentials it was given.
const InvalidAuthCode = "ERR_INVALID_AUTH"

// Request is written once to the plugin's stdin.
type Request struct {
	HelperID  string `json:"helperId"`
	AppID     string `json:"appId"`
	AccountID uint32 `json:"accountId"`
	// Auth is present only for plugins that need authentication data.
	Auth map[string]any `json:"auth,omitempty"`
}

// Encode renders the request as compact JSON followed by a newline.
func (r Request) Encode() ([]byte, error) {
	type wire struct {
		HelperID  string `json:"helperId"`
		AppID     string `json:"appId"`
		AccountID uint32 `json:"accountId"`
		Auth      any    `json:"auth,omitempty"`
	}
	w := wire{HelperID: r.HelperID, AppID: r.AppID, AccountID: r.AccountID}
	if r.Auth != nil {
		// keep an empty object on the wire; only a nil map is omitted
		w.Auth = r.Auth
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, errors.Wrap(err, "encode plugin request")
	}
	return buf.Bytes(), nil
}

// Response is the single JSON document a plugin prints on stdout.
type Response struct {
	// Notifications holds each notification object verbatim.
	Notifications []json.RawMessage
	Error         *ResponseError
	// Ignored counts notification entries that were not JSON objects.
	Ignored int
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvalidAuth reports whether the plugin rejected its credentials.
func (r Response) InvalidAuth() bool {
	return r.Error != nil && r.Error.Code == InvalidAuthCode
}

// parseResponse decodes a complete JSON document. The top level must be
// an object; the known members are read leniently so that a stray field of
// the wrong type does not discard the rest.
func parseResponse(doc []byte) (Response, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil || top == nil {
		return Response{}, errors.New("plugin output is not a JSON object")
	}

	var resp Response
	if raw, ok := top["error"]; ok {
		var e ResponseError
		if json.Unmarshal(raw, &e) == nil && (e.Code != "" || e.Message != "") {
			resp.Error = &e
		}
	}
	if raw, ok := top["notifications"]; ok {
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) == nil {
			for _, it := range items {
				it = bytes.TrimSpace(it)
				if len(it) > 0 && it[0] == '{' {
					resp.Notifications = append(resp.Notifications, compact(it))
				} else {
					resp.Ignored++
				}
			}
		}
	}
	return resp, nil
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
