package cluster

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/dreamware/shardvec/internal/xerr"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Code    xerr.Code       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Code    xerr.Code `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// WriteJSON writes an envelope with the given code. The HTTP status follows
// the code.
func WriteJSON(w http.ResponseWriter, code xerr.Code, message string, data any) {
	if message == "" {
		message = code.String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(outgoing{Code: code, Message: message, Data: data})
}

// WriteOK writes a success envelope.
func WriteOK(w http.ResponseWriter, data any) {
	WriteJSON(w, xerr.OK, "ok", data)
}

// WriteError maps err to its code and writes it.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, xerr.CodeOf(err), err.Error(), nil)
}

// DecodeBody decodes a JSON request body into v. A malformed body is a
// BadRequest.
func DecodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return xerr.New(xerr.BadRequest, "invalid json: "+err.Error())
	}
	return nil
}
