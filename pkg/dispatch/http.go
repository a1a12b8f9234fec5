package dispatch

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// MaxBodyBytes bounds request bodies read by ServeHTTP.
const MaxBodyBytes = 32 << 20

// Header names read by ServeHTTP.
const (
	HeaderAPIKey = "X-API-Key"
	HeaderKind   = "X-Request-Kind"
)

// ServeHTTP exposes the pool as POST /{handler}. The body is passed to the
// handler as-is; results are returned as application/json and failures as
// {error, code} with the status of their code.
func (p *Pool) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, &Error{Code: CodeGraphError, Message: "method not allowed"}, http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, ToError(err), 0)
		return
	}
	req := Request{
		Name:   strings.Trim(r.URL.Path, "/"),
		Kind:   KindQuery,
		Body:   body,
		APIKey: r.Header.Get(HeaderAPIKey),
	}
	if strings.EqualFold(r.Header.Get(HeaderKind), KindMCP.String()) {
		req.Kind = KindMCP
	}

	resp := p.Do(r.Context(), req)
	if resp.Err != nil {
		writeError(w, resp.Err, 0)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.OK)
}

func writeError(w http.ResponseWriter, e *Error, status int) {
	if status == 0 {
		status = e.Code.StatusCode()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
