package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var errBodyTooLarge = errors.New("request body too large")

// writeJSON writes payload with status. API responses are never cached.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	headers := w.Header()
	headers.Set("Content-Type", "application/json")
	headers.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError answers with the {"error": msg} shape the web app reads.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads at most maxBodyBytes of JSON into dst.
func decodeJSON(req *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(dst)
}

// readBody returns the raw body for signature checks. Bodies over maxBodyBytes
// are rejected rather than truncated, since a truncated body never verifies.
func readBody(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}
