package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const contentTypeProblemJSON = "application/problem+json"

// writeRFC7807Error writes a problem details body for errors raised inside middleware.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	title := http.StatusText(statusCode)
	if title == "" {
		title = "Error"
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://genrelay.io/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
