package handlers

import (
	"fmt"
	"net/http"

	"github.com/upb/ai-execution-gateway/utils"
)

// NotFound answers unknown routes with the JSON error envelope
func NotFound(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteNotFound(w, fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path))
}

// MethodNotAllowed answers known routes called with the wrong method
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
		Error:   "method_not_allowed",
		Message: fmt.Sprintf("Method %s is not allowed on %s", r.Method, r.URL.Path),
	})
}
