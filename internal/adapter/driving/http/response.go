package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/archguard/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// webhookAck is the body returned for acknowledged webhook deliveries.
type webhookAck struct {
	Status string `json:"status"`
}

// ResultRequest is the JSON body of the analyzer result endpoint.
type ResultRequest struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	SHA        string `json:"sha"`
	Conclusion string `json:"conclusion"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
}

// RunResponse is the JSON representation of a tracked check run.
type RunResponse struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	SHA        string `json:"sha"`
	CheckName  string `json:"check_name"`
	CheckRunID int64  `json:"check_run_id"`
	State      string `json:"state"`
	Conclusion string `json:"conclusion,omitempty"`
	Failing    string `json:"failing,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// toRunResponse converts a tracked run to its JSON response representation.
func toRunResponse(run model.TrackedRun) RunResponse {
	return RunResponse{
		Owner:      run.Key.Owner,
		Repo:       run.Key.Repo,
		SHA:        run.Key.SHA,
		CheckName:  run.Key.CheckName,
		CheckRunID: run.CheckRunID,
		State:      string(run.State),
		Conclusion: run.Conclusion,
		Failing:    run.Failing,
		UpdatedAt:  run.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
