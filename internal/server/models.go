package server

// HTTPError is the JSON error body produced by the unified error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// UploadResponse reports an accepted upload or a deduplicated hit.
type UploadResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate"`
}

// StatusResponse summarizes pipeline progress for one document.
type StatusResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Chunks     int    `json:"chunks"`
	Summaries  int    `json:"summaries"`
}

type AskRequest struct {
	Question string `json:"question"`
}
