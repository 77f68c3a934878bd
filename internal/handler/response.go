package handler

type errorResponse struct {
	Error string `json:"error"`
}
