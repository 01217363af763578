package models

import (
	"encoding/json"
	"net/http"
)

// Problem — структурированный ответ об ошибке (application/problem+json).
type Problem struct {
	Title  string            `json:"title"`
	Detail string            `json:"detail,omitempty"`
	Status int               `json:"status"`
	Extra  map[string]string `json:"extra,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra map[string]string) {
	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Detail: detail,
		Status: status,
		Extra:  extra,
	})
}
