package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestCORSPreflightReachesMethodPinnedRoutes(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/user/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods("POST")
	handler := corsMiddleware()(router)

	tests := []struct {
		name       string
		method     string
		wantStatus int
	}{
		{"preflight", http.MethodOptions, http.StatusOK},
		{"actual request", http.MethodPost, http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, "/user/orders", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("Expected CORS headers on every response")
			}
		})
	}
}
