package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAPISpecServes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	handleOpenAPI(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %s", ct)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}
	if doc["openapi"] != "3.0.3" {
		t.Fatalf("unexpected openapi version: %v", doc["openapi"])
	}

	paths, ok := doc["paths"].(map[string]interface{})
	if !ok {
		t.Fatal("spec missing paths")
	}
	for _, p := range []string{"/connect", "/resolve", "/auth/wallet", "/passport/verify", "/trust"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("spec missing path %s", p)
		}
	}
}
