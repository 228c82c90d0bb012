package phasegatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSignOffPathAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Project{ID: "p1", CurrentPhase: "Ideation Phase", CurrentPhaseIndex: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	p, err := c.SignOff(context.Background(), "p1", 0, "e 1")
	if err != nil {
		t.Fatalf("sign off: %v", err)
	}
	if gotPath != "/v0/projects/p1/phases/0/timeline/e 1/sign-off" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if p.CurrentPhase != "Ideation Phase" {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"already_signed_off","message":"document already signed off"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").SignOff(context.Background(), "p1", 0, "e1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "already_signed_off" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
