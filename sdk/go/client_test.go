package synthseedsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
)

func serve(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return "http://" + ln.Addr().String()
}

func TestSeedSendsBodyAndToken(t *testing.T) {
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/seed" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["days"]; ok || body["cohort_label"] != "c1" {
			http.Error(w, "unexpected body", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(SeedReport{UsersCreated: 5, EngagementsCreated: 17})
	})
	c := New(base + "/")
	c.BearerToken = "tok"
	rep, err := c.Seed(context.Background(), SeedRequest{CountUsers: 5, CohortLabel: "c1"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if rep.UsersCreated != 5 || rep.EngagementsCreated != 17 {
		t.Fatalf("report %+v", rep)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"seed_failed","message":"flush failed"}}`))
	})
	_, err := New(base).Coverage(context.Background(), "c1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 500 || apiErr.Code != "seed_failed" || apiErr.Message != "flush failed" {
		t.Fatalf("error %+v", apiErr)
	}
}

func TestEventsQuery(t *testing.T) {
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cohort_label") != "c1" || r.URL.Query().Get("limit") != "3" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"items":[{"id":1,"type":"seed.run.started"}]}`))
	})
	evts, err := New(base).Events(context.Background(), "c1", 3)
	if err != nil || len(evts) != 1 || evts[0].Type != "seed.run.started" {
		t.Fatalf("events %+v (%v)", evts, err)
	}
}
