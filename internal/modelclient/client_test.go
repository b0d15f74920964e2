package modelclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain"
)

func TestNextTurnRoundTrip(t *testing.T) {
	var gotReq turnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/turn" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(turnResponse{
			ToolCalls: []domain.ToolIntent{{ToolName: "fs.read", Args: json.RawMessage(`{"path":"a"}`)}},
			Message:   "reading",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	turn, err := c.NextTurn(context.Background(), "r1", []domain.Turn{{Role: domain.RoleUser, Content: "go"}})
	if err != nil {
		t.Fatalf("NextTurn failed: %v", err)
	}
	if gotReq.RunID != "r1" || len(gotReq.Transcript) != 1 {
		t.Fatalf("request not forwarded: %+v", gotReq)
	}
	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].ToolName != "fs.read" || turn.Final {
		t.Fatalf("unexpected turn: %+v", turn)
	}
}

func TestNextTurnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.NextTurn(context.Background(), "r1", nil); err == nil {
		t.Fatal("expected error on 503")
	}
}
