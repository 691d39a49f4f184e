package main

import (
	"testing"

	"mailworker/internal/store"
)

func TestSendRequestsKeepsRoles(t *testing.T) {
	reqs := sendRequests("c1", []store.Recipient{
		{Email: "a@example.com"},
		{Email: "boss@example.com", Role: store.RoleCC},
	})
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			t.Fatalf("request %+v invalid: %v", r, err)
		}
	}
	if reqs[1].Role != store.RoleCC || reqs[0].Role != store.RoleNone {
		t.Fatalf("roles not carried: %+v", reqs)
	}
}
