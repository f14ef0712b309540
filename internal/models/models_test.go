package models

import (
	"testing"
	"time"
)

func TestDetailsPathAccess(t *testing.T) {
	s := &Story{}
	if !s.SetField("details.meta.source", "poll") {
		t.Fatal("nested set failed")
	}
	if v, ok := s.GetField("details.meta.source"); !ok || v != "poll" {
		t.Errorf("get = %v, %v", v, ok)
	}
	if _, ok := s.GetField("details.meta.missing"); ok {
		t.Error("missing leaf reported present")
	}
	if _, ok := s.GetField("bogus"); ok {
		t.Error("unknown top-level path reported present")
	}
	s.SetField("details.meta.source", nil)
	if _, ok := s.GetField("details.meta.source"); ok {
		t.Error("nil set must delete the entry")
	}
}

func TestStoryTypedFields(t *testing.T) {
	s := &Story{}
	s.SetField("user_ids", []int64{7})
	s.SetField("public", true)
	s.SetField("ptime", "2026-08-30T12:00:00Z")
	if len(s.UserIDs) != 1 || s.UserIDs[0] != 7 {
		t.Errorf("user_ids = %v", s.UserIDs)
	}
	if !s.Public {
		t.Error("public not set")
	}
	if s.Ptime == nil || !s.Ptime.Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("ptime = %v", s.Ptime)
	}
	// json-decoded id lists arrive as []any of float64
	s.SetField("user_ids", []any{float64(8), float64(9)})
	if len(s.UserIDs) != 2 || s.UserIDs[1] != 9 {
		t.Errorf("user_ids = %v", s.UserIDs)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := &Story{Type: "issue", UserIDs: []int64{1}}
	s.SetField("details.title", "orig")
	s.SetField("details.nested.deep", "x")

	c := s.Clone()
	c.SetField("details.title", "changed")
	c.SetField("details.nested.deep", "y")
	c.UserIDs[0] = 99

	if v, _ := s.GetField("details.title"); v != "orig" {
		t.Errorf("clone write leaked into original: %v", v)
	}
	if v, _ := s.GetField("details.nested.deep"); v != "x" {
		t.Errorf("nested clone write leaked: %v", v)
	}
	if s.UserIDs[0] != 1 {
		t.Error("slice clone write leaked")
	}
}

func TestServerWebhookSecret(t *testing.T) {
	s := &Server{Details: map[string]any{"webhook_secret": "abc"}}
	if s.WebhookSecret() != "abc" {
		t.Errorf("secret = %q", s.WebhookSecret())
	}
	if (&Server{}).WebhookSecret() != "" {
		t.Error("missing secret must be empty")
	}
}
