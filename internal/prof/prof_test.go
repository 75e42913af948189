package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/version"
)

func recordActive() (*[]bool, func(bool)) {
	var got []bool
	return &got, func(v bool) { got = append(got, v) }
}

func TestStart_Disabled(t *testing.T) {
	got, onActive := recordActive()
	ctx := log.WithContext(context.Background(), log.Nop())

	stop, err := Start(ctx, Options{
		Enabled:   false,
		AuthToken: "ignored",
		Tags:      map[string]string{"env": "test"},
		OnActive:  onActive,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()

	if len(*got) != 1 || (*got)[0] {
		t.Fatalf("OnActive calls = %v, want [false]", *got)
	}
}

func TestStart_MissingServerAddress(t *testing.T) {
	got, onActive := recordActive()

	stop, err := Start(context.Background(), Options{
		Enabled:  true,
		AppName:  "apiserver",
		OnActive: onActive,
	})
	if err == nil || !strings.Contains(err.Error(), "invalid server address") {
		t.Fatalf("err = %v", err)
	}
	if stop == nil {
		t.Fatal("stop must be usable after an error")
	}
	stop()

	if len(*got) != 1 || (*got)[0] {
		t.Fatalf("OnActive calls = %v, want [false]", *got)
	}
}

func TestStart_UnreachableServer(t *testing.T) {
	// the agent uploads in the background, so an unreachable server may or
	// may not fail Start
	got, onActive := recordActive()
	stop, err := Start(context.Background(), Options{
		Enabled:       true,
		AppName:       "apiserver",
		ServerAddress: "http://localhost:1",
		OnActive:      onActive,
	})
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
	stop()

	if len(*got) == 0 || (*got)[len(*got)-1] {
		t.Fatalf("agent should end inactive, calls = %v (err=%v)", *got, err)
	}
}

func TestOptions_Config(t *testing.T) {
	c := Options{
		AppName:       "apiserver",
		ServerAddress: "https://profiles.example.com",
		TenantID:      "tenant",
		AuthToken:     "token",
		Tags:          map[string]string{"version": "v1"},
	}.config()

	if c.ApplicationName != "apiserver" || c.ServerAddress != "https://profiles.example.com" {
		t.Fatalf("config = %+v", c)
	}
	if c.BasicAuthUser != "tenant" || c.BasicAuthPassword != "token" {
		t.Fatalf("basic auth = %q/%q", c.BasicAuthUser, c.BasicAuthPassword)
	}
	if len(c.ProfileTypes) != len(profileTypes) {
		t.Fatalf("profile types = %d", len(c.ProfileTypes))
	}

	if c := (Options{TenantID: "tenant"}).config(); c.BasicAuthUser != "" {
		t.Fatalf("no token, no basic auth user: %q", c.BasicAuthUser)
	}
}

func TestVersionTags(t *testing.T) {
	tags := VersionTags(version.Info{Version: "v1.0.0", Commit: "abc123"})
	if tags["version"] != "v1.0.0" || tags["commit"] != "abc123" {
		t.Fatalf("tags = %v", tags)
	}
	tags = VersionTags(version.Info{Version: "dev", Commit: "none"})
	if _, ok := tags["commit"]; ok {
		t.Fatalf("placeholder commit should be omitted: %v", tags)
	}
}
