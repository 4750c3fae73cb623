package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/antoniostano/callrelay/internal/config"
)

func TestRunFailsWithoutCredentials(t *testing.T) {
	for _, key := range []string{
		"CALLRELAY_CONFIG",
		"ELEVENLABS_AGENT_ID",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_PHONE_NUMBER",
	} {
		t.Setenv(key, "")
	}

	err := run(context.Background())
	if !errors.Is(err, config.ErrMissingRequired) {
		t.Fatalf("run() error = %v, want ErrMissingRequired", err)
	}
	if !strings.HasPrefix(err.Error(), "load config:") {
		t.Fatalf("run() error = %q, want load config prefix", err)
	}
}

func TestRunRejectsInvalidLogFormat(t *testing.T) {
	t.Setenv("CALLRELAY_CONFIG", "")
	t.Setenv("ELEVENLABS_AGENT_ID", "agent-1")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15550000000")
	t.Setenv("LOG_FORMAT", "xml")

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "LOG_FORMAT") {
		t.Fatalf("run() error = %v, want LOG_FORMAT rejection", err)
	}
}
