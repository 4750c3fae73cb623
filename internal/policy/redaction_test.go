package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("Your appointment is on Tuesday.")
	if changed || out != "Your appointment is on Tuesday." {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+15551234567": "*******4567",
		"123":          "***",
		"":             "",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
