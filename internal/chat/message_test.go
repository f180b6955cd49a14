package chat

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		ref     string
		wantErr bool
	}{
		{"plain text", "hello", "", false},
		{"empty with attachment", "", "/uploads/abc.png", false},
		{"empty without attachment", "", "", true},
		{"text with attachment", "check this out", "/uploads/abc.png", false},
		{"too many bytes", strings.Repeat("x", MaxMessageBytes+1), "", true},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), "", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateContent(c.text, c.ref)
			if c.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
