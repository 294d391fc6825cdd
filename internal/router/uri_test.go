package router

import "testing"

func TestEncodeDecodeResourceURIRoundTrip(t *testing.T) {
	cases := []struct {
		server      string
		originalURI string
	}{
		{"docs", "file:///var/data/report.pdf"},
		{"weather", "weather://forecast/94110"},
		{"kb", "kb://articles/123?version=2"},
	}

	for _, c := range cases {
		encoded := EncodeResourceURI(c.server, c.originalURI)
		gotServer, gotURI, err := DecodeResourceURI(encoded)
		if err != nil {
			t.Fatalf("DecodeResourceURI(%q): %v", encoded, err)
		}
		if gotServer != c.server {
			t.Errorf("server = %q, want %q", gotServer, c.server)
		}
		if gotURI != c.originalURI {
			t.Errorf("originalURI = %q, want %q", gotURI, c.originalURI)
		}
	}
}

func TestDecodeResourceURIRejectsMissingPrefix(t *testing.T) {
	_, _, err := DecodeResourceURI("https://example.com/foo")
	if err == nil {
		t.Fatalf("expected error for missing scheme prefix")
	}
}

func TestDecodeResourceURIRejectsMissingSeparator(t *testing.T) {
	_, _, err := DecodeResourceURI(uriScheme + "docs-with-no-slash")
	if err == nil {
		t.Fatalf("expected error for missing server/payload separator")
	}
}

func TestDecodeResourceURIRejectsInvalidBase64(t *testing.T) {
	_, _, err := DecodeResourceURI(uriScheme + "docs/not-valid-base64!!!")
	if err == nil {
		t.Fatalf("expected error for invalid base64 payload")
	}
}

func TestEncodeResourceURIHandlesServerNameWithNoSpecialChars(t *testing.T) {
	encoded := EncodeResourceURI("my-server_1", "plain text")
	server, original, err := DecodeResourceURI(encoded)
	if err != nil {
		t.Fatalf("DecodeResourceURI: %v", err)
	}
	if server != "my-server_1" || original != "plain text" {
		t.Errorf("got (%q, %q)", server, original)
	}
}
