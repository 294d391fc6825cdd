package router

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const uriScheme = "mcp+router://"

// EncodeResourceURI builds the router-scheme URI a client sees in place of
// an upstream's original resource URI: mcp+router://<server>/<base64url-
// standard(original_uri)>.
func EncodeResourceURI(server, originalURI string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(originalURI))
	return fmt.Sprintf("%s%s/%s", uriScheme, server, encoded)
}

// DecodeResourceURI reverses EncodeResourceURI. A URI missing the prefix,
// missing the "/" separator, or whose payload fails to decode is invalid.
func DecodeResourceURI(uri string) (server, originalURI string, err error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return "", "", fmt.Errorf("missing %s prefix", uriScheme)
	}

	server, encoded, ok := strings.Cut(rest, "/")
	if !ok {
		return "", "", fmt.Errorf("missing server/payload separator")
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("decoding base64 payload: %w", err)
	}

	return server, string(decoded), nil
}
