package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSessionTransportStdioPrefix(t *testing.T) {
	transport, err := buildSessionTransport(context.Background(), "stdio://my-server --flag")
	require.NoError(t, err)
	cmdTransport, ok := transport.(*CommandTransport)
	require.True(t, ok)
	require.Equal(t, []string{"my-server", "--flag"}, cmdTransport.Command.Args)
}

func TestBuildSessionTransportBareCommandDefaultsToStdio(t *testing.T) {
	transport, err := buildSessionTransport(context.Background(), "npx some-mcp-server")
	require.NoError(t, err)
	_, ok := transport.(*CommandTransport)
	require.True(t, ok)
}

func TestBuildSessionTransportEmptySpecErrors(t *testing.T) {
	_, err := buildSessionTransport(context.Background(), "   ")
	require.Error(t, err)
}

func TestBuildSessionTransportSSEPrefix(t *testing.T) {
	transport, err := buildSessionTransport(context.Background(), "sse://example.com/mcp")
	require.NoError(t, err)
	sse, ok := transport.(*SSEClientTransport)
	require.True(t, ok)
	require.Equal(t, "https://example.com/mcp", sse.Endpoint)
}

func TestBuildSessionTransportBareHTTPSDefaultsToSSE(t *testing.T) {
	transport, err := buildSessionTransport(context.Background(), "https://example.com/mcp")
	require.NoError(t, err)
	_, ok := transport.(*SSEClientTransport)
	require.True(t, ok)
}

func TestBuildSessionTransportHTTPHintUsesStreamable(t *testing.T) {
	transport, err := buildSessionTransport(context.Background(), "http+stream://example.com/mcp")
	require.NoError(t, err)
	_, ok := transport.(*StreamableClientTransport)
	require.True(t, ok)
}

func TestBuildSessionTransportSSEHintUsesSSE(t *testing.T) {
	transport, err := buildSessionTransport(context.Background(), "https+sse://example.com/mcp")
	require.NoError(t, err)
	_, ok := transport.(*SSEClientTransport)
	require.True(t, ok)
}

func TestParseHTTPFamilySpecUnsupportedHintErrors(t *testing.T) {
	_, _, matched, err := parseHTTPFamilySpec("http+carrier-pigeon://example.com")
	require.True(t, matched)
	require.Error(t, err)
}

func TestNormalizeHTTPURLRejectsUnsupportedScheme(t *testing.T) {
	_, err := normalizeHTTPURL("ftp://example.com", false)
	require.Error(t, err)
}

func TestNormalizeHTTPURLRejectsMissingHost(t *testing.T) {
	_, err := normalizeHTTPURL("https://", false)
	require.Error(t, err)
}

func TestNormalizeHTTPURLGuessesSchemeWhenAllowed(t *testing.T) {
	out, err := normalizeHTTPURL("example.com/mcp", true)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/mcp", out)
}

func TestMergeEnvOverridesBaseKeysDeterministically(t *testing.T) {
	base := []string{"PATH=/usr/bin", "FOO=old"}
	out := mergeEnv(base, map[string]string{"FOO": "new", "BAR": "baz"})
	require.Contains(t, out, "PATH=/usr/bin")
	require.Contains(t, out, "FOO=new")
	require.Contains(t, out, "BAR=baz")
	require.NotContains(t, out, "FOO=old")
}

func TestNormalizeHeadersCanonicalizesAndSortsKeys(t *testing.T) {
	out := normalizeHeaders(map[string]string{"x-api-key": " secret ", "authorization": "Bearer tok"})
	require.Equal(t, "secret", out.Get("X-Api-Key"))
	require.Equal(t, "Bearer tok", out.Get("Authorization"))
}

func TestNormalizeHeadersEmptyReturnsNil(t *testing.T) {
	require.Nil(t, normalizeHeaders(nil))
}

func TestApplyTransportOptionsNilTransportErrors(t *testing.T) {
	err := applyTransportOptions(nil, nil, nil)
	require.Error(t, err)
}

func TestApplyTransportOptionsNoOpWithoutHeadersOrEnv(t *testing.T) {
	transport := &SSEClientTransport{Endpoint: "https://example.com"}
	err := applyTransportOptions(transport, nil, nil)
	require.NoError(t, err)
}

func TestApplyTransportOptionsInjectsEnvIntoStdioCommand(t *testing.T) {
	transport, err := buildStdioTransport(context.Background(), "my-server")
	require.NoError(t, err)
	cmdTransport := transport.(*CommandTransport)

	require.NoError(t, applyTransportOptions(cmdTransport, nil, map[string]string{"TOKEN": "abc"}))
	require.Contains(t, cmdTransport.Command.Env, "TOKEN=abc")
}

func TestApplyTransportOptionsInjectsHeadersIntoSSEClient(t *testing.T) {
	transport := &SSEClientTransport{Endpoint: "https://example.com"}
	require.NoError(t, applyTransportOptions(transport, map[string]string{"Authorization": "Bearer x"}, nil))
	require.NotNil(t, transport.HTTPClient)
}

func TestConvertSchemaFromRawMessage(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	out, err := ConvertSchema(raw)
	require.NoError(t, err)
	require.Equal(t, "object", out["type"])
}

func TestConvertSchemaNilReturnsNil(t *testing.T) {
	out, err := ConvertSchema(nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestConvertSchemaFromArbitraryValue(t *testing.T) {
	out, err := ConvertSchema(map[string]any{"type": "string"})
	require.NoError(t, err)
	require.Equal(t, "string", out["type"])
}
