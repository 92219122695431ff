package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/config"
	"github.com/xizhibei/go-json-processor/telemetry"
)

func runArgs(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRequest(t *testing.T) {
	code, out, _ := runArgs(t, "", "-request", `{"type":"math","operation":"add","numbers":[1,2]}`)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"result": 3,`)
	assert.Contains(t, out, `"operation": "add"`)

	code, out, _ = runArgs(t, "", "-request", `{"type":"math","operation":"modulo","numbers":[1,2]}`)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"success": false`)
	assert.Contains(t, out, "available_operations")
}

func TestNewProcessorTimeout(t *testing.T) {
	file := filepath.Join(t.TempDir(), "jsonproc.toml")
	require.NoError(t, os.WriteFile(file, []byte("[processor]\ntimeout = \"3s\"\n"), 0o600))

	cfg, err := config.Load(file)
	require.NoError(t, err)

	tel, err := telemetry.NewNoop()
	require.NoError(t, err)

	processor := newProcessor(cfg, tel)
	defer processor.Close()
	require.True(t, processor.IsInitialized())

	for _, typ := range jsonproc.RequestTypes {
		assert.Equal(t, 3*time.Second, processor.HandlerTimeout(typ), typ)
	}
}

func TestRunStdin(t *testing.T) {
	code, out, _ := runArgs(t, `{"type":"text","operation":"word_count","text":"a b c"}`)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"result": 3`)
}

func TestRunFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "request.json")
	out := filepath.Join(dir, "response.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"type":"echo","message":"hi"}`), 0o600))

	code, stdout, _ := runArgs(t, "", "-file", in, "-out", out)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Echo successful")

	saved, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"message": "hi"`)

	code, stdout, _ = runArgs(t, "", "-file", filepath.Join(dir, "missing.json"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Load request")

	code, _, _ = runArgs(t, "", "-file", in, "-request", "{}")
	assert.Equal(t, 1, code)
}

func TestRunSamples(t *testing.T) {
	code, out, _ := runArgs(t, "", "-samples")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Test 1 (math)")
	assert.Contains(t, out, "HELLO WORLD FROM QT!")
	assert.Contains(t, out, "4 succeeded, 0 failed")
}

func TestRunArguments(t *testing.T) {
	code, out, _ := runArgs(t, "", "-version")
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", out)

	code, _, stderr := runArgs(t, "", "extra")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unexpected arguments")

	code, _, _ = runArgs(t, "", "-no-such-flag")
	assert.Equal(t, 2, code)

	code, _, stderr = runArgs(t, "", "-config", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "read config")
}
