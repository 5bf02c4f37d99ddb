package acceptance

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var testServerCmd *exec.Cmd
var testServerStdin io.WriteCloser
var testServerReader *bufio.Reader

// TestContext holds state between steps
type TestContext struct {
	ctx          context.Context
	lastResponse map[string]interface{}
	thoughtID    string
	// CLI run state
	lastCLIStdout   string
	lastCLIStderr   string
	lastCLIExitCode int
}

// ensureBinary finds the xylem binary, building it when absent.
func ensureBinary() (string, error) {
	binaryPath := os.Getenv("XYLEM_TEST_BINARY")
	if binaryPath != "" {
		if _, err := os.Stat(binaryPath); err == nil {
			return binaryPath, nil
		}
	}
	for _, p := range []string{"./xylem", "../../xylem", "/tmp/xylem-test"} {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs, nil
		}
	}
	cmd := exec.Command("go", "build", "-o", "/tmp/xylem-test", ".")
	cmd.Dir = filepath.Join("..", "..")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to build test binary: %w", err)
	}
	return "/tmp/xylem-test", nil
}

func testEnv() []string {
	env := os.Environ()
	env = append(env, "XYLEM_DATA_DIR="+os.Getenv("XYLEM_DATA_DIR"))
	env = append(env, "XYLEM_EMBEDDER=local")
	return env
}

// setupTestServer starts the xylem binary speaking MCP over stdio.
func setupTestServer() error {
	if testServerCmd != nil {
		return nil // Already running
	}

	binaryPath, err := ensureBinary()
	if err != nil {
		return err
	}

	if os.Getenv("XYLEM_DATA_DIR") == "" {
		tmpDir, err := os.MkdirTemp("", "xylem-test-*")
		if err != nil {
			return err
		}
		os.Setenv("XYLEM_DATA_DIR", tmpDir)
	}

	cmd := exec.Command(binaryPath, "serve")
	cmd.Env = testEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	testServerCmd = cmd
	testServerStdin = stdin
	testServerReader = bufio.NewReader(stdout)
	return nil
}

func stopTestServer() {
	if testServerCmd != nil {
		_ = testServerStdin.Close()
		_ = testServerCmd.Process.Kill()
		_ = testServerCmd.Wait()
		testServerCmd = nil
		testServerStdin = nil
		testServerReader = nil
	}
}

func readServerResponse() (map[string]interface{}, error) {
	if testServerReader == nil {
		return nil, fmt.Errorf("server stdout not initialized")
	}

	line, err := testServerReader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return resp, nil
}

// sendRequest writes one JSON-RPC request and stores the result (or the
// error, normalized to the tool-result shape) on the context.
func (tc *TestContext) sendRequest(method string, params map[string]interface{}) error {
	if err := setupTestServer(); err != nil {
		return err
	}

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	reqJSON, _ := json.Marshal(req)
	reqJSON = append(reqJSON, '\n')

	if _, err := testServerStdin.Write(reqJSON); err != nil {
		return err
	}

	resp, err := readServerResponse()
	if err != nil {
		return err
	}

	if errField, ok := resp["error"].(map[string]interface{}); ok {
		tc.lastResponse = map[string]interface{}{
			"isError": true,
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": fmt.Sprintf("%v", errField["message"])},
			},
		}
		return nil
	}

	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid response format: %v", resp)
	}
	tc.lastResponse = result
	return nil
}

func (tc *TestContext) callTool(tool string, args map[string]interface{}) error {
	if err := tc.sendRequest("tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	}); err != nil {
		return err
	}

	// Remember the thought id when one comes back, for later steps.
	if payload := tc.toolPayload(); payload != nil {
		if id, ok := payload["id"].(string); ok && id != "" {
			tc.thoughtID = id
		}
	}
	return nil
}

// toolPayload decodes the JSON document embedded in the first content block,
// or nil when the response wasn't a decodable tool result.
func (tc *TestContext) toolPayload() map[string]interface{} {
	text := tc.responseText()
	if text == "" {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil
	}
	return payload
}

func (tc *TestContext) responseText() string {
	if tc.lastResponse == nil {
		return ""
	}
	content, ok := tc.lastResponse["content"].([]interface{})
	if !ok {
		// Resource reads use "contents".
		content, ok = tc.lastResponse["contents"].([]interface{})
		if !ok {
			return ""
		}
	}
	var sb strings.Builder
	for _, item := range content {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := itemMap["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// Store lifecycle

func (tc *TestContext) memoryStoreInitialized() error {
	// Fresh data dir and server per scenario for isolation.
	stopTestServer()

	tmpDir, err := os.MkdirTemp("", "xylem-test-store-*")
	if err != nil {
		return err
	}
	if err := os.Setenv("XYLEM_DATA_DIR", tmpDir); err != nil {
		return err
	}
	return os.Setenv("XYLEM_EMBEDDER", "local")
}

// Protocol steps

func (tc *TestContext) sendMCPInitialize() error {
	return tc.sendRequest("initialize", map[string]interface{}{})
}

func (tc *TestContext) checkValidInitResponse() error {
	if tc.lastResponse == nil {
		return fmt.Errorf("no response received")
	}
	if _, ok := tc.lastResponse["protocolVersion"]; !ok {
		return fmt.Errorf("protocolVersion missing")
	}
	return nil
}

func (tc *TestContext) checkProtocolVersion(version string) error {
	if v, ok := tc.lastResponse["protocolVersion"].(string); !ok || v != version {
		return fmt.Errorf("expected protocol version %s, got %v", version, tc.lastResponse["protocolVersion"])
	}
	return nil
}

func (tc *TestContext) checkServerName(name string) error {
	info, ok := tc.lastResponse["serverInfo"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("serverInfo missing")
	}
	if n, ok := info["name"].(string); !ok || n != name {
		return fmt.Errorf("expected server name %s, got %v", name, info["name"])
	}
	return nil
}

func (tc *TestContext) requestToolsList() error {
	return tc.sendRequest("tools/list", map[string]interface{}{})
}

func (tc *TestContext) requestResourcesList() error {
	return tc.sendRequest("resources/list", map[string]interface{}{})
}

func (tc *TestContext) checkListContains(item string) error {
	if tc.lastResponse == nil {
		return fmt.Errorf("no response received")
	}

	if tools, ok := tc.lastResponse["tools"].([]interface{}); ok {
		for _, tool := range tools {
			toolMap := tool.(map[string]interface{})
			if name, ok := toolMap["name"].(string); ok && name == item {
				return nil
			}
		}
	}

	if resources, ok := tc.lastResponse["resources"].([]interface{}); ok {
		for _, resource := range resources {
			resourceMap := resource.(map[string]interface{})
			if uri, ok := resourceMap["uri"].(string); ok && uri == item {
				return nil
			}
			if name, ok := resourceMap["name"].(string); ok && name == item {
				return nil
			}
		}
	}

	return fmt.Errorf("item %s not found in list", item)
}

func (tc *TestContext) readMCPResource(uri string) error {
	return tc.sendRequest("resources/read", map[string]interface{}{"uri": uri})
}

// Tool steps

func (tc *TestContext) callToolWithText(tool, text string) error {
	return tc.callTool(tool, map[string]interface{}{"text": text})
}

func (tc *TestContext) callToolWithQuery(tool, query string) error {
	return tc.callTool(tool, map[string]interface{}{"query": query})
}

func (tc *TestContext) thinkWithPreviousLink(text, previous string) error {
	return tc.callTool("think", map[string]interface{}{
		"text":                text,
		"previous_thought_id": previous,
	})
}

func (tc *TestContext) thinkFollowUp(text string) error {
	if tc.thoughtID == "" {
		return fmt.Errorf("no previous thought recorded")
	}
	return tc.thinkWithPreviousLink(text, tc.thoughtID)
}

func (tc *TestContext) forgetStoredThought() error {
	if tc.thoughtID == "" {
		return fmt.Errorf("no thought recorded")
	}
	return tc.callTool("forget", map[string]interface{}{"id": tc.thoughtID})
}

func (tc *TestContext) askWithProvider(question, provider string) error {
	return tc.callTool("ask", map[string]interface{}{
		"question":  question,
		"providers": []interface{}{provider},
	})
}

// Assertions

func (tc *TestContext) checkSuccessResponse() error {
	if tc.lastResponse == nil {
		return fmt.Errorf("no response received")
	}
	if isError, ok := tc.lastResponse["isError"].(bool); ok && isError {
		return fmt.Errorf("response indicates error: %s", tc.responseText())
	}
	return nil
}

func (tc *TestContext) checkErrorResponse() error {
	if tc.lastResponse == nil {
		return fmt.Errorf("no response received")
	}
	if isError, ok := tc.lastResponse["isError"].(bool); ok && isError {
		return nil
	}
	return fmt.Errorf("expected an error response, got: %s", tc.responseText())
}

func (tc *TestContext) errorShouldMention(text string) error {
	if !strings.Contains(tc.responseText(), text) {
		return fmt.Errorf("error text does not mention %q: %s", text, tc.responseText())
	}
	return nil
}

func (tc *TestContext) checkResponseStatus(status string) error {
	payload := tc.toolPayload()
	if payload == nil {
		return fmt.Errorf("response has no decodable payload: %s", tc.responseText())
	}
	if got, _ := payload["status"].(string); got != status {
		return fmt.Errorf("expected status %q, got %q", status, got)
	}
	return nil
}

func (tc *TestContext) checkThoughtID() error {
	payload := tc.toolPayload()
	if payload == nil {
		return fmt.Errorf("response has no decodable payload")
	}
	id, _ := payload["id"].(string)
	if id == "" {
		return fmt.Errorf("no thought id in response: %s", tc.responseText())
	}
	tc.thoughtID = id
	return nil
}

// continuityState returns the resolution state of the first continuity link.
func (tc *TestContext) continuityState() (string, error) {
	payload := tc.toolPayload()
	if payload == nil {
		return "", fmt.Errorf("response has no decodable payload")
	}
	links, ok := payload["continuity"].([]interface{})
	if !ok || len(links) == 0 {
		return "", fmt.Errorf("no continuity links in response: %s", tc.responseText())
	}
	link, ok := links[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("malformed continuity link")
	}
	state, _ := link["state"].(string)
	return state, nil
}

func (tc *TestContext) continuityResolvedToRecord() error {
	state, err := tc.continuityState()
	if err != nil {
		return err
	}
	if state != "record" {
		return fmt.Errorf("expected link state record, got %q", state)
	}
	return nil
}

func (tc *TestContext) continuityKeptAsText() error {
	state, err := tc.continuityState()
	if err != nil {
		return err
	}
	if state != "string" {
		return fmt.Errorf("expected link state string, got %q", state)
	}
	return nil
}

func (tc *TestContext) checkResultsContain(content string) error {
	if !strings.Contains(tc.responseText(), content) {
		return fmt.Errorf("content %q not found in results: %s", content, tc.responseText())
	}
	return nil
}

// CLI steps

func (tc *TestContext) xylemInstalled() error {
	if _, err := ensureBinary(); err != nil {
		return err
	}
	if os.Getenv("XYLEM_DATA_DIR") == "" {
		tmpDir, _ := os.MkdirTemp("", "xylem-test-*")
		os.Setenv("XYLEM_DATA_DIR", tmpDir)
	}
	return nil
}

// runCLICommand runs a CLI command (e.g. "xylem status") and stores stdout,
// stderr, and exit code.
func (tc *TestContext) runCLICommand(cmdLine string) error {
	parts := strings.Fields(cmdLine)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}
	var cmd *exec.Cmd
	if parts[0] == "xylem" {
		binaryPath, err := ensureBinary()
		if err != nil {
			return err
		}
		cmd = exec.Command(binaryPath, parts[1:]...)
		cmd.Env = testEnv()
	} else {
		cmd = exec.Command(parts[0], parts[1:]...)
		cmd.Env = os.Environ()
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	tc.lastCLIStdout = stdout.String()
	tc.lastCLIStderr = stderr.String()
	if exitErr, ok := err.(*exec.ExitError); ok {
		tc.lastCLIExitCode = exitErr.ExitCode()
	} else if err != nil {
		tc.lastCLIExitCode = -1
		return err
	} else {
		tc.lastCLIExitCode = 0
	}
	return nil
}

func (tc *TestContext) checkCommandSucceeded() error {
	if tc.lastCLIExitCode != 0 {
		return fmt.Errorf("expected exit code 0, got %d; stderr: %s", tc.lastCLIExitCode, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) checkCommandFailed() error {
	if tc.lastCLIExitCode == 0 {
		return fmt.Errorf("expected command to fail but it succeeded; stdout: %s", tc.lastCLIStdout)
	}
	return nil
}

func (tc *TestContext) outputShouldContain(text string) error {
	combined := tc.lastCLIStdout + tc.lastCLIStderr
	if !strings.Contains(combined, text) {
		return fmt.Errorf("output did not contain %q; stdout: %s stderr: %s", text, tc.lastCLIStdout, tc.lastCLIStderr)
	}
	return nil
}
