package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
)

type wireMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  map[string]any  `json:"result"`
	Error   *Error          `json:"error"`
}

func runSession(t *testing.T, input string, opts Options) []wireMsg {
	t.Helper()
	var out bytes.Buffer
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	srv := NewServer(strings.NewReader(input), &out, opts)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return decodeLines(t, out.String())
}

func decodeLines(t *testing.T, raw string) []wireMsg {
	t.Helper()
	var msgs []wireMsg
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var m wireMsg
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decoding output line %q: %v", line, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

const initLine = `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"

func TestHandshakeOrdering(t *testing.T) {
	msgs := runSession(t, initLine, Options{
		Info: Info{Name: "edict", Version: "test"},
		InitializeExtra: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"instructions": []string{}}, nil
		},
	})

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if string(msgs[0].ID) != "1" || msgs[0].Result == nil {
		t.Errorf("first message is not the initialize response: %+v", msgs[0])
	}
	if msgs[0].Result["protocolVersion"] != ProtocolVersion {
		t.Errorf("protocolVersion = %v", msgs[0].Result["protocolVersion"])
	}
	info, ok := msgs[0].Result["serverInfo"].(map[string]any)
	if !ok || info["name"] != "edict" {
		t.Errorf("serverInfo = %v", msgs[0].Result["serverInfo"])
	}
	if _, ok := msgs[0].Result["instructions"]; !ok {
		t.Error("initialize result missing merged extra fields")
	}
	if msgs[1].Method != "server/ready" {
		t.Errorf("second message = %q, want server/ready", msgs[1].Method)
	}
	if msgs[2].Method != "tools/list_changed" {
		t.Errorf("third message = %q, want tools/list_changed", msgs[2].Method)
	}
}

func TestRequestBeforeInitializeIsRejected(t *testing.T) {
	msgs := runSession(t, `{"jsonrpc":"2.0","id":7,"method":"instructions/list"}`+"\n", Options{})

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Error == nil || msgs[0].Error.Code != CodeNotInitialized {
		t.Errorf("error = %+v, want code %d", msgs[0].Error, CodeNotInitialized)
	}
	if string(msgs[0].ID) != "7" {
		t.Errorf("id = %s, want 7", msgs[0].ID)
	}
}

func TestNotificationBeforeInitializeIsIgnored(t *testing.T) {
	msgs := runSession(t, `{"jsonrpc":"2.0","method":"whatever"}`+"\n", Options{})
	if len(msgs) != 0 {
		t.Fatalf("expected silence, got %+v", msgs)
	}
}

func TestUnknownMethod(t *testing.T) {
	input := initLine + `{"jsonrpc":"2.0","id":2,"method":"no/such"}` + "\n"
	msgs := runSession(t, input, Options{})

	last := msgs[len(msgs)-1]
	if last.Error == nil || last.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v, want code %d", last.Error, CodeMethodNotFound)
	}
}

func TestMalformedJSONGetsNullID(t *testing.T) {
	msgs := runSession(t, "{not json\n", Options{})

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Error == nil || msgs[0].Error.Code != CodeParseError {
		t.Errorf("error = %+v, want code %d", msgs[0].Error, CodeParseError)
	}
	if string(msgs[0].ID) != "null" {
		t.Errorf("id = %s, want null", msgs[0].ID)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	handlers := map[string]Handler{
		"boom": func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		},
		"typed": func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, Errorf(CodeInvalidParams, "missing id")
		},
	}
	input := initLine +
		`{"jsonrpc":"2.0","id":2,"method":"boom"}` + "\n" +
		`{"jsonrpc":"2.0","id":3,"method":"typed"}` + "\n"
	msgs := runSession(t, input, Options{Handlers: handlers})

	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[3].Error == nil || msgs[3].Error.Code != CodeInternalError {
		t.Errorf("plain error mapped to %+v, want %d", msgs[3].Error, CodeInternalError)
	}
	if msgs[4].Error == nil || msgs[4].Error.Code != CodeInvalidParams {
		t.Errorf("typed error mapped to %+v, want %d", msgs[4].Error, CodeInvalidParams)
	}
}

func TestServerSurvivesFailures(t *testing.T) {
	handlers := map[string]Handler{
		"ok": func(ctx context.Context, params json.RawMessage) (any, error) {
			return map[string]any{"fine": true}, nil
		},
	}
	input := initLine +
		"{broken\n" +
		`{"jsonrpc":"2.0","id":2,"method":"missing"}` + "\n" +
		`{"jsonrpc":"2.0","id":3,"method":"ok"}` + "\n"
	msgs := runSession(t, input, Options{Handlers: handlers})

	last := msgs[len(msgs)-1]
	if last.Error != nil || last.Result["fine"] != true {
		t.Errorf("request after failures = %+v, want success", last)
	}
}

func TestOversizedLineAnsweredNotFatal(t *testing.T) {
	handlers := map[string]Handler{
		"ok": func(ctx context.Context, params json.RawMessage) (any, error) {
			return map[string]any{"fine": true}, nil
		},
	}
	input := initLine +
		strings.Repeat("a", maxLineBytes+1) + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"ok"}` + "\n"
	msgs := runSession(t, input, Options{Handlers: handlers})

	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	tooLong := msgs[3]
	if tooLong.Error == nil || tooLong.Error.Code != CodeParseError {
		t.Errorf("oversized line answered with %+v, want code %d", tooLong.Error, CodeParseError)
	}
	if string(tooLong.ID) != "null" {
		t.Errorf("oversized line response id = %s, want null", tooLong.ID)
	}
	last := msgs[4]
	if string(last.ID) != "2" || last.Error != nil || last.Result["fine"] != true {
		t.Errorf("request after oversized line = %+v, want success", last)
	}
}

func TestOversizedFinalLineWithoutNewline(t *testing.T) {
	input := initLine + strings.Repeat("a", maxLineBytes+1)
	msgs := runSession(t, input, Options{})

	last := msgs[len(msgs)-1]
	if last.Error == nil || last.Error.Code != CodeParseError {
		t.Errorf("unterminated oversized line answered with %+v, want code %d", last.Error, CodeParseError)
	}
}

func TestShutdownThenExit(t *testing.T) {
	input := initLine +
		`{"jsonrpc":"2.0","id":2,"method":"shutdown"}` + "\n" +
		`{"jsonrpc":"2.0","id":3,"method":"shutdown/late"}` + "\n" +
		`{"jsonrpc":"2.0","method":"exit"}` + "\n" +
		`{"jsonrpc":"2.0","id":4,"method":"after-exit"}` + "\n"

	var out bytes.Buffer
	srv := NewServer(strings.NewReader(input), &out, Options{Logger: log.New(io.Discard, "", 0)})
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if srv.State() != StateExited {
		t.Errorf("state = %v, want exited", srv.State())
	}

	msgs := decodeLines(t, out.String())
	// init response + 2 notifications + shutdown ack + late rejection;
	// nothing after exit.
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[3].Error != nil {
		t.Errorf("shutdown ack = %+v, want empty result", msgs[3])
	}
	if msgs[4].Error == nil || msgs[4].Error.Code != CodeInvalidRequest {
		t.Errorf("request during shutdown = %+v, want code %d", msgs[4].Error, CodeInvalidRequest)
	}
}

func TestDoubleInitializeRejected(t *testing.T) {
	input := initLine + `{"jsonrpc":"2.0","id":2,"method":"initialize"}` + "\n"
	msgs := runSession(t, input, Options{})

	last := msgs[len(msgs)-1]
	if last.Error == nil || last.Error.Code != CodeInvalidRequest {
		t.Errorf("second initialize = %+v, want code %d", last.Error, CodeInvalidRequest)
	}
}

func TestNotifyDroppedBeforeReady(t *testing.T) {
	var out bytes.Buffer
	srv := NewServer(strings.NewReader(""), &out, Options{Logger: log.New(io.Discard, "", 0)})
	srv.Notify("tools/list_changed", nil)
	if out.Len() != 0 {
		t.Errorf("notification written before handshake: %q", out.String())
	}
}
