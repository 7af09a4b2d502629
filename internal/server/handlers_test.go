package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/edictd/edict/internal/bootstrap"
	"github.com/edictd/edict/internal/config"
	"github.com/edictd/edict/internal/protocol"
)

func newTestContext(t *testing.T, mutate func(*config.Config)) *Context {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.WatchInstructions = false
	if mutate != nil {
		mutate(&cfg)
	}
	c, cleanup, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(cleanup)
	return c
}

// call invokes a line-protocol handler and flattens its result to a
// generic map for assertions.
func call(t *testing.T, c *Context, method, params string) (map[string]any, error) {
	t.Helper()
	h, ok := Handlers(c)[method]
	if !ok {
		t.Fatalf("no handler registered for %q", method)
	}
	res, err := h(context.Background(), json.RawMessage(params))
	if err != nil {
		return nil, err
	}
	return asMap(t, res), nil
}

func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
	return m
}

// confirm walks the token flow so mutation handlers are usable.
func confirm(t *testing.T, c *Context) {
	t.Helper()
	issue, err := call(t, c, "bootstrap/request_token", `{}`)
	if err != nil {
		t.Fatalf("request_token: %v", err)
	}
	token, _ := issue["token"].(string)
	if token == "" {
		t.Fatal("no token issued")
	}
	res, err := call(t, c, "bootstrap/finalize", fmt.Sprintf(`{"token":%q}`, token))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res["confirmed"] != true {
		t.Fatalf("finalize result = %v", res)
	}
}

func entryParams(id, body string) string {
	return fmt.Sprintf(`{"entry":{"id":%q,"title":"t","body":%q},"lax":true}`, id, body)
}

func TestMutationDeniedBeforeConfirmation(t *testing.T) {
	c := newTestContext(t, nil)

	_, err := call(t, c, "instructions/add", entryParams("first", "hello"))
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want protocol error", err)
	}
	data, _ := rpcErr.Data.(map[string]string)
	if data["reason"] != bootstrap.ReasonConfirmationRequired {
		t.Errorf("reason = %v", rpcErr.Data)
	}
}

func TestReferenceModeIsTerminal(t *testing.T) {
	c := newTestContext(t, func(cfg *config.Config) {
		cfg.Bootstrap.ReferenceMode = true
	})

	status, err := call(t, c, "bootstrap/status", `{}`)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["state"] != "reference_mode" || status["reason"] != bootstrap.ReasonReferenceMode {
		t.Errorf("status = %v", status)
	}

	if _, err := call(t, c, "bootstrap/request_token", `{}`); err == nil {
		t.Error("request_token succeeded in reference mode")
	}
	if _, err := call(t, c, "instructions/add", entryParams("x", "y")); err == nil {
		t.Error("add succeeded in reference mode")
	}
	// Reads stay available.
	if _, err := call(t, c, "instructions/list", `{}`); err != nil {
		t.Errorf("list: %v", err)
	}
}

func TestTokenConfirmLifecycle(t *testing.T) {
	c := newTestContext(t, nil)

	status, err := call(t, c, "bootstrap/status", `{}`)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["state"] != "awaiting_confirmation" || status["confirmationRequired"] != true {
		t.Fatalf("fresh workspace status = %v", status)
	}

	confirm(t, c)

	status, err = call(t, c, "bootstrap/status", `{}`)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["state"] != "confirmed" || status["confirmationRequired"] != false {
		t.Errorf("confirmed status = %v", status)
	}

	res, err := call(t, c, "instructions/add", entryParams("first", "hello"))
	if err != nil {
		t.Fatalf("add after confirm: %v", err)
	}
	if res["created"] != true {
		t.Errorf("add result = %v", res)
	}
}

func TestGetRecordsAndDecoratesUsage(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("used", "body")); err != nil {
		t.Fatalf("add: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := call(t, c, "instructions/get", `{"id":"used"}`)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		item, _ := res["item"].(map[string]any)
		if item == nil {
			t.Fatalf("get result = %v", res)
		}
		if got := item["usageCount"]; got != float64(i+1) {
			t.Errorf("usageCount after get %d = %v", i+1, got)
		}
	}

	list, err := call(t, c, "instructions/list", `{}`)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	items, _ := list["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("list items = %v", list)
	}
	if items[0].(map[string]any)["usageCount"] != float64(2) {
		t.Errorf("decorated list item = %v", items[0])
	}
}

func TestGetMissingIsNotFoundNotError(t *testing.T) {
	c := newTestContext(t, nil)

	res, err := call(t, c, "instructions/get", `{"id":"ghost"}`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res["notFound"] != true {
		t.Errorf("result = %v", res)
	}
}

func TestRemoveForgetsUsage(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("churned", "v1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := call(t, c, "instructions/get", `{"id":"churned"}`); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := call(t, c, "instructions/remove", `{"ids":["churned"]}`); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := call(t, c, "instructions/add", entryParams("churned", "v2")); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	res, err := call(t, c, "instructions/get", `{"id":"churned"}`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	item := res["item"].(map[string]any)
	// Only the single post-re-add get should be counted.
	if item["usageCount"] != float64(1) {
		t.Errorf("usageCount after remove and re-add = %v", item["usageCount"])
	}
}

func TestManifestRefreshedAfterMutation(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("tracked", "body")); err != nil {
		t.Fatalf("add: %v", err)
	}

	status, err := call(t, c, "manifest/status", `{}`)
	if err != nil {
		t.Fatalf("manifest/status: %v", err)
	}
	if status["manifestPresent"] != true || status["drift"] != float64(0) {
		t.Errorf("status after mutation = %v", status)
	}
}

func TestImportSetLimit(t *testing.T) {
	c := newTestContext(t, func(cfg *config.Config) {
		cfg.Hardening.MaxImportSetCheck = 2
	})
	confirm(t, c)

	params := `{"entries":[` +
		`{"id":"a","title":"t","body":"1"},` +
		`{"id":"b","title":"t","body":"2"},` +
		`{"id":"c","title":"t","body":"3"}],"mode":"skip"}`
	_, err := call(t, c, "instructions/import", params)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeInvalidParams {
		t.Errorf("oversized import error = %v", err)
	}
}

func TestGroomDryRunAllowedBeforeConfirmation(t *testing.T) {
	c := newTestContext(t, nil)

	if _, err := call(t, c, "instructions/groom", `{"dryRun":true}`); err != nil {
		t.Errorf("dry-run groom: %v", err)
	}
	if _, err := call(t, c, "instructions/groom", `{}`); err == nil {
		t.Error("writing groom succeeded before confirmation")
	}
}

func TestExportShape(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("only", "body")); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := call(t, c, "instructions/export", `{}`)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res["count"] != float64(1) || res["hash"] == "" {
		t.Errorf("export = %v", res)
	}
	if _, ok := res["entries"].([]any); !ok {
		t.Errorf("export entries = %T", res["entries"])
	}
}

func TestVerifyCleanCatalog(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("clean", "body")); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := call(t, c, "integrity/verify", `{}`)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res["issueCount"] != float64(0) {
		t.Errorf("verify = %v", res)
	}
}

func TestInitializePayload(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("seeded", "body")); err != nil {
		t.Fatalf("add: %v", err)
	}

	payload, err := c.InitializePayload(context.Background())
	if err != nil {
		t.Fatalf("InitializePayload: %v", err)
	}
	m := asMap(t, payload)
	instr, _ := m["instructions"].(map[string]any)
	if instr == nil || instr["count"] != float64(1) {
		t.Errorf("instructions payload = %v", m["instructions"])
	}
	boot, _ := m["bootstrap"].(map[string]any)
	if boot == nil || boot["state"] != "confirmed" {
		t.Errorf("bootstrap payload = %v", m["bootstrap"])
	}
}

func TestChangeNotifierFires(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	fired := 0
	c.OnCatalogChange(func() { fired++ })

	if _, err := call(t, c, "instructions/add", entryParams("notify", "body")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if fired != 1 {
		t.Errorf("notifier fired %d times, want 1", fired)
	}
}

func TestUpdateThroughWire(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("x", "one")); err != nil {
		t.Fatalf("add: %v", err)
	}
	orig, _ := c.Catalog.Get("x")

	res, err := call(t, c, "instructions/update", `{"entry":{"id":"x","title":"t","body":"two"}}`)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res["overwritten"] != true {
		t.Errorf("update result = %v, want overwritten", res)
	}

	got, _ := c.Catalog.Get("x")
	if got.Body != "two" {
		t.Errorf("Body = %q, want two", got.Body)
	}
	if got.CreatedAt != orig.CreatedAt {
		t.Errorf("CreatedAt = %s, want preserved %s", got.CreatedAt, orig.CreatedAt)
	}
}

func TestUpdateDeniedBeforeConfirmation(t *testing.T) {
	c := newTestContext(t, nil)

	_, err := call(t, c, "instructions/update", `{"entry":{"id":"x","title":"t","body":"b"}}`)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want protocol error", err)
	}
}

func TestAddPriorityDefaulting(t *testing.T) {
	c := newTestContext(t, nil)
	confirm(t, c)

	if _, err := call(t, c, "instructions/add", entryParams("defaulted", "b")); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, _ := c.Catalog.Get("defaulted")
	if got.Priority != 50 {
		t.Errorf("omitted priority = %d, want 50", got.Priority)
	}

	params := `{"entry":{"id":"urgent","title":"t","body":"b","priority":0},"lax":true}`
	if _, err := call(t, c, "instructions/add", params); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, _ = c.Catalog.Get("urgent")
	if got.Priority != 0 {
		t.Errorf("explicit zero priority = %d, want 0", got.Priority)
	}
}
