package reqid

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := With(context.Background(), "abc")
	ctx2, id := Ensure(ctx)
	if id != "abc" || From(ctx2) != "abc" {
		t.Errorf("Ensure changed id to %q", id)
	}
}

func TestEnsureCreatesID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || From(ctx) != id {
		t.Fatalf("Ensure did not attach an id: %q", id)
	}
	if len(id) != 36 {
		t.Errorf("id %q is not a uuid", id)
	}
}

func TestHandlerAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(With(context.Background(), "req-1"), "planning: start")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if rec["request_id"] != "req-1" {
		t.Errorf("request_id = %v", rec["request_id"])
	}

	buf.Reset()
	logger.InfoContext(context.Background(), "no id")
	if bytes.Contains(buf.Bytes(), []byte("request_id")) {
		t.Errorf("unexpected request_id in %s", buf.String())
	}
}
