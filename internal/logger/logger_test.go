package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONEmitsAttrsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	out := buf.String()
	for _, want := range []string{"hello", `"key":"value"`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Debug("dropped")
	log.Info("dropped")
	if buf.Len() > 0 {
		t.Fatalf("info leaked through warn level: %s", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn message missing: %s", buf.String())
	}
}

func TestWithAddsFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "engine")
	log.Info("ready")
	if !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Fatalf("component field missing: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("bare context yields nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestForFormatSelection(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logJSON := ForFormat("json", &buf, slog.LevelInfo)
	logJSON.Info("structured")
	if !strings.Contains(buf.String(), `"msg":"structured"`) {
		t.Fatalf("json format not selected: %s", buf.String())
	}

	buf.Reset()
	logPretty := ForFormat("pretty", &buf, slog.LevelInfo)
	logPretty.Info("colored")
	if !strings.Contains(buf.String(), "colored") || strings.Contains(buf.String(), `"msg"`) {
		t.Fatalf("pretty format not selected: %s", buf.String())
	}
}

func TestPrettyOutputShape(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("evaluating", "patterns", 128, "note", "two words")

	out := buf.String()
	for _, want := range []string{"INFO", "evaluating", "patterns=128", `note="two words"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, `patterns="128"`) {
		t.Errorf("numeric attr quoted: %s", out)
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()

	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "api")}).WithGroup("job"))
	log.Info("stored", "id", "lik_1")

	out := buf.String()
	if !strings.Contains(out, "service=api") {
		t.Errorf("handler attr missing: %s", out)
	}
	if !strings.Contains(out, "job.id=lik_1") {
		t.Errorf("group prefix missing: %s", out)
	}

	if h.WithGroup("") != slog.Handler(h) {
		t.Error("empty group did not return the same handler")
	}
}

func TestPrettyNestedGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil).WithGroup("a").WithGroup("b"))
	log.Info("nested", "key", "val")
	if !strings.Contains(buf.String(), "a.b.key=val") {
		t.Fatalf("nested group prefix missing: %s", buf.String())
	}
}
