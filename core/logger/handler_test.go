package logger

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	coreconfig "github.com/m3rciful/userbots/core/config"
)

func TestStructuredHandlerKVOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   formatKV,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	log := slog.New(handler).With("component", "app")
	LogEvent(ctx, log, slog.LevelInfo, "reconcile.pass",
		slog.String("status", "ok"),
		slog.String("cause", "unit"),
	)
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	tokens := strings.Split(line, " ")
	if len(tokens) < 6 {
		t.Fatalf("unexpected token count: %d (%s)", len(tokens), line)
	}
	expected := []string{"ts=", "level=INFO", "component=app", "event=reconcile.pass", "status=ok", "rid=rid-123"}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   formatJSON,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	ctx := WithRID(context.Background(), "rid-json")
	ctx = WithUpdateMeta(ctx, 11, 22, 33)

	log := slog.New(handler).With("component", "userbot.supervisor")
	LogEvent(ctx, log, slog.LevelError, "handle.failed",
		slog.String("status", "fail"),
		slog.String("err", "boom"),
		slog.String("err_code", "OPEN_FAILED"),
	)
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, "{") {
		t.Fatalf("expected JSON, got %s", line)
	}
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"userbot.supervisor"`, `"event":"handle.failed"`, `"status":"fail"`, `"rid":"rid-json"`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		if idx == -1 || idx < pos {
			t.Fatalf("prefix %s not found in order within %s", pref, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerCompactRID(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   formatKV,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	rawRID := "123:456:789"
	ctx := WithRID(context.Background(), rawRID)
	log := slog.New(handler).With("component", "app")
	LogEvent(ctx, log, slog.LevelInfo, "rid.test",
		slog.String("status", "ok"),
	)
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "rid="+CompactRID(rawRID)) {
		t.Fatalf("expected compact rid, got %s", line)
	}
	if strings.Contains(line, "rid_full=") {
		t.Fatalf("rid_full should be omitted in KV output, got %s", line)
	}
}

func TestStructuredHandlerCompactRIDJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   formatJSON,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	rawRID := "12:34:56"
	ctx := WithRID(context.Background(), rawRID)
	log := slog.New(handler).With("component", "app")
	LogEvent(ctx, log, slog.LevelInfo, "rid.test",
		slog.String("status", "ok"),
	)
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, `"rid":"`+CompactRID(rawRID)+`"`) {
		t.Fatalf("expected compact rid in JSON, got %s", line)
	}
	if !strings.Contains(line, `"rid_full":"`+rawRID+`"`) {
		t.Fatalf("expected rid_full in JSON output, got %s", line)
	}
}

func TestStructuredHandlerUserbotCorrelation(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   formatKV,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	ctx := WithPass(context.Background(), "p-1")
	ctx = WithUser(ctx, 77)
	ctx = WithTask(ctx, "ping")

	log := slog.New(handler).With("component", CompSupervisor)
	LogEvent(ctx, log, slog.LevelInfo, "task.attached", slog.Duration("took", 1500*time.Microsecond))
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{"pass_id=p-1", "user_id=77", "task_id=ping", "took_ms=2"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
	if strings.Index(line, "pass_id=") > strings.Index(line, "task_id=") {
		t.Fatalf("pass_id should precede task_id: %s", line)
	}
	if PassIDFrom(ctx) != "p-1" || TaskIDFrom(ctx) != "ping" || LoginIDFrom(ctx) != "" {
		t.Fatal("context accessors mismatch")
	}
}

func TestSanitizeLimit(t *testing.T) {
	if got := SanitizeLimit("a\x00b\u200bc\nd", 10); got != "abc\nd" {
		t.Fatalf("unexpected sanitize result %q", got)
	}
	if got := SanitizeLimit("héllo", 2); got != "hé" {
		t.Fatalf("unexpected limit result %q", got)
	}
	if CompactRID("35:36:1") != "z.10.1" {
		t.Fatalf("unexpected compact rid %q", CompactRID("35:36:1"))
	}
}

func TestComponentLoggersReadyBeforeInit(t *testing.T) {
	for name, l := range map[string]*slog.Logger{
		"db":    DB,
		"tg":    TG,
		"tasks": TASKS,
		"store": STORE,
		"gate":  GATE,
	} {
		if l == nil {
			t.Fatalf("%s logger is nil before InitLogger", name)
		}
	}
	if Component(CompLogin) == nil {
		t.Fatal("expected component logger")
	}
}

func TestRotatingFileDefaults(t *testing.T) {
	rot := newRotatingFile("/tmp/userbots/bot.log", coreconfig.LoggingConfig{MaxAgeDays: 3, Compress: true})
	if rot.MaxSize != 10 || rot.MaxBackups != 5 {
		t.Fatalf("unexpected rotation defaults: size=%d backups=%d", rot.MaxSize, rot.MaxBackups)
	}
	if rot.MaxAge != 3 || !rot.Compress {
		t.Fatalf("rotation settings not propagated: %+v", rot)
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 3)
	var passed int
	for i := 0; i < 9; i++ {
		if s.Allow() {
			passed++
		}
	}
	if passed != 3 {
		t.Fatalf("expected 3 of 9 events, got %d", passed)
	}
	s.Set(0, 0)
	if !s.Allow() {
		t.Fatal("disabled sampler must pass everything")
	}
	for spec, want := range map[string][2]int{"2/5": {2, 5}, "10": {1, 10}, "0": {0, 0}, "x": {0, 0}} {
		n, d := parseRatioSpec(spec)
		if n != want[0] || d != want[1] {
			t.Fatalf("parseRatioSpec(%q) = %d/%d", spec, n, d)
		}
	}
}

func TestAsyncWriterRejectsAfterClose(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 16)
	if err := aw.Write([]byte("one\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.String() != "one\n" {
		t.Fatalf("unexpected sink content %q", buf.String())
	}
	if err := aw.Write([]byte("two\n")); err == nil {
		t.Fatal("expected error after close")
	}
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush after close: %v", err)
	}
}

func newTestHandler(format logFormat) (*bytes.Buffer, *asyncWriter, *slog.Logger) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 64)
	return buf, aw, slog.New(newStructuredHandler(handlerConfig{level: slog.LevelDebug, writer: aw, format: format}))
}

func TestStructuredHandlerRedactsSecrets(t *testing.T) {
	buf, aw, log := newTestHandler(formatJSON)
	log.Info("login.step",
		slog.String("api_secret", "hunter2"),
		slog.Group("form", slog.String("password", "pw"), slog.String("step", "code")),
		slog.String("err_code", "CODE_INVALID"),
	)
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	line := buf.String()
	for _, leaked := range []string{"hunter2", `"pw"`} {
		if strings.Contains(line, leaked) {
			t.Fatalf("secret %s leaked: %s", leaked, line)
		}
	}
	for _, want := range []string{`"api_secret":"[redacted]"`, `"form.password":"[redacted]"`, `"form.step":"code"`, `"err_code":"CODE_INVALID"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
}

func TestStructuredHandlerGroupsApplyToLaterAttrs(t *testing.T) {
	buf, aw, log := newTestHandler(formatKV)
	base := log.With("component", "app")
	base.Info("health", "status", "RETRY", "outcome", "weird")
	base.WithGroup("gw").With("host", "h1").Info("dial", "attempt", 2)
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	line := buf.String()
	for _, want := range []string{"component=app", "gw.host=h1", "gw.attempt=2", "event=dial", "event=health", "status=retry"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
	if strings.Contains(line, "gw.component") || strings.Contains(line, "outcome") {
		t.Fatalf("unexpected fields in %s", line)
	}
}

func TestResolveSettings(t *testing.T) {
	s := resolveSettings(nil)
	if s.format != formatJSON || s.level != slog.LevelInfo || s.sampleDen != defaultSampleDen || s.filePath != "" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	s = resolveSettings(&coreconfig.Config{Logging: coreconfig.LoggingConfig{
		Profile:     "Dev",
		Level:       "warning",
		KeysOrder:   "event, ts ,,level",
		DebugSample: "1/4",
		Dir:         "/var/log/ub",
		BotFile:     "bot.log",
	}})
	if s.format != formatKV || s.level != slog.LevelWarn || s.profile != "dev" {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if strings.Join(s.keyOrder, ",") != "event,ts,level" {
		t.Fatalf("key order = %v", s.keyOrder)
	}
	if s.sampleNum != 1 || s.sampleDen != 4 || s.filePath != "/var/log/ub/bot.log" {
		t.Fatalf("sample/file not resolved: %+v", s)
	}
}

func TestLogEventSkipsDisabledLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 8)
	log := slog.New(newStructuredHandler(handlerConfig{level: slog.LevelWarn, writer: aw, format: formatKV}))
	LogEvent(context.Background(), log, slog.LevelInfo, "quiet")
	LogEvent(context.Background(), log, slog.LevelWarn, "loud")
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "event=loud") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
