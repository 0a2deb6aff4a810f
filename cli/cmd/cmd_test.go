package cmd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v2"

	"github.com/chrisbazley/cblibrary/cli/config"
	"github.com/chrisbazley/cblibrary/cli/reader"
	"github.com/chrisbazley/cblibrary/cli/render"
	"github.com/chrisbazley/cblibrary/journal"
)

func newTestApp() *cli.App {
	return &cli.App{
		Name:           "cblib",
		Writer:         io.Discard,
		ErrWriter:      io.Discard,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			DemoCommand(),
			TraceCommand(),
			JournalCommand(),
			VersionCommand("test"),
		},
	}
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func TestOutputFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range OutputFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("OutputFlags should include --tui flag for explicit error handling")
	}
}

type stringFlags map[string]string

func (f stringFlags) String(name string) string { return f[name] }

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cblib.yaml")
	if err := os.WriteFile(path, []byte("task:\n  name: Edit\nlog:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(stringFlags{})
	if err != nil {
		t.Fatalf("loadConfig without a file failed: %v", err)
	}
	if cfg.Task.Name != "" {
		t.Errorf("task.name = %q, want empty", cfg.Task.Name)
	}

	cfg, err = loadConfig(stringFlags{"config": path, "log-level": "debug"})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Task.Name != "Edit" || cfg.Log.Level != "debug" {
		t.Errorf("config = %+v, want task Edit at debug", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cblib.yaml")
	if err := os.WriteFile(path, []byte("transport:\n  kind: redis\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := loadConfig(stringFlags{"config": path})
	if err == nil || !strings.Contains(err.Error(), "redis_url") {
		t.Errorf("loadConfig = %v, want redis_url error", err)
	}
}

func TestOpenJournal(t *testing.T) {
	ctx := context.Background()
	j, err := openJournal(ctx, &config.Config{}, nil)
	if err != nil || j != nil {
		t.Errorf("openJournal(none) = %v, %v, want nil, nil", j, err)
	}

	j, err = openJournal(ctx, &config.Config{Journal: config.JournalConfig{Backend: config.JournalMemory}}, nil)
	if err != nil {
		t.Fatalf("openJournal(memory) failed: %v", err)
	}
	if _, ok := j.(*journal.LodeJournal); !ok {
		t.Errorf("openJournal(memory) = %T, want *journal.LodeJournal", j)
	}
	if err := j.Record(ctx, journal.Entry{Task: "t", Direction: journal.DirectionSend}); err != nil {
		t.Errorf("Record = %v", err)
	}

	j, err = openJournal(ctx, &config.Config{Journal: config.JournalConfig{Backend: config.JournalMemory, Batch: 4}}, nil)
	if err != nil {
		t.Fatalf("openJournal(batch) failed: %v", err)
	}
	if _, ok := j.(*journal.Buffered); !ok {
		t.Errorf("openJournal(batch) = %T, want *journal.Buffered", j)
	}
}

func TestOpenDataset_RejectsMemory(t *testing.T) {
	_, err := openDataset(context.Background(), &config.Config{Journal: config.JournalConfig{Backend: config.JournalMemory}})
	if err == nil {
		t.Fatal("openDataset(memory) = nil error")
	}
}

func TestEntryFilter(t *testing.T) {
	e := journal.Entry{Task: "Edit", Direction: journal.DirectionSend, Outcome: journal.OutcomeCompleted}
	tests := []struct {
		name                     string
		task, direction, outcome string
		want                     bool
	}{
		{"task", "edit", "", "", true},
		{"direction", "", "send", "", true},
		{"all fields", "Edit", "send", "completed", true},
		{"wrong task", "Draw", "", "", false},
		{"wrong outcome", "", "", "failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep := entryFilter(tt.task, tt.direction, tt.outcome)
			if got := keep(e); got != tt.want {
				t.Errorf("keep = %v, want %v", got, tt.want)
			}
		})
	}
	if entryFilter("", "", "") != nil {
		t.Error("entryFilter with no fields should keep everything")
	}
}

func TestPresentReport(t *testing.T) {
	report := &reader.Report{Summary: reader.Summary{Total: 1}}
	if _, ok := presentReport(render.FormatTable, report).(render.Sectioned); !ok {
		t.Error("table presentation is not sectioned")
	}
	if got := presentReport(render.FormatJSON, report); got != report {
		t.Errorf("json presentation = %T, want the report", got)
	}
}

func TestVersion_RejectsTUI(t *testing.T) {
	err := newTestApp().Run([]string{"cblib", "version", "--format", "json", "--tui"})
	if code := exitCode(err); code != ExitUsage {
		t.Errorf("exit code = %d, want %d (err %v)", code, ExitUsage, err)
	}
}

func TestDemo_UnknownScenario(t *testing.T) {
	err := newTestApp().Run([]string{"cblib", "demo", "--format", "json", "--scenario", "fax"})
	if code := exitCode(err); code != ExitUsage {
		t.Errorf("exit code = %d, want %d (err %v)", code, ExitUsage, err)
	}
}

func TestDemo_TraceRoundTrip(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "ram.trace")
	err := newTestApp().Run([]string{"cblib", "demo", "--format", "json", "--scenario", "ram", "--size", "100", "--trace", tracePath})
	if err != nil {
		t.Fatalf("demo failed: %v", err)
	}

	tr, err := readTraceFile(tracePath)
	if err != nil {
		t.Fatalf("readTraceFile failed: %v", err)
	}
	if tr.Scenario != "ram" {
		t.Errorf("scenario = %q, want ram", tr.Scenario)
	}
	var actions []string
	for _, d := range tr.Deliveries {
		actions = append(actions, d.Action)
	}
	want := []string{"DataSave", "RAMFetch", "RAMTransmit", "RAMFetch", "RAMTransmit"}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}

	if err := newTestApp().Run([]string{"cblib", "trace", "--format", "yaml", tracePath}); err != nil {
		t.Errorf("trace command failed: %v", err)
	}
}

func TestTrace_MissingArgument(t *testing.T) {
	err := newTestApp().Run([]string{"cblib", "trace", "--format", "json"})
	if code := exitCode(err); code != ExitUsage {
		t.Errorf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestDemo_RecordsToFSJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cblib.yaml")
	root := filepath.Join(dir, "journal")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "task:\n  name: Edit\njournal:\n  backend: fs\n  batch: 3\n  path: " + root + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	err := newTestApp().Run([]string{"cblib", "demo", "--format", "json", "--config", cfgPath, "--scenario", "ram,file"})
	if err != nil {
		t.Fatalf("demo failed: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	ds, err := openDataset(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openDataset failed: %v", err)
	}
	entries, err := journal.Query(context.Background(), ds, entryFilter("", journal.DirectionReceive, ""))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("receive entries = %d, want 2", len(entries))
	}

	err = newTestApp().Run([]string{"cblib", "journal", "--format", "json", "--config", cfgPath, "--outcome", "completed"})
	if err != nil {
		t.Errorf("journal command failed: %v", err)
	}
}

func TestOpenNotifiers(t *testing.T) {
	js, err := openNotifiers(&config.Config{})
	if err != nil || len(js) != 0 {
		t.Errorf("openNotifiers(empty) = %v, %v, want none", js, err)
	}

	_, err = openNotifiers(&config.Config{Notify: config.NotifyConfig{
		WebhookURL: "http://example.com",
		RedisURL:   "not-a-redis-url",
	}})
	if err == nil {
		t.Error("openNotifiers with a bad redis url = nil error")
	}
}

func TestDemo_PublishesToWebhook(t *testing.T) {
	var events atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		events.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfgPath := filepath.Join(t.TempDir(), "cblib.yaml")
	yaml := "notify:\n  webhook_url: " + ts.URL + "\n  retries: 0\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	err := newTestApp().Run([]string{"cblib", "demo", "--format", "json", "--config", cfgPath, "--scenario", "ram"})
	if err != nil {
		t.Fatalf("demo failed: %v", err)
	}
	// one send and one receive
	if got := events.Load(); got != 2 {
		t.Errorf("webhook events = %d, want 2", got)
	}
}
