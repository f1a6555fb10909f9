package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/poolgate/internal/federation"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/storage"
)

func TestCommandTree(t *testing.T) {
	root := NewRootCommand()
	want := map[string][]string{
		"pools":      {"list", "show", "create", "set-config", "activate", "deactivate", "delete"},
		"files":      {"ls", "stat", "put", "get", "rm", "mv", "cp", "mkdir", "records"},
		"federation": {"ls", "search"},
	}
	for parent, children := range want {
		for _, child := range children {
			cmd, _, err := root.Find([]string{parent, child})
			if err != nil {
				t.Fatalf("find %s %s: %v", parent, child, err)
			}
			if cmd.Name() != child {
				t.Errorf("find %s %s: got %q", parent, child, cmd.Name())
			}
		}
	}
	if _, _, err := root.Find([]string{"migrate"}); err != nil {
		t.Fatalf("find migrate: %v", err)
	}

	mv, _, _ := root.Find([]string{"files", "mv"})
	if mv.Flags().Lookup("to-pool") == nil {
		t.Error("files mv has no --to-pool flag")
	}
	if mv.InheritedFlags().Lookup("pool") == nil {
		t.Error("files mv does not inherit --pool")
	}
}

func TestMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	root := NewRootCommand()
	root.SetArgs([]string{"pools", "list"})
	root.SetOut(&bytes.Buffer{})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected a DATABASE_URL error, got %v", err)
	}
}

func TestInvalidOutputFormat(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/none")
	defer func() { globalFlags.Output = "human" }()

	root := NewRootCommand()
	root.SetArgs([]string{"--output", "yaml", "pools", "list"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid output format") {
		t.Fatalf("expected an output format error, got %v", err)
	}
}

func TestParsePoolID(t *testing.T) {
	if id, err := parsePoolID("12"); err != nil || id != 12 {
		t.Fatalf("parsePoolID(12) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc"} {
		if _, err := parsePoolID(bad); err == nil {
			t.Errorf("parsePoolID(%q) should fail", bad)
		}
	}
}

func TestReadConfigArg(t *testing.T) {
	raw, err := readConfigArg(`{"path":"/srv"}`)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	if string(raw) != `{"path":"/srv"}` {
		t.Errorf("inline: got %s", raw)
	}

	file := filepath.Join(t.TempDir(), "pool.json")
	if err := os.WriteFile(file, []byte(`{"bucket":"b"}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err = readConfigArg("@" + file)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if string(raw) != `{"bucket":"b"}` {
		t.Errorf("file: got %s", raw)
	}

	if _, err := readConfigArg("{not json"); err == nil {
		t.Error("invalid JSON should fail")
	}
	if _, err := readConfigArg("@/nonexistent/pool.json"); err == nil {
		t.Error("missing file should fail")
	}
}

func TestRedactConfig(t *testing.T) {
	out := redactConfig(json.RawMessage(`{"bucket":"b","access_key":"AK","secret_key":"SK"}`))
	if strings.Contains(out, "SK") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "AK") || !strings.Contains(out, "********") {
		t.Errorf("unexpected redaction: %s", out)
	}

	out = redactConfig(json.RawMessage(`{"url":"http://dav","password":"hunter2"}`))
	if strings.Contains(out, "hunter2") {
		t.Errorf("password leaked: %s", out)
	}
}

func TestPrinterHuman(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf}

	pools := []metadata.Pool{
		{ID: 1, Name: "main", Kind: "local", Active: true},
		{ID: 2, Name: "archive", Kind: "object"},
	}
	if err := p.pools(pools); err != nil {
		t.Fatalf("pools: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", buf.String())
	}
	if !strings.Contains(lines[1], "main") || !strings.Contains(lines[1], "*") {
		t.Errorf("active pool row: %q", lines[1])
	}
	if strings.Contains(lines[2], "*") {
		t.Errorf("inactive pool marked active: %q", lines[2])
	}

	buf.Reset()
	items := []federation.Item{{Entry: storage.NewEntry("report.pdf", 10, false, time.Now()), PoolID: 2, PoolName: "archive"}}
	if err := p.items(items); err != nil {
		t.Fatalf("items: %v", err)
	}
	if !strings.Contains(buf.String(), "2:archive") || !strings.Contains(buf.String(), "/report.pdf") {
		t.Errorf("items output: %q", buf.String())
	}
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, json: true}

	e := storage.NewEntry("a/b.txt", 5, false, time.Time{})
	if err := p.entry(&e); err != nil {
		t.Fatalf("entry: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["path"] != "/a/b.txt" || got["size"] != float64(5) {
		t.Errorf("unexpected entry json: %v", got)
	}

	buf.Reset()
	if err := p.result("mkdir", "/x", false, "already exists"); err != nil {
		t.Fatalf("result: %v", err)
	}
	got = nil
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["changed"] != false || got["result"] != "already exists" {
		t.Errorf("unexpected result json: %v", got)
	}
}
