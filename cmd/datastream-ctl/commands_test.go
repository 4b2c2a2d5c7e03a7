package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
)

type fakeAdmin struct {
	registered []string
	broadcast  string
	fail       error
}

func (a *fakeAdmin) ListPlugins(context.Context) ([]string, error) {
	return []string{"example_json", "database_table"}, a.fail
}

func (a *fakeAdmin) SourceInfo(_ context.Context, name string) (model.SourceInfo, error) {
	if a.fail != nil {
		return model.SourceInfo{}, a.fail
	}
	return model.SourceInfo{
		Type:        model.SourceTypeFile,
		Location:    "/data/" + name,
		Format:      ".json",
		Exists:      true,
		RecordCount: 42,
	}, nil
}

func (a *fakeAdmin) RegisterFile(_ context.Context, name, path string) error {
	a.registered = append(a.registered, name+"="+path)
	return a.fail
}

func (a *fakeAdmin) RegisterDatabase(_ context.Context, name, table, orderBy string) error {
	a.registered = append(a.registered, name+"="+table+"/"+orderBy)
	return a.fail
}

func (a *fakeAdmin) Broadcast(_ context.Context, message string) (int, error) {
	a.broadcast = message
	return 3, a.fail
}

func (a *fakeAdmin) Connections(context.Context) ([]connmgr.ClientSnapshot, error) {
	return []connmgr.ClientSnapshot{
		{ID: "c1", RemoteAddr: "127.0.0.1:5555", ConnectedAt: time.Now().Add(-time.Minute)},
	}, a.fail
}

func runCmd(t *testing.T, admin *fakeAdmin, jsonOut bool, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := command{admin: admin, out: &buf, json: jsonOut}.run(context.Background(), args)
	return buf.String(), err
}

func TestRun_Plugins(t *testing.T) {
	out, err := runCmd(t, &fakeAdmin{}, false, "plugins")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Plugins (2)") || !strings.Contains(out, "database_table") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = runCmd(t, &fakeAdmin{}, true, "plugins")
	if err != nil {
		t.Fatalf("run json: %v", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(out), &names); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(names) != 2 || names[0] != "example_json" {
		t.Errorf("names = %v", names)
	}
}

func TestRun_Info(t *testing.T) {
	out, err := runCmd(t, &fakeAdmin{}, false, "info", "sample")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"sample", "/data/sample", "42"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}

	out, err = runCmd(t, &fakeAdmin{}, true, "info", "sample")
	if err != nil {
		t.Fatalf("run json: %v", err)
	}
	var info model.SourceInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.RecordCount != 42 || !info.Exists {
		t.Errorf("info = %+v", info)
	}
}

func TestRun_Register(t *testing.T) {
	admin := &fakeAdmin{}
	if _, err := runCmd(t, admin, false, "register-file", "notes", "notes.txt"); err != nil {
		t.Fatalf("register-file: %v", err)
	}
	if _, err := runCmd(t, admin, false, "register-db", "users", "users"); err != nil {
		t.Fatalf("register-db: %v", err)
	}
	out, err := runCmd(t, admin, true, "register-db", "people", "people", "id")
	if err != nil {
		t.Fatalf("register-db json: %v", err)
	}
	if !strings.Contains(out, `"plugin": "people"`) {
		t.Errorf("json output = %q", out)
	}

	want := []string{"notes=notes.txt", "users=users/", "people=people/id"}
	if strings.Join(admin.registered, ",") != strings.Join(want, ",") {
		t.Errorf("registered = %v, want %v", admin.registered, want)
	}
}

func TestRun_Broadcast(t *testing.T) {
	admin := &fakeAdmin{}
	out, err := runCmd(t, admin, false, "broadcast", "maintenance", "at", "noon")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if admin.broadcast != "maintenance at noon" {
		t.Errorf("message = %q", admin.broadcast)
	}
	if !strings.Contains(out, "delivered to 3 client(s)") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_Connections(t *testing.T) {
	out, err := runCmd(t, &fakeAdmin{}, false, "connections")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if !strings.Contains(out, "Connections (1)") || !strings.Contains(out, "127.0.0.1:5555") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := [][]string{
		{},
		{"bogus"},
		{"info"},
		{"register-file", "only-name"},
		{"register-db", "a"},
		{"register-db", "a", "b", "c", "d"},
		{"broadcast"},
	}
	for _, args := range tests {
		if _, err := runCmd(t, &fakeAdmin{}, false, args...); err == nil {
			t.Errorf("args %v: expected error", args)
		}
	}

	boom := errors.New("boom")
	if _, err := runCmd(t, &fakeAdmin{fail: boom}, false, "plugins"); !errors.Is(err, boom) {
		t.Errorf("admin error not propagated: %v", err)
	}
}
