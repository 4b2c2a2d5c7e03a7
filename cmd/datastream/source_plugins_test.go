package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/source"
)

func testBuilder(t *testing.T) source.Builder {
	t.Helper()
	dir := t.TempDir()
	return source.Builder{
		DataDir: dir,
		DB:      source.DBConfig{Driver: source.DriverSQLite, Name: filepath.Join(dir, "demo.db")},
	}
}

func TestBuildSourcePlugins_Selection(t *testing.T) {
	plugins := buildSourcePlugins(SourcePluginConfig{DBEnabled: false})
	if len(plugins) != 2 {
		t.Fatalf("got %d plugins, want 2", len(plugins))
	}
	if plugins[0].Name() != "example_json" || !plugins[0].Enabled() {
		t.Errorf("sample plugin = %s enabled=%v", plugins[0].Name(), plugins[0].Enabled())
	}
	if plugins[1].Name() != "database_table" || plugins[1].Enabled() {
		t.Errorf("table plugin = %s enabled=%v", plugins[1].Name(), plugins[1].Enabled())
	}
}

func TestRegisterSources_Demo(t *testing.T) {
	b := testBuilder(t)
	reg := registry.New()
	plugins := buildSourcePlugins(SourcePluginConfig{DemoEnabled: true, DemoRows: 120, DBEnabled: true, Logger: zerolog.Nop()})

	if err := registerSources(context.Background(), reg, b, plugins, "", zerolog.Nop()); err != nil {
		t.Fatalf("registerSources: %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "example_json" || names[1] != "database_table" {
		t.Fatalf("names = %v", names)
	}

	sample, _ := reg.Resolve("example_json")
	if info := sample.SourceInfo(context.Background()); info.RecordCount != defaultSampleItems {
		t.Errorf("sample record_count = %d, want %d", info.RecordCount, defaultSampleItems)
	}
	table, _ := reg.Resolve("database_table")
	if info := table.SourceInfo(context.Background()); info.RecordCount != 120 || info.Error != "" {
		t.Errorf("table info = %+v, want 120 rows", info)
	}
}

func TestRegisterSources_WithoutDemo(t *testing.T) {
	b := testBuilder(t)
	reg := registry.New()
	plugins := buildSourcePlugins(SourcePluginConfig{})

	if err := registerSources(context.Background(), reg, b, plugins, filepath.Join(t.TempDir(), "missing.yml"), zerolog.Nop()); err != nil {
		t.Fatalf("registerSources: %v", err)
	}
	sample, ok := reg.Resolve("example_json")
	if !ok {
		t.Fatal("example_json not registered")
	}
	if info := sample.SourceInfo(context.Background()); info.Exists {
		t.Error("sample file should not be created with demo disabled")
	}
}

func TestRegisterSources_ManifestOverrides(t *testing.T) {
	b := testBuilder(t)
	if err := os.WriteFile(filepath.Join(b.DataDir, "mine.txt"), []byte("x\ny\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifestPath := filepath.Join(t.TempDir(), "plugins.yml")
	body := "plugins:\n  - {name: example_json, type: file, path: mine.txt}\n  - {name: notes, type: file, path: mine.txt}\n"
	if err := os.WriteFile(manifestPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	if err := registerSources(context.Background(), reg, b, buildSourcePlugins(SourcePluginConfig{}), manifestPath, zerolog.Nop()); err != nil {
		t.Fatalf("registerSources: %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "example_json" || names[1] != "notes" {
		t.Fatalf("names = %v", names)
	}
	p, _ := reg.Resolve("example_json")
	if fp, ok := p.(*source.FilePlugin); !ok || fp.Format() != source.FormatText {
		t.Errorf("example_json not replaced by manifest entry: %T", p)
	}
}

func TestRegisterSources_BadManifest(t *testing.T) {
	b := testBuilder(t)
	manifestPath := filepath.Join(t.TempDir(), "plugins.yml")
	if err := os.WriteFile(manifestPath, []byte("plugins:\n  - {type: file}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := registerSources(context.Background(), registry.New(), b, nil, manifestPath, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for invalid manifest")
	}
}
