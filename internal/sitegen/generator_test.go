package sitegen

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

func newTestGenerator(t *testing.T) (*Generator, string) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	themesDir := t.TempDir()
	workDir := t.TempDir()
	g, err := New(log, Config{ThemesDir: themesDir, WorkDir: workDir})
	if err != nil {
		t.Fatalf("init generator: %v", err)
	}
	return g, themesDir
}

func writeTheme(t *testing.T, themesDir, themeID string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		dst := filepath.Join(themesDir, themeID, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			t.Fatalf("write theme file: %v", err)
		}
	}
}

func testInput() Input {
	return Input{
		ThemeID:      "modern",
		WebsiteName:  "Acme Realty",
		CompanyName:  "Acme Realty LLC",
		Tagline:      "Homes that fit",
		AboutText:    "Family-run brokerage.",
		LayoutStyle:  "grid",
		BrandColors:  []string{"#102030", "#405060"},
		ContactEmail: "jane@acme.com",
		DatabaseName: "tenant_acme_realty",
		DatabaseURI:  "mongodb+srv://cluster/tenant_acme_realty",
	}
}

func TestGenerateSubstitutesPlaceholders(t *testing.T) {
	g, themesDir := newTestGenerator(t)
	writeTheme(t, themesDir, "modern", map[string]string{
		"index.html":        "<h1>__COMPANY_NAME__</h1><p>__TAGLINE__</p>",
		"styles/theme.css":  ":root { --primary: __PRIMARY_COLOR__; --accent: __ACCENT_COLOR__; }",
		"assets/photo.webp": "binary__COMPANY_NAME__bytes",
	})

	out, err := g.Generate(testInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	html := string(out.Files["index.html"])
	if !strings.Contains(html, "Acme Realty LLC") || strings.Contains(html, "__COMPANY_NAME__") {
		t.Fatalf("placeholders not substituted: %s", html)
	}
	css := string(out.Files["styles/theme.css"])
	if !strings.Contains(css, "#102030") {
		t.Fatalf("primary color not substituted: %s", css)
	}
	// Only two colors given: the accent falls back to the last one.
	if !strings.Contains(css, "#405060") || strings.Contains(css, "__ACCENT_COLOR__") {
		t.Fatalf("accent fallback missing: %s", css)
	}
	// Non-text files are copied byte-for-byte.
	if got := string(out.Files["assets/photo.webp"]); got != "binary__COMPANY_NAME__bytes" {
		t.Fatalf("binary file was rewritten: %s", got)
	}
}

func TestGenerateWritesRuntimeConfig(t *testing.T) {
	g, themesDir := newTestGenerator(t)
	writeTheme(t, themesDir, "modern", map[string]string{"index.html": "hello"})

	out, err := g.Generate(testInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw, ok := out.Files["site.config.json"]
	if !ok {
		t.Fatalf("site.config.json missing from output files")
	}
	var cfg struct {
		WebsiteName string `json:"websiteName"`
		Database    struct {
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"database"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("decode site config: %v", err)
	}
	if cfg.WebsiteName != "Acme Realty" || cfg.Database.Name != "tenant_acme_realty" {
		t.Fatalf("unexpected site config: %+v", cfg)
	}

	// The working copy on disk matches the returned file map.
	onDisk, err := os.ReadFile(filepath.Join(out.Path, "site.config.json"))
	if err != nil {
		t.Fatalf("read site config from work dir: %v", err)
	}
	if string(onDisk) != string(raw) {
		t.Fatalf("work dir copy diverges from returned files")
	}
}

func TestGenerateUnknownTheme(t *testing.T) {
	g, _ := newTestGenerator(t)
	if _, err := g.Generate(testInput()); err == nil {
		t.Fatalf("expected error for unknown theme")
	}
}

func TestGenerateRequiresThemeID(t *testing.T) {
	g, _ := newTestGenerator(t)
	in := testInput()
	in.ThemeID = "  "
	if _, err := g.Generate(in); err == nil {
		t.Fatalf("expected error for empty theme id")
	}
}
