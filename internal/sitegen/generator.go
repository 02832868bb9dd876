package sitegen

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/casaforge/casaforge-backend/internal/platform/envutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

// Generator materializes a working copy of a theme's source tree with
// tenant-specific values substituted. The output feeds the repository
// step as the initial commit; the template's internals are opaque here.
type Generator struct {
	log       *logger.Logger
	themesDir string
	workDir   string
}

type Config struct {
	ThemesDir string
	WorkDir   string
}

func ConfigFromEnv() Config {
	return Config{
		ThemesDir: envutil.String("SITEGEN_THEMES_DIR", "./themes"),
		WorkDir:   envutil.String("SITEGEN_WORK_DIR", os.TempDir()),
	}
}

func NewFromEnv(log *logger.Logger) (*Generator, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (*Generator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.ThemesDir == "" {
		return nil, fmt.Errorf("themes dir required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Generator{
		log:       log.With("component", "SiteGenerator"),
		themesDir: cfg.ThemesDir,
		workDir:   cfg.WorkDir,
	}, nil
}

// Input carries every tenant-specific value substituted into the theme.
type Input struct {
	ThemeID        string
	WebsiteName    string
	CompanyName    string
	Tagline        string
	AboutText      string
	LayoutStyle    string
	BrandColors    []string
	IncludedPages  []string
	PropertyTypes  []string
	ContactMethods []string
	ContactEmail   string
	DatabaseName   string
	DatabaseURI    string
}

type Output struct {
	Path      string
	FileCount int
	// Files holds every generated file keyed by repo-relative path, ready
	// to be pushed as the repository's initial commit.
	Files map[string][]byte
}

// Substitution markers understood inside theme sources.
var placeholders = []struct {
	marker string
	value  func(in Input) string
}{
	{"__COMPANY_NAME__", func(in Input) string { return in.CompanyName }},
	{"__WEBSITE_NAME__", func(in Input) string { return in.WebsiteName }},
	{"__TAGLINE__", func(in Input) string { return in.Tagline }},
	{"__ABOUT_TEXT__", func(in Input) string { return in.AboutText }},
	{"__CONTACT_EMAIL__", func(in Input) string { return in.ContactEmail }},
	{"__PRIMARY_COLOR__", func(in Input) string { return colorAt(in.BrandColors, 0) }},
	{"__SECONDARY_COLOR__", func(in Input) string { return colorAt(in.BrandColors, 1) }},
	{"__ACCENT_COLOR__", func(in Input) string { return colorAt(in.BrandColors, 2) }},
}

func colorAt(colors []string, i int) string {
	if i < len(colors) {
		return colors[i]
	}
	if len(colors) > 0 {
		return colors[len(colors)-1]
	}
	return "#1a1a1a"
}

// Extensions treated as substitutable text. Everything else is copied
// byte-for-byte.
var textExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".json": true, ".html": true, ".css": true, ".scss": true,
	".md": true, ".txt": true, ".env": true, ".yml": true, ".yaml": true,
}

func (g *Generator) Generate(in Input) (*Output, error) {
	themeID := strings.TrimSpace(in.ThemeID)
	if themeID == "" {
		return nil, fmt.Errorf("sitegen: theme id required")
	}
	themeRoot := filepath.Join(g.themesDir, themeID)
	info, err := os.Stat(themeRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("sitegen: unknown theme %q", themeID)
	}

	outDir, err := os.MkdirTemp(g.workDir, "site-"+sanitize(in.WebsiteName)+"-")
	if err != nil {
		return nil, fmt.Errorf("sitegen: create work dir: %w", err)
	}

	files := map[string][]byte{}
	walkErr := filepath.WalkDir(themeRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rErr := filepath.Rel(themeRoot, path)
		if rErr != nil {
			return rErr
		}
		raw, rdErr := os.ReadFile(path)
		if rdErr != nil {
			return rdErr
		}
		if textExtensions[strings.ToLower(filepath.Ext(path))] {
			raw = g.substitute(raw, in)
		}
		dst := filepath.Join(outDir, rel)
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			return mkErr
		}
		if wErr := os.WriteFile(dst, raw, 0o644); wErr != nil {
			return wErr
		}
		files[filepath.ToSlash(rel)] = raw
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("sitegen: copy theme %q: %w", themeID, walkErr)
	}

	// Runtime config: the generated site reads everything tenant-specific,
	// including its database locator, from this one file.
	cfg, err := g.runtimeConfig(in)
	if err != nil {
		return nil, err
	}
	if wErr := os.WriteFile(filepath.Join(outDir, "site.config.json"), cfg, 0o644); wErr != nil {
		return nil, fmt.Errorf("sitegen: write site config: %w", wErr)
	}
	files["site.config.json"] = cfg

	g.log.Info("Generated site working copy",
		"theme", themeID,
		"path", outDir,
		"files", len(files),
	)
	return &Output{Path: outDir, FileCount: len(files), Files: files}, nil
}

func (g *Generator) substitute(raw []byte, in Input) []byte {
	s := string(raw)
	for _, p := range placeholders {
		s = strings.ReplaceAll(s, p.marker, p.value(in))
	}
	return []byte(s)
}

func (g *Generator) runtimeConfig(in Input) ([]byte, error) {
	cfg := map[string]any{
		"websiteName":    in.WebsiteName,
		"companyName":    in.CompanyName,
		"tagline":        in.Tagline,
		"aboutText":      in.AboutText,
		"layoutStyle":    in.LayoutStyle,
		"theme":          in.ThemeID,
		"brandColors":    in.BrandColors,
		"includedPages":  in.IncludedPages,
		"propertyTypes":  in.PropertyTypes,
		"contactMethods": in.ContactMethods,
		"contactEmail":   in.ContactEmail,
		"database": map[string]string{
			"name": in.DatabaseName,
			"uri":  in.DatabaseURI,
		},
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("sitegen: marshal site config: %w", err)
	}
	return b, nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "site"
	}
	return b.String()
}
