package bulkupload

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/asset-console/internal/domain/permission"
)

//go:embed features.yaml
var defaultCatalogYAML []byte

// Feature: конфигурация массовой загрузки одной сущности.
// Все фичи используют один и тот же поток, различаются эндпоинтами и политикой.
type Feature struct {
	// Key: идентификатор в URL консоли (например, "sites").
	Key string `yaml:"key" json:"key"`
	// Entity: имя сущности в именах файлов (например, "Site").
	Entity string `yaml:"entity" json:"entity"`
	// Scope: область разрешений (SITE, ASSET ...).
	Scope           string        `yaml:"scope" json:"scope"`
	UploadPath      string        `yaml:"upload" json:"-"`
	TemplatePath    string        `yaml:"template" json:"-"`
	ExportPath      string        `yaml:"export" json:"-"`
	ExportMethod    string        `yaml:"exportMethod" json:"exportMethod"`
	ErrorReportPath string        `yaml:"errorReport" json:"-"`
	// AutoCloseDelay: закрыть диалог после COMPLETED (0 = не закрывать).
	AutoCloseDelay time.Duration `yaml:"autoCloseDelay" json:"autoCloseDelay"`
}

// ImportRequirement: права на загрузку и шаблон.
func (f Feature) ImportRequirement() permission.Requirement {
	return permission.Requirement{Permission: permission.Key(f.Scope, permission.ActionImport)}
}

// ExportRequirement: права на выгрузку данных.
func (f Feature) ExportRequirement() permission.Requirement {
	return permission.Requirement{Permission: permission.Key(f.Scope, permission.ActionExport)}
}

// validate проверяет обязательные поля и нормализует метод выгрузки.
func (f *Feature) validate() error {
	if f.Key == "" {
		return fmt.Errorf("фича без key")
	}
	if f.Entity == "" || f.Scope == "" || f.UploadPath == "" {
		return fmt.Errorf("фича %s: обязательны entity, scope, upload", f.Key)
	}
	f.ExportMethod = strings.ToUpper(f.ExportMethod)
	switch f.ExportMethod {
	case "":
		f.ExportMethod = http.MethodGet
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("фича %s: недопустимый exportMethod %q", f.Key, f.ExportMethod)
	}
	if f.AutoCloseDelay < 0 {
		return fmt.Errorf("фича %s: отрицательный autoCloseDelay", f.Key)
	}
	return nil
}

// Catalog: набор фич в порядке объявления.
type Catalog struct {
	features map[string]Feature
	order    []string
}

// catalogFile: формат YAML-файла каталога.
type catalogFile struct {
	Features []Feature `yaml:"features"`
}

// ParseCatalog разбирает YAML-каталог.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("разбор каталога фич: %w", err)
	}
	if len(file.Features) == 0 {
		return nil, fmt.Errorf("каталог фич пуст")
	}

	c := &Catalog{features: make(map[string]Feature, len(file.Features))}
	for _, f := range file.Features {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.features[f.Key]; dup {
			return nil, fmt.Errorf("фича %s объявлена дважды", f.Key)
		}
		c.features[f.Key] = f
		c.order = append(c.order, f.Key)
	}
	return c, nil
}

// DefaultCatalog возвращает встроенный каталог.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("встроенный каталог фич некорректен: %v", err))
	}
	return c
}

// LoadCatalog читает каталог из файла. Для пустого пути возвращается встроенный каталог.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога фич %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// Get возвращает фичу по ключу.
func (c *Catalog) Get(key string) (Feature, bool) {
	f, ok := c.features[key]
	return f, ok
}

// All возвращает все фичи в порядке объявления.
func (c *Catalog) All() []Feature {
	out := make([]Feature, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.features[k])
	}
	return out
}

// ImportScopes возвращает разрешения SCOPE:IMPORT всех фич без повторов.
func (c *Catalog) ImportScopes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range c.All() {
		k := permission.Key(f.Scope, permission.ActionImport)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
