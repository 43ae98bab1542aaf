package migration

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// DatabaseConfig holds the column types substituted into a migration template.
type DatabaseConfig struct {
	TextType            string
	IntType             string
	BoolType            string
	TimestampType       string
	CurrentTimestamp    string
	AutoIncrementType   string
	AutoIncrementSuffix string
}

var DatabaseConfigs = map[string]DatabaseConfig{
	"sqlite": {
		TextType:            "TEXT",
		IntType:             "INTEGER",
		BoolType:            "BOOLEAN",
		TimestampType:       "TIMESTAMP",
		CurrentTimestamp:    "CURRENT_TIMESTAMP",
		AutoIncrementType:   "INTEGER",
		AutoIncrementSuffix: " AUTOINCREMENT",
	},
	"postgres": {
		TextType:            "TEXT",
		IntType:             "INTEGER",
		BoolType:            "BOOLEAN",
		TimestampType:       "TIMESTAMP",
		CurrentTimestamp:    "CURRENT_TIMESTAMP",
		AutoIncrementType:   "SERIAL",
		AutoIncrementSuffix: "",
	},
}

// DatabaseTypes returns the supported database types in sorted order.
func DatabaseTypes() []string {
	types := make([]string, 0, len(DatabaseConfigs))
	for dbType := range DatabaseConfigs {
		types = append(types, dbType)
	}
	sort.Strings(types)
	return types
}

// Render executes a migration template for dbType.
func Render(tmplContent, dbType string) (string, error) {
	config, exists := DatabaseConfigs[dbType]
	if !exists {
		return "", errors.Errorf("unsupported database type: %s", dbType)
	}

	tmpl, err := template.New("migration").Option("missingkey=error").Parse(tmplContent)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse template")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return "", errors.Wrap(err, "failed to execute template")
	}
	return buf.String(), nil
}

// ProcessMigrationTemplate reads a .sql.template file and generates database-specific SQL
func ProcessMigrationTemplate(templatePath, dbType, outputPath string) error {
	tmplContent, err := os.ReadFile(templatePath)
	if err != nil {
		return errors.Wrap(err, "failed to read template file")
	}

	sql, err := Render(string(tmplContent), dbType)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	return errors.Wrap(os.WriteFile(outputPath, []byte(sql), 0644), "failed to write output file")
}

// OutputPath returns where the migration for templatePath and dbType is written.
func OutputPath(migrationsDir, templatePath, dbType string) string {
	baseName := strings.TrimSuffix(filepath.Base(templatePath), ".template")
	return filepath.Join(migrationsDir, dbType, baseName)
}

// GenerateAllMigrations processes all .sql.template files for all supported databases
func GenerateAllMigrations(migrationsDir string) ([]string, error) {
	templatePattern := filepath.Join(migrationsDir, "*.sql.template")
	templateFiles, err := filepath.Glob(templatePattern)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find template files")
	}

	var generated []string
	for _, templateFile := range templateFiles {
		for _, dbType := range DatabaseTypes() {
			outputPath := OutputPath(migrationsDir, templateFile, dbType)
			if err := ProcessMigrationTemplate(templateFile, dbType, outputPath); err != nil {
				return generated, errors.Wrapf(err, "failed to process template %s for %s", templateFile, dbType)
			}
			generated = append(generated, outputPath)
		}
	}

	return generated, nil
}
