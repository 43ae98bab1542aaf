package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/migration"
)

func main() {
	var (
		migrationsDir = flag.String("dir", "pkg/history/migrations", "Directory containing migration templates")
		dbType        = flag.String("db", "", "Database type (sqlite, postgres). If empty, generates for all types")
		templateFile  = flag.String("template", "", "Specific template file to process. If empty, processes all templates")
	)
	flag.Parse()

	if *templateFile != "" && *dbType != "" {
		// Process single template for single database
		outputPath := migration.OutputPath(*migrationsDir, *templateFile, *dbType)
		if err := migration.ProcessMigrationTemplate(*templateFile, *dbType, outputPath); err != nil {
			logrus.Fatalf("Failed to process template: %v", err)
		}
		fmt.Printf("Generated migration: %s\n", outputPath)
		return
	}

	// Process all templates for all databases
	generated, err := migration.GenerateAllMigrations(*migrationsDir)
	if err != nil {
		logrus.Fatalf("Failed to generate migrations: %v", err)
	}
	for _, path := range generated {
		fmt.Printf("Generated migration: %s\n", path)
	}
}
