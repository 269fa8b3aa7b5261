// Command dbal is the operational companion of the abstraction layer:
// validate entity schemas, render DDL for a dialect, or ping a backend
// through its connection URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/metabuilder/dbal/internal/database/sqlcore"
	"github.com/metabuilder/dbal/pkg/dbal"
	"github.com/metabuilder/dbal/pkg/logger"
	"github.com/metabuilder/dbal/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{Level: os.Getenv("DBAL_LOG_LEVEL"), Development: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error creating logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], log)
	case "ddl":
		err = runDDL(os.Args[2:], log)
	case "ping":
		err = runPing(os.Args[2:], log)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dbal <command> [flags]

commands:
  validate  load and validate entity schemas
  ddl       render CREATE TABLE statements for a SQL dialect
  ping      connect to a backend and report readiness`)
}

func runValidate(args []string, log *logger.Logger) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dir := fs.String("schemas", os.Getenv("DBAL_SCHEMA_DIR"), "schema directory")
	fs.Parse(args)
	if *dir == "" {
		return fmt.Errorf("no schema directory: pass -schemas or set DBAL_SCHEMA_DIR")
	}

	entities, err := schema.NewLoader(log).LoadDirectory(*dir)
	if err != nil {
		return err
	}
	for i := range entities {
		e := &entities[i]
		fmt.Printf("%s (v%s): %d fields, %d indexes, primary key %s\n",
			e.Name, e.Version, len(e.Fields), len(e.Indexes), e.PrimaryKey())
	}
	fmt.Printf("%d entities OK\n", len(entities))
	return nil
}

func runDDL(args []string, log *logger.Logger) error {
	fs := flag.NewFlagSet("ddl", flag.ExitOnError)
	dir := fs.String("schemas", os.Getenv("DBAL_SCHEMA_DIR"), "schema directory")
	templates := fs.String("templates", os.Getenv("DBAL_TEMPLATE_DIR"), "template directory")
	dialectName := fs.String("dialect", "postgres", "postgres, mysql, sqlite or prisma")
	fs.Parse(args)
	if *dir == "" {
		return fmt.Errorf("no schema directory: pass -schemas or set DBAL_SCHEMA_DIR")
	}

	var dialect sqlcore.Dialect
	switch *dialectName {
	case "postgres":
		dialect = sqlcore.DialectPostgres
	case "mysql":
		dialect = sqlcore.DialectMySQL
	case "sqlite":
		dialect = sqlcore.DialectSQLite
	case "prisma":
		dialect = sqlcore.DialectPrisma
	default:
		return fmt.Errorf("unknown dialect: %s", *dialectName)
	}

	entities, err := schema.NewLoader(log).LoadDirectory(*dir)
	if err != nil {
		return err
	}

	gen := sqlcore.NewDDLGenerator(dialect, *templates)
	for i := range entities {
		e := &entities[i]
		ddl, err := gen.CreateTableSQL(e)
		if err != nil {
			return fmt.Errorf("error rendering DDL for %s: %w", e.Name, err)
		}
		fmt.Println(ddl + ";")
		indexes, err := gen.IndexSQL(e)
		if err != nil {
			return fmt.Errorf("error rendering indexes for %s: %w", e.Name, err)
		}
		for _, stmt := range indexes {
			fmt.Println(stmt + ";")
		}
		fmt.Println()
	}
	return nil
}

func runPing(args []string, log *logger.Logger) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	timeout := fs.Duration("timeout", 15*time.Second, "connection timeout")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: dbal ping <connection-url>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := dbal.CreateFromURL(ctx, fs.Arg(0), log)
	if err != nil {
		return err
	}
	defer a.Close()

	entities := a.AvailableEntities()
	fmt.Printf("ok: %d entities available\n", len(entities))
	for _, name := range entities {
		fmt.Println("  " + name)
	}
	return nil
}
