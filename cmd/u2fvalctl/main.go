// Command u2fvalctl administers u2fval clients: the relying-party rows
// outside any single ceremony, created by an operator rather than by the
// API server itself (spec.md's explicit external-collaborator framing).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/yubico/u2fval/internal/platform/config"
	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	pgDB, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURI)
	if err != nil {
		fatal(err)
	}
	defer pgDB.Close()

	switch cmd {
	case "migrate":
		runMigrate(pgDB)
	case "client-create":
		runClientCreate(pgDB, args)
	case "client-delete":
		runClientDelete(pgDB, args)
	case "client-show":
		runClientShow(pgDB, args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: u2fvalctl <command> [flags]

commands:
  migrate                                    create any missing tables
  client-create -name NAME -appid APPID -facets F1,F2,...
  client-delete -name NAME
  client-show -name NAME`)
}

func runMigrate(pgDB *db.DB) {
	if err := pgDB.Migrate(); err != nil {
		fatal(err)
	}
	fmt.Println("schema up to date")
}

func runClientCreate(pgDB *db.DB, args []string) {
	fs := flag.NewFlagSet("client-create", flag.ExitOnError)
	name := fs.String("name", "", "client name (sent in the client-identity header)")
	appID := fs.String("appid", "", "U2F AppID this client's ceremonies are bound to")
	facets := fs.String("facets", "", "comma-separated list of trusted facet origins")
	fs.Parse(args)

	if *name == "" || *appID == "" {
		fmt.Fprintln(os.Stderr, "client-create: -name and -appid are required")
		os.Exit(2)
	}

	repo := repositories.NewClientRepository(pgDB)
	client, err := repo.Create(pgDB, *name, *appID, splitFacets(*facets))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("created client %q (id=%d, appId=%s, facets=%v)\n", client.Name, client.ID, client.AppID, client.ValidFacets)
}

func runClientDelete(pgDB *db.DB, args []string) {
	fs := flag.NewFlagSet("client-delete", flag.ExitOnError)
	name := fs.String("name", "", "client name")
	fs.Parse(args)
	if *name == "" {
		fmt.Fprintln(os.Stderr, "client-delete: -name is required")
		os.Exit(2)
	}

	repo := repositories.NewClientRepository(pgDB)
	client, err := repo.GetByName(pgDB, *name)
	if err != nil {
		fatal(err)
	}
	if err := repo.Delete(pgDB, client.ID); err != nil {
		fatal(err)
	}
	fmt.Printf("deleted client %q and everything under it\n", *name)
}

func runClientShow(pgDB *db.DB, args []string) {
	fs := flag.NewFlagSet("client-show", flag.ExitOnError)
	name := fs.String("name", "", "client name")
	fs.Parse(args)
	if *name == "" {
		fmt.Fprintln(os.Stderr, "client-show: -name is required")
		os.Exit(2)
	}

	repo := repositories.NewClientRepository(pgDB)
	client, err := repo.GetByName(pgDB, *name)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("name=%s appId=%s facets=%v createdAt=%s\n", client.Name, client.AppID, client.ValidFacets, client.CreatedAt)
}

func splitFacets(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
