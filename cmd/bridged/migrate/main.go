package main

import (
	"context"
	"flag"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/tokenbridge/pkg/config"
	"github.com/chainsafe/tokenbridge/pkg/db"
	"github.com/chainsafe/tokenbridge/pkg/pgutil"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error reading configuration file: %s", err.Error())
	}

	bunDB, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %s", err.Error())
	}
	defer bunDB.Close()

	log.Printf("Running migrations for bridge database (%s)...\n", cfg.Database.Database)

	ctx := context.Background()
	if err := migrate(ctx, bunDB); err != nil {
		log.Fatalf("migration failed: %s", err.Error())
	}

	log.Println("Migrations complete")
}

func migrate(ctx context.Context, bunDB *bun.DB) error {
	if _, err := bunDB.NewCreateTable().
		Model((*db.Transfer)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := bunDB.NewCreateIndex().
		Model((*db.Transfer)(nil)).
		Index("idx_transfers_state").
		Column("state").
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := bunDB.NewCreateIndex().
		Model((*db.Transfer)(nil)).
		Index("idx_transfers_created_at").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	return nil
}
