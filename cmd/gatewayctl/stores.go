package main

import (
	"github.com/ferro-labs/creditgw/directory"
	"github.com/ferro-labs/creditgw/ledger"
)

func openLedgerStore(dialect, dsn string) (*ledger.SQLStore, error) {
	if dialect == "postgres" {
		return ledger.NewPostgresStore(dsn)
	}
	return ledger.NewSQLiteStore(dsn)
}

func openDirectoryStore(dialect, dsn string) (*directory.SQLStore, error) {
	if dialect == "postgres" {
		return directory.NewPostgresStore(dsn)
	}
	return directory.NewSQLiteStore(dsn)
}
