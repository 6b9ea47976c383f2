// Package main - Atlas GORM migration support binary
package main

import (
	"fmt"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/alwitt/journalsync/db"
	"github.com/apex/log"
)

func main() {
	stmts, err := gormschema.New("sqlite").Load(
		&db.SyncEventAuditDBEntry{},
		&db.SyncParamsDBEntry{},
		&db.RecordDBEntry{},
		&db.QueueOperationDBEntry{},
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to load GORM models")
	}
	fmt.Printf("%s\n", stmts)
}
