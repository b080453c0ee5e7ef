package models

import (
	"log"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Connection{}, &ConnectionLog{},
		&CustomerMap{}, &ProductMap{}, &InvoiceMap{}, &PaymentMap{},
		&SyncLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
