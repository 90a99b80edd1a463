package models

import (
	"log"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Customer{}, &Product{},
		&SalesOrder{}, &SalesOrderDetail{},
		&SalesInvoice{}, &SalesInvoiceDetail{},
		&CustomerPayment{}, &PaymentDeduction{},
		&CreditNote{}, &CreditNoteDetail{}, &CreditNoteDeduction{},
		&TransactionNumberSeries{},
		&IntegrationConnection{}, &IntegrationSyncRun{}, &IntegrationEntityMapping{}, &IntegrationSyncError{},
		&WebhookEvent{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
