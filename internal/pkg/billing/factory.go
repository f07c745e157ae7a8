package billing

import (
	"log"

	"gorm.io/gorm"
)

// NewServiceFromDB wires the full billing service from the shared database
// handle and environment configuration. Providers missing credentials come up
// unconfigured and the service degrades to local-ledger behavior for them.
func NewServiceFromDB(db *gorm.DB) *Service {
	repo := NewRepository(db)
	fortnoxClient := NewFortnoxClientFromEnv()

	tokens, err := NewTokenStoreFromEnv(repo, fortnoxClient)
	if err != nil {
		log.Printf("[Billing] token store disabled: %v", err)
		tokens = nil
	}

	cards := NewStripeClientFromEnv()
	invoicing := NewFortnoxAdapter(fortnoxClient, tokens)
	reconciler := NewReconciler(repo, NewRedisMarkerStore())

	return NewService(repo, cards, invoicing, reconciler, fortnoxClient, tokens)
}
