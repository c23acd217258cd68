// Package events carries typed in-process notifications between the
// ingestion pipeline, the settlement coordinator, and the websocket layer.
// Dispatch is synchronous so callers observe settlement side effects
// before their own transaction commits.
package events

import (
	"github.com/splitwell/splitwell-api/models"
)

// TransactionsUpdateEvent fires after a batch of bank transactions has
// been stored for an account.
type TransactionsUpdateEvent struct {
	UserID       string
	AccountID    string
	Transactions []models.Transaction
}

// VendorAssociationEvent fires when two vendors are associated, carrying
// both directions so subscribers can backfill either side.
type VendorAssociationEvent struct {
	Vendor           models.UniqueVendor
	AssociatedVendor models.UniqueVendor
	AssociationType  models.VendorAssociationType
}

// AgreementUpdateEvent fires when an agreement is created or resolved.
// UserIDs lists everyone whose clients should refresh.
type AgreementUpdateEvent struct {
	ExpenseID string
	Agreement models.SharedExpenseUserAgreement
	UserIDs   []string
}

// UserUpdateEvent fires when a user record changes in a way clients
// should see immediately, such as a reverification flag.
type UserUpdateEvent struct {
	User models.User
}

// Bus is an explicit subscriber registry. Handlers run on the caller's
// goroutine in registration order.
type Bus struct {
	transactionsUpdate []func(TransactionsUpdateEvent)
	vendorAssociation  []func(VendorAssociationEvent)
	agreementUpdate    []func(AgreementUpdateEvent)
	userUpdate         []func(UserUpdateEvent)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) OnTransactionsUpdate(handler func(TransactionsUpdateEvent)) {
	b.transactionsUpdate = append(b.transactionsUpdate, handler)
}

func (b *Bus) OnVendorAssociation(handler func(VendorAssociationEvent)) {
	b.vendorAssociation = append(b.vendorAssociation, handler)
}

func (b *Bus) OnAgreementUpdate(handler func(AgreementUpdateEvent)) {
	b.agreementUpdate = append(b.agreementUpdate, handler)
}

func (b *Bus) OnUserUpdate(handler func(UserUpdateEvent)) {
	b.userUpdate = append(b.userUpdate, handler)
}

func (b *Bus) PublishTransactionsUpdate(event TransactionsUpdateEvent) {
	for _, handler := range b.transactionsUpdate {
		handler(event)
	}
}

func (b *Bus) PublishVendorAssociation(event VendorAssociationEvent) {
	for _, handler := range b.vendorAssociation {
		handler(event)
	}
}

func (b *Bus) PublishAgreementUpdate(event AgreementUpdateEvent) {
	for _, handler := range b.agreementUpdate {
		handler(event)
	}
}

func (b *Bus) PublishUserUpdate(event UserUpdateEvent) {
	for _, handler := range b.userUpdate {
		handler(event)
	}
}
