package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/storage"
	"github.com/splitwell/splitwell-api/utils"
)

// IngestionService pulls bank data in through the aggregator: account
// linking and the incremental transaction feed. Stored transactions are
// announced on the bus, which is what ultimately drives settlement.
type IngestionService struct {
	store    *storage.Store
	bank     BankDataProvider
	bus      *events.Bus
	notifier Notifier
	logger   *logrus.Logger

	encryptToken func(plaintext []byte) (string, error)
	decryptToken func(ciphertext string) ([]byte, error)
}

func NewIngestionService(store *storage.Store, bank BankDataProvider, bus *events.Bus, notifier Notifier, logger *logrus.Logger) *IngestionService {
	return &IngestionService{
		store:        store,
		bank:         bank,
		bus:          bus,
		notifier:     notifier,
		logger:       logger,
		encryptToken: utils.Encrypt,
		decryptToken: utils.Decrypt,
	}
}

// LinkAccounts exchanges a public token from the link flow and registers
// every account on the item. Relinking an institution lands on the same
// rows and clears the relink flag.
func (s *IngestionService) LinkAccounts(ctx context.Context, user *models.User, publicToken string) ([]models.BankAccount, error) {
	accessToken, itemID, err := s.bank.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange public token: %w", err)
	}
	encrypted, err := s.encryptToken([]byte(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	remote, err := s.bank.GetAccounts(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var linked []models.BankAccount
	for _, acct := range remote {
		account := models.BankAccount{
			UserID:               user.ID,
			Name:                 acct.GetName(),
			Mask:                 acct.GetMask(),
			AccountType:          string(acct.GetType()),
			AggregatorAccountID:  acct.GetAccountId(),
			AggregatorItemID:     itemID,
			EncryptedAccessToken: encrypted,
		}
		if err := s.store.Accounts.Upsert(&account); err != nil {
			return nil, err
		}
		linked = append(linked, account)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"accounts": len(linked),
	}).Info("bank accounts linked")
	return linked, nil
}

// SyncAccount pulls the incremental transaction feed for one account,
// stores what is new, and publishes the batch. A broken institution link
// flags the account instead of failing the caller.
func (s *IngestionService) SyncAccount(ctx context.Context, account *models.BankAccount) ([]models.Transaction, error) {
	token, err := s.decryptToken(account.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	added, removed, cursor, err := s.bank.SyncTransactions(ctx, string(token), account.SyncCursor)
	if errors.Is(err, ErrReauthRequired) {
		if flagErr := s.store.Accounts.SetRequiresRelink(account.ID, true); flagErr != nil {
			return nil, flagErr
		}
		if owner, userErr := s.store.Users.GetByID(account.UserID); userErr == nil && owner != nil {
			s.notifier.RelinkRequired(owner, account.InstitutionName)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	var stored []models.Transaction
	for i := range added {
		feed := &added[i]
		if feed.AggregatorAccountID != account.AggregatorAccountID {
			continue
		}
		txn, err := s.captureTransaction(account, feed)
		if err != nil {
			return nil, err
		}
		stored = append(stored, *txn)
	}
	if len(removed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"removed":    len(removed),
		}).Info("aggregator retracted transactions")
	}

	if err := s.store.Accounts.SetSyncCursor(account.ID, cursor); err != nil {
		return nil, err
	}

	if len(stored) > 0 {
		s.bus.PublishTransactionsUpdate(events.TransactionsUpdateEvent{
			UserID:       account.UserID,
			AccountID:    account.ID,
			Transactions: stored,
		})
	}
	return stored, nil
}

// SyncUserAccounts runs SyncAccount across every active account the user
// has. Failures on one account do not stop the rest.
func (s *IngestionService) SyncUserAccounts(ctx context.Context, user *models.User) error {
	accounts, err := s.store.Accounts.ListByUser(user.ID)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range accounts {
		if _, err := s.SyncAccount(ctx, &accounts[i]); err != nil {
			s.logger.WithError(err).WithField("account_id", accounts[i].ID).Warn("account sync failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleAggregatorWebhook syncs every active account on an item in
// response to the aggregator announcing new transactions for it.
func (s *IngestionService) HandleAggregatorWebhook(ctx context.Context, itemID string) error {
	accounts, err := s.store.Accounts.ListActiveByItemID(itemID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		s.logger.WithField("item_id", itemID).Warn("aggregator webhook for an unknown item")
		return nil
	}

	var firstErr error
	for i := range accounts {
		if _, err := s.SyncAccount(ctx, &accounts[i]); err != nil {
			s.logger.WithError(err).WithField("account_id", accounts[i].ID).Warn("webhook-triggered sync failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *IngestionService) captureTransaction(account *models.BankAccount, feed *BankTransaction) (*models.Transaction, error) {
	vendor, err := s.store.Vendors.FindOrCreate(feed.MerchantName, NormalizeVendorName(feed.MerchantName))
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		AccountID:                      account.ID,
		UniqueVendorID:                 vendor.ID,
		Amount:                         feed.Amount,
		MerchantName:                   feed.MerchantName,
		IsPending:                      feed.IsPending,
		AggregatorTransactionID:        feed.AggregatorTransactionID,
		AggregatorPendingTransactionID: feed.AggregatorPendingTransactionID,
		ISOCurrencyCode:                feed.ISOCurrencyCode,
		Date:                           feed.Date,
	}
	if err := s.store.Transactions.Upsert(txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// NormalizeVendorName reduces a merchant string to a comparable key:
// lowercase, punctuation stripped, trailing store numbers dropped, spaces
// collapsed. "SQ *BLUE BOTTLE #0042" and "Blue Bottle" land on the same
// vendor.
func NormalizeVendorName(name string) string {
	lowered := strings.ToLower(name)
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	if len(fields) > 1 && processorPrefixes[fields[0]] {
		fields = fields[1:]
	}
	// Payment processors suffix store or terminal numbers.
	for len(fields) > 1 && isAllDigits(fields[len(fields)-1]) {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

var processorPrefixes = map[string]bool{
	"sq":  true,
	"tst": true,
	"pos": true,
	"pp":  true,
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
