package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaid/plaid-go/v20/plaid"

	"github.com/splitwell/splitwell-api/money"
)

// ErrBalanceUnavailable means the aggregator could not produce a real-time
// available balance for the account.
var ErrBalanceUnavailable = errors.New("real-time balance unavailable")

// ErrReauthRequired means the institution link is broken and the user has
// to go through the link flow again before the account can be used.
var ErrReauthRequired = errors.New("bank account requires relink")

// BankTransaction is one transaction from the aggregator feed, normalized
// away from the provider's types.
type BankTransaction struct {
	AggregatorTransactionID        string
	AggregatorPendingTransactionID *string
	AggregatorAccountID            string
	Amount                         money.Amount
	MerchantName                   string
	IsPending                      bool
	ISOCurrencyCode                string
	Date                           time.Time
}

// BankDataProvider abstracts the bank aggregator.
type BankDataProvider interface {
	CreateLinkToken(ctx context.Context, userID string) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (accessToken, itemID string, err error)
	GetAccounts(ctx context.Context, accessToken string) ([]plaid.AccountBase, error)
	// GetAvailableBalance returns ErrBalanceUnavailable when the aggregator
	// has no real-time figure and ErrReauthRequired when the link is broken.
	GetAvailableBalance(ctx context.Context, accessToken, aggregatorAccountID string) (money.Amount, error)
	SyncTransactions(ctx context.Context, accessToken, cursor string) (added []BankTransaction, removed []string, nextCursor string, err error)
}

type PlaidService struct {
	Client      *plaid.APIClient
	frontendURL string
}

func NewPlaidService(clientID, secret, envName, frontendURL string) *PlaidService {
	var env plaid.Environment
	switch envName {
	case "production":
		env = plaid.Production
	case "development":
		env = plaid.Development
	default:
		env = plaid.Sandbox
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", clientID)
	configuration.AddDefaultHeader("PLAID-SECRET", secret)
	configuration.UseEnvironment(env)

	return &PlaidService{
		Client:      plaid.NewAPIClient(configuration),
		frontendURL: frontendURL,
	}
}

func (s *PlaidService) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	user := plaid.LinkTokenCreateRequestUser{
		ClientUserId: userID,
	}

	redirectURI := s.frontendURL
	if !strings.HasSuffix(redirectURI, "/") {
		redirectURI = redirectURI + "/"
	}

	request := plaid.NewLinkTokenCreateRequest(
		"Splitwell",
		"en",
		[]plaid.CountryCode{plaid.COUNTRYCODE_US},
		user,
	)
	request.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})
	request.SetRedirectUri(redirectURI)

	resp, _, err := s.Client.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err != nil {
		return "", formatPlaidError(err)
	}

	return resp.GetLinkToken(), nil
}

func (s *PlaidService) ExchangePublicToken(ctx context.Context, publicToken string) (string, string, error) {
	request := plaid.NewItemPublicTokenExchangeRequest(publicToken)

	resp, _, err := s.Client.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
	if err != nil {
		return "", "", formatPlaidError(err)
	}

	return resp.GetAccessToken(), resp.GetItemId(), nil
}

func (s *PlaidService) GetAccounts(ctx context.Context, accessToken string) ([]plaid.AccountBase, error) {
	request := plaid.NewAccountsGetRequest(accessToken)

	resp, _, err := s.Client.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err != nil {
		return nil, formatPlaidError(err)
	}

	return resp.GetAccounts(), nil
}

func (s *PlaidService) GetAvailableBalance(ctx context.Context, accessToken, aggregatorAccountID string) (money.Amount, error) {
	request := plaid.NewAccountsBalanceGetRequest(accessToken)
	request.SetOptions(plaid.AccountsBalanceGetRequestOptions{
		AccountIds: &[]string{aggregatorAccountID},
	})

	resp, _, err := s.Client.PlaidApi.AccountsBalanceGet(ctx).AccountsBalanceGetRequest(*request).Execute()
	if err != nil {
		if isReauthError(err) {
			return 0, ErrReauthRequired
		}
		return 0, formatPlaidError(err)
	}

	for _, account := range resp.GetAccounts() {
		if account.GetAccountId() != aggregatorAccountID {
			continue
		}
		balances := account.GetBalances()
		available, ok := balances.GetAvailableOk()
		if !ok || available == nil {
			return 0, ErrBalanceUnavailable
		}
		return money.FromDollars(*available), nil
	}

	return 0, ErrBalanceUnavailable
}

func (s *PlaidService) SyncTransactions(ctx context.Context, accessToken, cursor string) ([]BankTransaction, []string, string, error) {
	var added []BankTransaction
	var removed []string

	for {
		request := plaid.NewTransactionsSyncRequest(accessToken)
		if cursor != "" {
			request.SetCursor(cursor)
		}

		resp, _, err := s.Client.PlaidApi.TransactionsSync(ctx).TransactionsSyncRequest(*request).Execute()
		if err != nil {
			if isReauthError(err) {
				return nil, nil, cursor, ErrReauthRequired
			}
			return nil, nil, cursor, formatPlaidError(err)
		}

		for _, txn := range append(resp.GetAdded(), modifiedToAdded(resp.GetModified())...) {
			added = append(added, normalizeTransaction(txn))
		}
		for _, txn := range resp.GetRemoved() {
			removed = append(removed, txn.GetTransactionId())
		}

		cursor = resp.GetNextCursor()
		if !resp.GetHasMore() {
			break
		}
	}

	return added, removed, cursor, nil
}

func modifiedToAdded(modified []plaid.Transaction) []plaid.Transaction {
	return modified
}

func normalizeTransaction(txn plaid.Transaction) BankTransaction {
	normalized := BankTransaction{
		AggregatorTransactionID: txn.GetTransactionId(),
		AggregatorAccountID:     txn.GetAccountId(),
		// Plaid reports outflows as positive dollar figures.
		Amount:          money.FromDollars(txn.GetAmount()),
		MerchantName:    txn.GetName(),
		IsPending:       txn.GetPending(),
		ISOCurrencyCode: txn.GetIsoCurrencyCode(),
	}
	if merchant := txn.GetMerchantName(); merchant != "" {
		normalized.MerchantName = merchant
	}
	if pendingID, ok := txn.GetPendingTransactionIdOk(); ok && pendingID != nil && *pendingID != "" {
		normalized.AggregatorPendingTransactionID = pendingID
	}
	if date, err := time.Parse("2006-01-02", txn.GetDate()); err == nil {
		normalized.Date = date
	}
	return normalized
}

func isReauthError(err error) bool {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		return false
	}
	switch plaidErr.ErrorCode {
	case "ITEM_LOGIN_REQUIRED", "ITEM_LOCKED", "INVALID_CREDENTIALS":
		return true
	}
	return false
}

func formatPlaidError(err error) error {
	if plaidErr, ok := err.(plaid.GenericOpenAPIError); ok {
		return fmt.Errorf("plaid error: %s", string(plaidErr.Body()))
	}
	return err
}
