package models

import (
	"time"
)

type User struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	FirstName            string     `json:"first_name"`
	LastName             string     `json:"last_name"`
	PasswordHash         string     `json:"-"`
	RailCustomerID       string     `json:"-"`
	RailCustomerURL      string     `json:"-"`
	ReverificationNeeded bool       `json:"reverification_needed"`
	DateTimeCreated      time.Time  `json:"created_at"`
	DateTimeDeleted      *time.Time `json:"-"`
}

type SignupRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LinkAccountsRequest struct {
	PublicToken string `json:"public_token" binding:"required"`
}

type BankAccount struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	Name                 string     `json:"name"`
	Mask                 string     `json:"mask"`
	AccountType          string     `json:"account_type"`
	InstitutionName      string     `json:"institution_name"`
	AggregatorAccountID  string     `json:"-"`
	AggregatorItemID     string     `json:"-"`
	EncryptedAccessToken string     `json:"-"`
	RailFundingSourceURL string     `json:"-"`
	SyncCursor           string     `json:"-"`
	RequiresRelink       bool       `json:"requires_relink"`
	IsActive             bool       `json:"is_active"`
	DateTimeCreated      time.Time  `json:"created_at"`
	DateTimeLastSynced   *time.Time `json:"last_synced_at"`
}

// AccountTypeDepository is the only account type allowed to move money.
// Credit accounts may still be monitored for matching vendor charges.
const (
	AccountTypeDepository = "depository"
	AccountTypeCredit     = "credit"
)
