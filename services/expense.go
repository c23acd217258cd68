package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/storage"
)

var (
	ErrNotExpenseOwner      = errors.New("only the expense owner can do that")
	ErrNotAgreementOwner    = errors.New("agreement belongs to a different user")
	ErrAccountNotUsable     = errors.New("account is not an active depository account")
	ErrAgreementResolved    = errors.New("agreement has already been resolved")
	ErrNoParticipants       = errors.New("at least one participant is required")
	ErrPaymentAccountNeeded = errors.New("accepting an agreement requires a payment account")
)

// ExpenseService owns the lifecycle of shared expenses: creation with
// pending agreements, invitation delivery, accept and decline decisions,
// activation once every participant has answered, and cleanup when an
// account or a user goes away.
type ExpenseService struct {
	store    *storage.Store
	rail     PaymentRail
	bus      *events.Bus
	notifier Notifier
	logger   *logrus.Logger
}

func NewExpenseService(store *storage.Store, rail PaymentRail, bus *events.Bus, notifier Notifier, logger *logrus.Logger) *ExpenseService {
	return &ExpenseService{store: store, rail: rail, bus: bus, notifier: notifier, logger: logger}
}

// CreateSharedBill registers a vendor-matched bill in a pending state and
// invites every participant. Only one active or pending bill may exist per
// owner and vendor, which the database enforces.
func (s *ExpenseService) CreateSharedBill(owner *models.User, req *models.CreateSharedBillRequest) (*models.SharedExpense, error) {
	vendor, err := s.store.Vendors.GetByID(req.UniqueVendorID)
	if err != nil {
		return nil, err
	}
	if vendor == nil {
		return nil, fmt.Errorf("unknown vendor %s", req.UniqueVendorID)
	}

	source, err := s.ownedAccount(owner, req.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedDepositoryAccount(owner, req.DestinationAccountID); err != nil {
		return nil, err
	}

	agreements, invites, err := s.buildParticipants(req.ActiveUsers, req.ProspectiveUsers, false)
	if err != nil {
		return nil, err
	}

	expense := &models.SharedExpense{
		ExpenseType:               models.SharedBill,
		Nickname:                  req.Nickname,
		OwnerUserID:               owner.ID,
		OwnerSourceAccountID:      source.ID,
		OwnerDestinationAccountID: req.DestinationAccountID,
		UniqueVendorID:            &vendor.ID,
	}
	if err := s.store.Expenses.Create(expense, agreements, invites); err != nil {
		return nil, err
	}

	s.notifyParticipants(owner, expense, agreements, invites)
	return expense, nil
}

// CreateRecurringPayment registers a scheduled payment toward the owner.
// Every contribution must be a fixed amount since there is no bank charge
// to divide.
func (s *ExpenseService) CreateRecurringPayment(owner *models.User, req *models.CreateRecurringPaymentRequest) (*models.SharedExpense, error) {
	destination, err := s.ownedDepositoryAccount(owner, req.DestinationAccountID)
	if err != nil {
		return nil, err
	}

	if req.Frequency < 1 {
		return nil, fmt.Errorf("recurrence frequency must be at least 1, got %d", req.Frequency)
	}
	switch req.Interval {
	case models.IntervalDays, models.IntervalMonths, models.IntervalYears:
	default:
		return nil, fmt.Errorf("unknown recurrence interval %q", req.Interval)
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", req.StartDate, err)
	}
	if start.Before(startOfDay(time.Now().UTC())) {
		return nil, fmt.Errorf("start date %s is in the past", req.StartDate)
	}
	var end *time.Time
	if req.EndDate != "" {
		parsed, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end date %q: %w", req.EndDate, err)
		}
		if !parsed.After(start) {
			return nil, fmt.Errorf("end date %s must follow the start date", req.EndDate)
		}
		end = &parsed
	}

	agreements, invites, err := s.buildParticipants(req.ActiveUsers, req.ProspectiveUsers, true)
	if err != nil {
		return nil, err
	}

	frequency := req.Frequency
	interval := req.Interval
	expense := &models.SharedExpense{
		ExpenseType:               models.RecurringPayment,
		Nickname:                  req.Nickname,
		OwnerUserID:               owner.ID,
		OwnerSourceAccountID:      destination.ID,
		OwnerDestinationAccountID: destination.ID,
		RecurrenceInterval:        &interval,
		RecurrenceFrequency:       &frequency,
		TargetDateOfFirstCharge:   &start,
		DateNextPaymentScheduled:  &start,
		RecurringPaymentEndDate:   end,
	}
	if err := s.store.Expenses.Create(expense, agreements, invites); err != nil {
		return nil, err
	}

	s.notifyParticipants(owner, expense, agreements, invites)
	return expense, nil
}

// RespondToAgreement records a participant's answer. Accepting requires an
// active depository payment account. Declining cancels the whole expense
// since the remaining split no longer reflects what the owner proposed.
func (s *ExpenseService) RespondToAgreement(user *models.User, agreementID string, req *models.AgreementDecisionRequest) (*models.SharedExpenseUserAgreement, error) {
	agreement, err := s.store.Expenses.GetAgreement(agreementID)
	if err != nil {
		return nil, err
	}
	if agreement == nil {
		return nil, fmt.Errorf("unknown agreement %s", agreementID)
	}
	if agreement.UserID != user.ID {
		return nil, ErrNotAgreementOwner
	}
	if !agreement.IsPending {
		return nil, ErrAgreementResolved
	}

	if req.Accept {
		if req.PaymentAccountID == nil {
			return nil, ErrPaymentAccountNeeded
		}
		if _, err := s.ownedDepositoryAccount(user, *req.PaymentAccountID); err != nil {
			return nil, err
		}
	}

	resolved, err := s.store.Expenses.ResolveAgreement(agreementID, req.Accept, req.PaymentAccountID)
	if err != nil {
		return nil, err
	}
	s.publishAgreementUpdate(resolved)

	if !req.Accept {
		if err := s.store.Expenses.Deactivate(agreement.SharedExpenseID); err != nil {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"shared_expense_id": agreement.SharedExpenseID,
			"user_id":           user.ID,
		}).Info("expense cancelled after declined agreement")
		return resolved, nil
	}

	unresolved, err := s.store.Expenses.CountUnresolvedParticipants(agreement.SharedExpenseID)
	if err != nil {
		return nil, err
	}
	if unresolved == 0 {
		if err := s.store.Expenses.Activate(agreement.SharedExpenseID); err != nil {
			return nil, err
		}
		s.logger.WithField("shared_expense_id", agreement.SharedExpenseID).Info("expense activated")
	}
	return resolved, nil
}

// CancelExpense deactivates an expense on behalf of its owner. Settlements
// already in flight are left to finish on their own.
func (s *ExpenseService) CancelExpense(user *models.User, expenseID string) error {
	expense, err := s.store.Expenses.GetByID(expenseID)
	if err != nil {
		return err
	}
	if expense == nil {
		return fmt.Errorf("unknown expense %s", expenseID)
	}
	if expense.OwnerUserID != user.ID {
		return ErrNotExpenseOwner
	}
	return s.store.Expenses.Deactivate(expenseID)
}

// ConvertInvites turns email invitations into pending agreements after the
// invited person signs up. Called once during registration.
func (s *ExpenseService) ConvertInvites(user *models.User) error {
	invites, err := s.store.Expenses.ListInvitesByEmail(user.Email)
	if err != nil {
		return err
	}
	for i := range invites {
		invite := &invites[i]
		agreement := &models.SharedExpenseUserAgreement{
			SharedExpenseID:   invite.SharedExpenseID,
			UserID:            user.ID,
			ContributionType:  invite.ContributionType,
			ContributionValue: invite.ContributionValue,
			IsPending:         true,
		}
		if err := s.store.Expenses.CreateAgreement(agreement); err != nil {
			return err
		}
		if err := s.store.Expenses.MarkInviteConverted(invite.ID); err != nil {
			return err
		}

		expense, err := s.store.Expenses.GetByID(invite.SharedExpenseID)
		if err != nil || expense == nil {
			continue
		}
		owner, err := s.store.Users.GetByID(expense.OwnerUserID)
		if err != nil || owner == nil {
			continue
		}
		s.notifier.AgreementInvitation(user, ownerName(owner), expense.Nickname, agreement.AgreementDescription(expense.Nickname))
	}
	return nil
}

// HandleAccountDeactivation shuts down every expense that moves money
// through the account, then retires the account itself. Pending rail
// transfers get a best-effort cancellation so funds do not move through
// an account the user just removed.
func (s *ExpenseService) HandleAccountDeactivation(ctx context.Context, accountID string) error {
	expenses, err := s.store.Expenses.ListByAccount(accountID)
	if err != nil {
		return err
	}
	for i := range expenses {
		expense := &expenses[i]
		if !expense.IsActive && !expense.IsPending {
			continue
		}
		s.cancelPendingTransfers(ctx, expense.ID)
		if err := s.store.Expenses.Deactivate(expense.ID); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"shared_expense_id": expense.ID,
			"account_id":        accountID,
		}).Info("expense deactivated after account removal")
	}
	return s.store.Accounts.Deactivate(accountID)
}

func (s *ExpenseService) cancelPendingTransfers(ctx context.Context, expenseID string) {
	settlements, err := s.store.Settlements.ListBySharedExpense(expenseID)
	if err != nil {
		s.logger.WithError(err).WithField("shared_expense_id", expenseID).Warn("could not list settlements for cancellation")
		return
	}
	for i := range settlements {
		settlement := &settlements[i]
		if settlement.TransferStatus == nil || *settlement.TransferStatus != models.TransferStatusPending ||
			settlement.RailTransferURL == nil {
			continue
		}
		if err := s.rail.CancelTransfer(ctx, *settlement.RailTransferURL); err != nil {
			s.logger.WithError(err).WithField("transaction_id", settlement.ID).Warn("could not cancel pending transfer")
		}
	}
}

// DeleteUser winds down everything tied to the user before the soft
// delete: owned expenses, expenses they participate in, and linked
// accounts.
func (s *ExpenseService) DeleteUser(ctx context.Context, user *models.User) error {
	expenses, err := s.store.Expenses.ListByUser(user.ID)
	if err != nil {
		return err
	}
	for i := range expenses {
		expense := &expenses[i]
		if !expense.IsActive && !expense.IsPending {
			continue
		}
		s.cancelPendingTransfers(ctx, expense.ID)
		if err := s.store.Expenses.Deactivate(expense.ID); err != nil {
			return err
		}
	}

	accounts, err := s.store.Accounts.ListByUser(user.ID)
	if err != nil {
		return err
	}
	for i := range accounts {
		if err := s.store.Accounts.Deactivate(accounts[i].ID); err != nil {
			return err
		}
	}
	return s.store.Users.SoftDelete(user.ID)
}

func (s *ExpenseService) buildParticipants(active, prospective map[string]models.Contribution, recurring bool) ([]models.SharedExpenseUserAgreement, []models.UserInvite, error) {
	if len(active)+len(prospective) == 0 {
		return nil, nil, ErrNoParticipants
	}

	var agreements []models.SharedExpenseUserAgreement
	for userID, contribution := range active {
		if err := validateContribution(contribution, recurring); err != nil {
			return nil, nil, err
		}
		participant, err := s.store.Users.GetByID(userID)
		if err != nil {
			return nil, nil, err
		}
		if participant == nil {
			return nil, nil, fmt.Errorf("unknown participant %s", userID)
		}
		agreements = append(agreements, models.SharedExpenseUserAgreement{
			UserID:            userID,
			ContributionType:  contribution.ContributionType,
			ContributionValue: contribution.ContributionValue,
			IsPending:         true,
		})
	}

	var invites []models.UserInvite
	for email, contribution := range prospective {
		if err := validateContribution(contribution, recurring); err != nil {
			return nil, nil, err
		}
		invites = append(invites, models.UserInvite{
			Email:             strings.ToLower(strings.TrimSpace(email)),
			ContributionType:  contribution.ContributionType,
			ContributionValue: contribution.ContributionValue,
		})
	}
	return agreements, invites, nil
}

func (s *ExpenseService) notifyParticipants(owner *models.User, expense *models.SharedExpense, agreements []models.SharedExpenseUserAgreement, invites []models.UserInvite) {
	for i := range agreements {
		agreement := &agreements[i]
		participant, err := s.store.Users.GetByID(agreement.UserID)
		if err != nil || participant == nil {
			continue
		}
		s.notifier.AgreementInvitation(participant, ownerName(owner), expense.Nickname, agreement.AgreementDescription(expense.Nickname))
	}
	for i := range invites {
		invite := &invites[i]
		// Prospective users have no account yet. The invitation lands in
		// their inbox and converts when they register with that address.
		placeholder := &models.User{Email: invite.Email}
		agreement := models.SharedExpenseUserAgreement{
			ContributionType:  invite.ContributionType,
			ContributionValue: invite.ContributionValue,
		}
		s.notifier.AgreementInvitation(placeholder, ownerName(owner), expense.Nickname, agreement.AgreementDescription(expense.Nickname))
	}
}

// publishAgreementUpdate pushes the resolved agreement to the owner's and
// the participant's connected clients.
func (s *ExpenseService) publishAgreementUpdate(agreement *models.SharedExpenseUserAgreement) {
	expense, err := s.store.Expenses.GetByID(agreement.SharedExpenseID)
	if err != nil || expense == nil {
		return
	}
	s.bus.PublishAgreementUpdate(events.AgreementUpdateEvent{
		ExpenseID: expense.ID,
		Agreement: *agreement,
		UserIDs:   []string{expense.OwnerUserID, agreement.UserID},
	})
}

func (s *ExpenseService) ownedAccount(user *models.User, accountID string) (*models.BankAccount, error) {
	account, err := s.store.Accounts.GetByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != user.ID {
		return nil, fmt.Errorf("account %s does not belong to user %s", accountID, user.ID)
	}
	return account, nil
}

func (s *ExpenseService) ownedDepositoryAccount(user *models.User, accountID string) (*models.BankAccount, error) {
	account, err := s.ownedAccount(user, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive || account.AccountType != models.AccountTypeDepository {
		return nil, ErrAccountNotUsable
	}
	return account, nil
}

func validateContribution(contribution models.Contribution, recurring bool) error {
	switch contribution.ContributionType {
	case models.ContributionSplitEvenly:
		if recurring {
			return fmt.Errorf("recurring payments require fixed contributions")
		}
		return nil
	case models.ContributionPercentage:
		if recurring {
			return fmt.Errorf("recurring payments require fixed contributions")
		}
		if contribution.ContributionValue == nil || *contribution.ContributionValue <= 0 || *contribution.ContributionValue > 100 {
			return fmt.Errorf("percentage contributions must be between 1 and 100")
		}
		return nil
	case models.ContributionFixed:
		if contribution.ContributionValue == nil || *contribution.ContributionValue <= 0 {
			return fmt.Errorf("fixed contributions must name a positive amount")
		}
		return nil
	default:
		return fmt.Errorf("unknown contribution type %q", contribution.ContributionType)
	}
}

func ownerName(owner *models.User) string {
	name := strings.TrimSpace(owner.FirstName + " " + owner.LastName)
	if name == "" {
		return owner.Email
	}
	return name
}
