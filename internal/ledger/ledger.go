package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settleline/internal/domain"
)

// ErrInsufficientFunds is returned when a debit would drive a balance negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

// CustodyAccount returns the ledger account id holding an engagement's funds.
func CustodyAccount(engagementID string) string {
	return "escrow:" + engagementID
}

// Ledger moves integer amounts between party accounts. All mutations happen
// inside the caller's transaction so a failed settlement rolls the money back
// together with the state change.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() int64 {
	if l.Now == nil {
		return time.Now().Unix()
	}
	return l.Now().Unix()
}

// Deposit credits a party account outside any settlement operation. This is
// the external top-up entry point; amounts must be positive.
func (l Ledger) Deposit(ctx context.Context, partyID string, amount int64) (domain.Account, error) {
	if partyID == "" {
		return domain.Account{}, errors.New("party_id required")
	}
	if amount <= 0 {
		return domain.Account{}, fmt.Errorf("deposit amount must be > 0, got %d", amount)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := l.credit(ctx, tx, partyID, amount); err != nil {
		return domain.Account{}, err
	}
	acct, err := balanceTx(ctx, tx, partyID)
	if err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

// Balance returns the account for a party; a missing row reads as zero.
func (l Ledger) Balance(ctx context.Context, partyID string) (domain.Account, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT party_id, balance, updated_at FROM accounts WHERE party_id=?`, partyID)
	var acct domain.Account
	err := row.Scan(&acct.PartyID, &acct.Balance, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Account{PartyID: partyID}, nil
	}
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

// TransferTx moves amount from one account to another inside tx. A zero
// amount is a no-op; a negative amount is invalid. The debit fails with
// ErrInsufficientFunds when the source balance cannot cover it.
func (l Ledger) TransferTx(ctx context.Context, tx *sql.Tx, from, to string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("transfer amount must be >= 0, got %d", amount)
	}
	if from == "" || to == "" {
		return errors.New("transfer requires both accounts")
	}
	if from == to {
		return nil
	}
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE party_id=?`, from).Scan(&balance)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s has 0, needs %d", ErrInsufficientFunds, from, amount)
	}
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, balance, amount)
	}
	now := l.now()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-?, updated_at=? WHERE party_id=?`, amount, now, from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts(party_id, balance, updated_at) VALUES (?,?,?)
		 ON CONFLICT(party_id) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`,
		to, amount, now); err != nil {
		return err
	}
	return nil
}

func (l Ledger) credit(ctx context.Context, tx *sql.Tx, partyID string, amount int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts(party_id, balance, updated_at) VALUES (?,?,?)
		 ON CONFLICT(party_id) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`,
		partyID, amount, l.now())
	return err
}

func balanceTx(ctx context.Context, tx *sql.Tx, partyID string) (domain.Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT party_id, balance, updated_at FROM accounts WHERE party_id=?`, partyID)
	var acct domain.Account
	err := row.Scan(&acct.PartyID, &acct.Balance, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Account{PartyID: partyID}, nil
	}
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}
