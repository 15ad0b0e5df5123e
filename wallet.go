package main

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"
)

const (
	WalletCredit = "credit"
	WalletDebit  = "debit"
)

type WalletTransaction struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	Amount       Money     `json:"amount"`
	BalanceAfter Money     `json:"balanceAfter"`
	Description  string    `json:"description"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// applyWalletTx moves amount in or out of a user's wallet inside tx and
// appends the ledger row. Debits never take the balance below zero.
func applyWalletTx(ctx context.Context, tx *sql.Tx, userID string, kind string, amount Money, description string, reference string) (Money, error) {
	if amount <= 0 {
		return 0, errValidation("Amount must be greater than zero")
	}
	if kind != WalletCredit && kind != WalletDebit {
		return 0, errValidation("Transaction type must be credit or debit")
	}

	var before Money
	if err := tx.QueryRowContext(ctx, `
		SELECT wallet_balance
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&before); err != nil {
		return 0, notFound(err, ErrUserNotFound)
	}

	after := before + amount
	if kind == WalletDebit {
		if before < amount {
			return before, ErrInsufficientFunds
		}
		after = before - amount
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET wallet_balance = $2,
			updated_at = NOW()
		WHERE id = $1
	`, userID, after); err != nil {
		return before, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			user_id,
			type,
			amount,
			balance_after,
			description,
			reference,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, userID, kind, amount, after, description, nullableString(reference)); err != nil {
		return before, err
	}
	return after, nil
}

func adjustWallet(ctx context.Context, db *sql.DB, userID string, kind string, amount Money, description string, reference string) (Money, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	balance, err := applyWalletTx(ctx, tx, userID, kind, amount, description, reference)
	if err != nil {
		return balance, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func listWalletTransactions(ctx context.Context, db *sql.DB, userID string, p pageParams) ([]WalletTransaction, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM wallet_transactions
		WHERE user_id = $1
	`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, type, amount, balance_after, description, COALESCE(reference, ''), created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, p.Limit, p.offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txs := []WalletTransaction{}
	for rows.Next() {
		var t WalletTransaction
		if err := rows.Scan(&t.ID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		txs = append(txs, t)
	}
	return txs, total, rows.Err()
}

func walletHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := accountFromContext(r.Context())
		var balance Money
		if err := app.db.QueryRowContext(r.Context(), `SELECT wallet_balance FROM users WHERE id = $1`, user.ID).Scan(&balance); err != nil {
			writeError(w, r, notFound(err, ErrUserNotFound))
			return
		}
		p := parsePageParams(r, 20)
		txs, total, err := listWalletTransactions(r.Context(), app.db, user.ID, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"balance":      balance,
			"transactions": txs,
			"pagination":   newPagination(p, total, "totalTransactions"),
		})
	}
}

type walletAdjustInput struct {
	Type        string `json:"type"`
	Amount      Money  `json:"amount"`
	Description string `json:"description"`
}

func (in *walletAdjustInput) validate() error {
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	in.Description = strings.TrimSpace(in.Description)
	if in.Type != WalletCredit && in.Type != WalletDebit {
		return errValidation("Transaction type must be credit or debit")
	}
	if in.Amount <= 0 {
		return errValidation("Amount must be greater than zero")
	}
	if in.Description == "" {
		in.Description = "Admin adjustment"
	}
	return nil
}
