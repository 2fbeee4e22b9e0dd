package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ignite/workspace-mailer/internal/credstore"
	"github.com/ignite/workspace-mailer/internal/domain"
	"github.com/ignite/workspace-mailer/internal/queue"
)

// buildSenderPool resolves the campaign's usable sender identities in
// account order, then user order. Credentials are decrypted once per
// account; an account whose blob cannot be opened is skipped, it does
// not fail the run. Admin-looking addresses never enter the pool even
// if the directory sync stored them active.
func (e *Engine) buildSenderPool(ctx context.Context, c *domain.Campaign) ([]queue.SenderIdentity, error) {
	accounts, err := e.svc.Store.GetAccountsForCampaign(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load campaign accounts: %w", err)
	}

	var pool []queue.SenderIdentity
	for _, account := range accounts {
		cred, err := e.svc.Creds.Decrypt(account.EncryptedJSON)
		if err != nil {
			var decryptErr *credstore.DecryptError
			if errors.As(err, &decryptErr) {
				log.Printf("[SenderPool] Skipping account %d (%s): %v", account.ID, account.Name, err)
				continue
			}
			return nil, fmt.Errorf("account %d credential: %w", account.ID, err)
		}

		users, err := e.svc.Store.GetActiveUsersForAccount(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("load account %d users: %w", account.ID, err)
		}

		usable := 0
		for _, u := range users {
			if domain.IsAdminAddress(u.Email, u.FullName, account.AdminEmail) {
				continue
			}
			pool = append(pool, queue.SenderIdentity{
				AccountID:      account.ID,
				CredentialJSON: cred,
				Principal:      u.Email,
				UserID:         u.ID,
			})
			usable++
		}
		log.Printf("[SenderPool] Account %d (%s): %d of %d users usable",
			account.ID, account.Name, usable, len(users))
	}

	if len(pool) == 0 {
		return nil, ErrNoSendersAvailable
	}
	return pool, nil
}
