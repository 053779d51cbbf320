package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atra-trading/execution-engine/internal/config"
	"github.com/atra-trading/execution-engine/internal/exchange/bitget"
	"github.com/atra-trading/execution-engine/internal/execution"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/repository"
	"github.com/atra-trading/execution-engine/pkg/crypto"
)

var (
	ErrNoActiveCredential  = errors.New("no active credential for user")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
)

// CredentialService stores exchange API keys encrypted at rest and resolves
// them into authenticated gateway sessions. It is the gateway provider of
// the execution coordinator.
type CredentialService struct {
	repo   *repository.CredentialRepository
	aesKey string

	mu    sync.Mutex
	cache map[uint]execution.ExchangeGateway
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(repo *repository.CredentialRepository, encCfg config.EncryptionConfig) *CredentialService {
	return &CredentialService{
		repo:   repo,
		aesKey: encCfg.AESKey,
		cache:  make(map[uint]execution.ExchangeGateway),
	}
}

// StoreRequest carries a plaintext credential set to store.
type StoreRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Exchange   string `json:"exchange" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
	Passphrase string `json:"passphrase"`
}

// Store encrypts and persists a credential set, replacing any previously
// active one for the same (user, exchange).
func (s *CredentialService) Store(req *StoreRequest) error {
	keyEnc, err := crypto.Encrypt(req.APIKey, s.aesKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secretEnc, err := crypto.Encrypt(req.APISecret, s.aesKey)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	var passEnc string
	if req.Passphrase != "" {
		passEnc, err = crypto.Encrypt(req.Passphrase, s.aesKey)
		if err != nil {
			return fmt.Errorf("encrypt passphrase: %w", err)
		}
	}

	if existing, err := s.repo.GetActive(req.UserID, req.Exchange); err == nil {
		if err := s.repo.Deactivate(existing.ID); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.cache, existing.ID)
		s.mu.Unlock()
	}

	return s.repo.Create(&models.ExchangeCredential{
		UserID:              req.UserID,
		Exchange:            req.Exchange,
		APIKeyEncrypted:     keyEnc,
		APISecretEncrypted:  secretEnc,
		PassphraseEncrypted: passEnc,
		Active:              true,
	})
}

// Acquire resolves the user's active credential into a gateway session.
// Sessions are cached per credential; rotating a credential invalidates it.
func (s *CredentialService) Acquire(ctx context.Context, userID, exchange string) (execution.ExchangeGateway, error) {
	cred, err := s.repo.GetActive(userID, exchange)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, fmt.Errorf("%w: %s on %s", ErrNoActiveCredential, userID, exchange)
		}
		return nil, err
	}

	s.mu.Lock()
	if gw, ok := s.cache[cred.ID]; ok {
		s.mu.Unlock()
		return gw, nil
	}
	s.mu.Unlock()

	apiKey, err := crypto.Decrypt(cred.APIKeyEncrypted, s.aesKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := crypto.Decrypt(cred.APISecretEncrypted, s.aesKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}
	var passphrase string
	if cred.PassphraseEncrypted != "" {
		passphrase, err = crypto.Decrypt(cred.PassphraseEncrypted, s.aesKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt passphrase: %w", err)
		}
	}

	var gw execution.ExchangeGateway
	switch exchange {
	case "bitget":
		gw = bitget.NewClient(apiKey, apiSecret, passphrase)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, exchange)
	}

	s.mu.Lock()
	s.cache[cred.ID] = gw
	s.mu.Unlock()
	return gw, nil
}
