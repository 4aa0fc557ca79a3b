package blockchain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/logger"

	"github.com/tonkeeper/tonapi-go"
	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"
	"go.uber.org/zap"
)

const (
	testnetTonAPIURL = "https://testnet.tonapi.io"
	seqnoPollPeriod  = time.Second
	maxCommentBytes  = 120
)

var WalletMap = map[string]wallet.Version{
	"V3R1": wallet.V3R1,
	"V3R2": wallet.V3R2,
	"V4R1": wallet.V4R1,
	"V4R2": wallet.V4R2,
}

// TonChain signs treasury transfers with a tongo wallet, broadcasts them
// through a lite server and looks up outcomes on tonapi.
type TonChain struct {
	lite      *liteapi.Client
	indexer   *tonapi.Client
	key       ed25519.PrivateKey
	version   wallet.Version
	address   ton.AccountID
	seqnoWait time.Duration
}

func NewTonChain(cfg config.ChainConfig) (*TonChain, error) {
	logger.Debug("ton chain initialization...", zap.String("network", cfg.Network), zap.String("wallet version", cfg.WalletVersion))

	if cfg.TreasuryMnemonic == "" {
		return nil, errors.New("ton chain initialization: TREASURY_MNEMONIC is empty")
	}
	version, ok := WalletMap[cfg.WalletVersion]
	if !ok {
		return nil, fmt.Errorf("ton chain initialization: unsupported wallet version %q", cfg.WalletVersion)
	}

	apiURL := cfg.TonAPIURL
	if apiURL == "" {
		apiURL = tonapi.TonApiURL
		if cfg.Network == "testnet" {
			apiURL = testnetTonAPIURL
		}
	}

	logger.Debug("ton chain initialization: tonapi client...", zap.String("url", apiURL))
	indexer, err := tonapi.NewClient(apiURL, tonapi.WithToken(cfg.TonAPIToken))
	if err != nil {
		return nil, fmt.Errorf("tonapi client: %w", err)
	}

	logger.Debug("ton chain initialization: lite client...")
	var lite *liteapi.Client
	if cfg.Network == "testnet" {
		lite, err = liteapi.NewClientWithDefaultTestnet()
	} else {
		lite, err = liteapi.NewClientWithDefaultMainnet()
	}
	if err != nil {
		return nil, fmt.Errorf("lite client: %w", err)
	}

	key, err := wallet.SeedToPrivateKey(cfg.TreasuryMnemonic)
	if err != nil {
		return nil, fmt.Errorf("treasury key: %w", err)
	}

	treasury, err := wallet.New(key, version, lite)
	if err != nil {
		return nil, fmt.Errorf("treasury wallet: %w", err)
	}

	chain := &TonChain{
		lite:      lite,
		indexer:   indexer,
		key:       key,
		version:   version,
		address:   treasury.GetAddress(),
		seqnoWait: cfg.SeqnoWait,
	}
	logger.Debug("ton chain initialization... done", zap.String("treasury", chain.Address()))
	return chain, nil
}

func (c *TonChain) Address() string {
	return c.address.ToRaw()
}

func (c *TonChain) Seqno(ctx context.Context) (uint64, error) {
	seqno, err := c.lite.GetSeqno(ctx, c.address)
	if err != nil {
		return 0, fmt.Errorf("get treasury seqno: %w", err)
	}
	return uint64(seqno), nil
}

// Sign builds and signs the external message for transfer.Nonce without
// sending it. The wallet is handed a lite client whose seqno is pinned to
// the reserved nonce and whose SendMessage only records the payload.
func (c *TonChain) Sign(ctx context.Context, transfer Transfer) (SignedTransfer, error) {
	recipient, err := ton.ParseAccountID(transfer.Wallet)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("%w: recipient %q: %v", domain.ErrInvalidInput, transfer.Wallet, err)
	}

	body, err := textComment(transfer.Comment)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("%w: comment: %v", domain.ErrSignerUnavailable, err)
	}

	capture := &capturingClient{Client: c.lite, seqno: uint32(transfer.Nonce)}
	treasury, err := wallet.New(c.key, c.version, capture)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("%w: %v", domain.ErrSignerUnavailable, err)
	}

	message := wallet.Message{
		Amount:  tlb.Grams(transfer.Amount),
		Address: recipient,
		Bounce:  transfer.Bounce,
		Mode:    transfer.Mode,
		Body:    body,
	}
	hash, err := treasury.SendV2(ctx, 0, message)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("%w: %v", domain.ErrSignerUnavailable, err)
	}
	if len(capture.payload) == 0 {
		return SignedTransfer{}, fmt.Errorf("%w: wallet produced no external message", domain.ErrSignerUnavailable)
	}

	return SignedTransfer{Hash: hash.Hex(), Nonce: transfer.Nonce, Payload: capture.payload}, nil
}

// Broadcast waits until the treasury seqno reaches the transfer nonce, then
// hands the message to the lite server.
func (c *TonChain) Broadcast(ctx context.Context, signed SignedTransfer) error {
	if err := c.awaitSeqno(ctx, signed.Nonce); err != nil {
		return err
	}

	logger.Debug("broadcast: sending external message...", zap.String("hash", signed.Hash), zap.Uint64("nonce", signed.Nonce))
	status, err := c.lite.SendMessage(ctx, signed.Payload)
	if err != nil {
		if strings.Contains(err.Error(), "cannot apply external message") {
			return fmt.Errorf("%w: %v", domain.ErrSubmissionRejected, err)
		}
		return fmt.Errorf("send external message: %w", err)
	}

	logger.Debug("broadcast: sending external message... done", zap.String("hash", signed.Hash), zap.Uint32("status", status))
	return nil
}

func (c *TonChain) awaitSeqno(ctx context.Context, nonce uint64) error {
	ctx, cancel := context.WithTimeout(ctx, c.seqnoWait)
	defer cancel()

	ticker := time.NewTicker(seqnoPollPeriod)
	defer ticker.Stop()

	for {
		seqno, err := c.Seqno(ctx)
		switch {
		case err != nil:
			logger.Debug("broadcast: seqno lookup failed, retrying", zap.Error(err))
		case seqno == nonce:
			return nil
		case seqno > nonce:
			return fmt.Errorf("%w: chain seqno %d is past nonce %d", domain.ErrNonceDesynchronized, seqno, nonce)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: seqno did not reach %d within %s", domain.ErrSubmissionRejected, nonce, c.seqnoWait)
		case <-ticker.C:
		}
	}
}

// Status looks the message up on tonapi. When the indexer has nothing yet the
// seqno tells whether the nonce has been consumed.
func (c *TonChain) Status(ctx context.Context, hash string, nonce uint64) (Receipt, error) {
	tx, err := rateLimitRetry(ctx, func() (*tonapi.Transaction, error) {
		return c.indexer.GetBlockchainTransactionByMessageHash(ctx, tonapi.GetBlockchainTransactionByMessageHashParams{
			MsgID: hash,
		})
	})
	if err == nil {
		if tx.Success && !tx.Aborted {
			return Receipt{Status: ReceiptConfirmed, NonceConsumed: true}, nil
		}
		return Receipt{Status: ReceiptReverted, NonceConsumed: true}, nil
	}
	if !isStatus(err, http.StatusNotFound) {
		return Receipt{}, fmt.Errorf("transaction by message hash: %w", err)
	}

	seqno, err := c.Seqno(ctx)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Status: ReceiptUnknown, NonceConsumed: seqno > nonce}, nil
}

// capturingClient stands in for the lite client while signing.
type capturingClient struct {
	*liteapi.Client
	seqno   uint32
	payload []byte
}

func (c *capturingClient) GetSeqno(ctx context.Context, account ton.AccountID) (uint32, error) {
	return c.seqno, nil
}

func (c *capturingClient) SendMessage(ctx context.Context, payload []byte) (uint32, error) {
	c.payload = append([]byte(nil), payload...)
	return 1, nil
}

func textComment(comment string) (*boc.Cell, error) {
	if comment == "" {
		return nil, nil
	}
	if len(comment) > maxCommentBytes {
		comment = comment[:maxCommentBytes]
	}

	cell := boc.NewCell()
	if err := cell.WriteUint(0, 32); err != nil {
		return nil, err
	}
	if err := cell.WriteBytes([]byte(comment)); err != nil {
		return nil, err
	}
	return cell, nil
}

var _ Chain = (*TonChain)(nil)
