// Package identity works out which node this agent runs beside and what
// identifier it reports under.
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/nodeclient"
	"github.com/splendor-protocol/sync-helper/internal/registry"
)

const (
	ValidatorMarker = ".validator"
	RelayMarker     = ".rpc"

	relayPrefix = "rpc-"
	// Hex characters of the node public key kept in derived identifiers.
	validatorKeyChars = 40
	relayKeyChars     = 16
)

// ErrUnknownRole is returned when neither role marker is present.
var ErrUnknownRole = errors.New("node role unknown: no role marker present")

// Source records which rule produced an identifier.
type Source string

const (
	SourceCoinbase Source = "coinbase"
	SourceAccounts Source = "accounts"
	SourceEnode    Source = "enode"
)

// Identity is the resolved identity of the local node.
type Identity struct {
	Identifier string
	Role       registry.Role
	Source     Source
	// Degraded is set when a validator identifier was derived from the enode
	// instead of a chain account.
	Degraded bool
}

// Resolver derives the local node's identity from role marker files and the
// local client's RPC answers.
type Resolver struct {
	caller    nodeclient.Caller
	markerDir string
	logger    *zap.Logger
}

func NewResolver(caller nodeclient.Caller, markerDir string, logger *zap.Logger) *Resolver {
	return &Resolver{caller: caller, markerDir: markerDir, logger: logger.Named("identity")}
}

// Role reads the role markers. The validator marker wins if both exist.
func (r *Resolver) Role() registry.Role {
	validator := fileExists(filepath.Join(r.markerDir, ValidatorMarker))
	relay := fileExists(filepath.Join(r.markerDir, RelayMarker))
	switch {
	case validator && relay:
		r.logger.Warn("both role markers present, treating node as validator", zap.String("marker_dir", r.markerDir))
		return registry.RoleValidator
	case validator:
		return registry.RoleValidator
	case relay:
		return registry.RoleRelay
	}
	return registry.RoleUnknown
}

// Resolve determines the identifier for the local node. Without a role marker
// it returns ErrUnknownRole rather than guessing.
func (r *Resolver) Resolve(ctx context.Context) (Identity, error) {
	switch role := r.Role(); role {
	case registry.RoleValidator:
		return r.resolveValidator(ctx)
	case registry.RoleRelay:
		key, err := r.enodeKey(ctx)
		if err != nil {
			return Identity{}, err
		}
		return Identity{
			Identifier: relayPrefix + key[:relayKeyChars],
			Role:       registry.RoleRelay,
			Source:     SourceEnode,
		}, nil
	default:
		return Identity{Role: registry.RoleUnknown}, ErrUnknownRole
	}
}

func (r *Resolver) resolveValidator(ctx context.Context) (Identity, error) {
	coinbase, err := nodeclient.Coinbase(ctx, r.caller)
	switch {
	case err != nil:
		r.logger.Debug("eth_coinbase unavailable", zap.Error(err))
	case coinbase != (common.Address{}):
		return Identity{Identifier: coinbase.Hex(), Role: registry.RoleValidator, Source: SourceCoinbase}, nil
	}

	accounts, err := nodeclient.Accounts(ctx, r.caller)
	switch {
	case err != nil:
		r.logger.Debug("eth_accounts unavailable", zap.Error(err))
	case len(accounts) > 0:
		return Identity{Identifier: accounts[0].Hex(), Role: registry.RoleValidator, Source: SourceAccounts}, nil
	}

	key, err := r.enodeKey(ctx)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		Identifier: common.HexToAddress("0x" + key[:validatorKeyChars]).Hex(),
		Role:       registry.RoleValidator,
		Source:     SourceEnode,
		Degraded:   true,
	}
	r.logger.Warn("validator has no chain account, using identifier derived from enode",
		zap.String("identifier", id.Identifier))
	return id, nil
}

// enodeKey returns the hex encoded 64 byte public key of the local node.
func (r *Resolver) enodeKey(ctx context.Context) (string, error) {
	url, err := nodeclient.Enode(ctx, r.caller)
	if err != nil {
		return "", fmt.Errorf("failed to read local enode: %w", err)
	}
	return EnodeKey(url)
}

// EnodeKey extracts the hex public key from an enode:// URL.
func EnodeKey(url string) (string, error) {
	n, err := enode.ParseV4(url)
	if err != nil {
		return "", fmt.Errorf("failed to parse enode %q: %w", url, err)
	}
	return hex.EncodeToString(crypto.FromECDSAPub(n.Pubkey())[1:]), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
