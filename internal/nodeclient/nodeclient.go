// Package nodeclient talks JSON-RPC to the local chain client over its IPC
// socket.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// ErrUnreachable is returned when the control socket cannot be dialled.
var ErrUnreachable = errors.New("local client unreachable")

// Caller is the narrow capability the rest of the agent depends on.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Dialer opens a Caller. The returned close function releases it.
type Dialer func(ctx context.Context) (Caller, func(), error)

// IPCDialer dials path with go-ethereum's IPC transport.
func IPCDialer(path string) Dialer {
	return func(ctx context.Context) (Caller, func(), error) {
		c, err := rpc.DialIPC(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

// Client issues admin_ and eth_ calls against the local node. Each call opens
// its own connection, so a restarted node is picked up on the next call.
type Client struct {
	dial    Dialer
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Client for the IPC socket at path.
func New(path string, timeout time.Duration, logger *zap.Logger) *Client {
	return NewWithDialer(IPCDialer(path), timeout, logger)
}

// NewWithDialer creates a Client over an arbitrary transport.
func NewWithDialer(dial Dialer, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{dial: dial, timeout: timeout, logger: logger.Named("nodeclient")}
}

// CallContext implements Caller with a bounded timeout per call.
func (c *Client) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	caller, closeFn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer closeFn()

	if err := caller.CallContext(ctx, result, method, args...); err != nil {
		c.logger.Debug("rpc call failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// NodeInfo returns admin_nodeInfo.
func NodeInfo(ctx context.Context, c Caller) (*p2p.NodeInfo, error) {
	var info p2p.NodeInfo
	if err := c.CallContext(ctx, &info, "admin_nodeInfo"); err != nil {
		return nil, err
	}
	if info.Enode == "" {
		return nil, errors.New("admin_nodeInfo: empty enode")
	}
	return &info, nil
}

// Enode returns the local node's enode URL.
func Enode(ctx context.Context, c Caller) (string, error) {
	info, err := NodeInfo(ctx, c)
	if err != nil {
		return "", err
	}
	return info.Enode, nil
}

// AddPeer asks the local node to connect to enode. It reports whether the
// node accepted the request.
func AddPeer(ctx context.Context, c Caller, enode string) (bool, error) {
	var ok bool
	if err := c.CallContext(ctx, &ok, "admin_addPeer", enode); err != nil {
		return false, err
	}
	return ok, nil
}

// Coinbase returns eth_coinbase. A node without a configured etherbase
// returns the zero address or an error, depending on the client version.
func Coinbase(ctx context.Context, c Caller) (common.Address, error) {
	var addr common.Address
	if err := c.CallContext(ctx, &addr, "eth_coinbase"); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// Accounts returns eth_accounts.
func Accounts(ctx context.Context, c Caller) ([]common.Address, error) {
	var accounts []common.Address
	if err := c.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// SocketExists reports whether the IPC socket file is present.
func SocketExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
