// Collabrelay
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gravitational/trace"

	"github.com/gravitational/collabrelay"
	"github.com/gravitational/collabrelay/lib/defaults"
)

// registryABI is the fragment of the storage registry contract the relay
// calls: a view mapping an account address to its registered owner DID.
const registryABI = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"ownerDID","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`

// ChainConfig configures the Ethereum-backed resolver.
type ChainConfig struct {
	// RPCURL is the JSON-RPC endpoint of an Ethereum node.
	RPCURL string
	// CallTimeout bounds each eth_call. Defaults to
	// defaults.RegistryCallTimeout.
	CallTimeout time.Duration
	// Log emits lookup diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ChainConfig) CheckAndSetDefaults() error {
	if c.RPCURL == "" {
		return trace.BadParameter("missing parameter RPCURL")
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaults.RegistryCallTimeout
	}
	if c.Log == nil {
		c.Log = slog.With(collabrelay.ComponentKey, collabrelay.ComponentRegistry)
	}
	return nil
}

// Chain resolves owner DIDs with read-only calls against the registry
// contract. It holds a single RPC client shared across lookups.
type Chain struct {
	cfg    ChainConfig
	client *ethclient.Client
	abi    abi.ABI
}

// NewChain dials the RPC endpoint and prepares the contract ABI.
func NewChain(ctx context.Context, cfg ChainConfig) (*Chain, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, trace.Wrap(err, "parsing registry ABI")
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to dial Ethereum RPC endpoint")
	}
	return &Chain{cfg: cfg, client: client, abi: parsed}, nil
}

// OwnerDID calls ownerDID(account) on the registry contract at the latest
// block. An account with no registration resolves to the empty string.
func (c *Chain) OwnerDID(ctx context.Context, contractAddress, accountAddress string) (string, error) {
	if !common.IsHexAddress(contractAddress) {
		return "", trace.BadParameter("invalid contract address %q", contractAddress)
	}
	if !common.IsHexAddress(accountAddress) {
		return "", trace.BadParameter("invalid account address %q", accountAddress)
	}
	input, err := c.abi.Pack("ownerDID", common.HexToAddress(accountAddress))
	if err != nil {
		return "", trace.Wrap(err)
	}
	contract := common.HexToAddress(contractAddress)
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	output, err := c.client.CallContract(callCtx, ethereum.CallMsg{
		To:   &contract,
		Data: input,
	}, nil)
	if err != nil {
		return "", trace.ConnectionProblem(err, "registry call failed")
	}
	// Nodes answer calls against a missing contract with empty return data.
	if len(output) == 0 {
		return "", nil
	}
	results, err := c.abi.Unpack("ownerDID", output)
	if err != nil {
		return "", trace.Wrap(err, "decoding registry response")
	}
	did, ok := results[0].(string)
	if !ok {
		return "", trace.BadParameter("registry returned a non-string owner DID")
	}
	return did, nil
}

// Close releases the RPC client.
func (c *Chain) Close() error {
	c.client.Close()
	return nil
}
