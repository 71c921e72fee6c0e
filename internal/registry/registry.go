// Package registry reads the on-chain agent registry. The contract is
// consumed strictly read-only: listings, prices, and reputation come
// from eth_call, never from writes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// registryABI is the read surface of the AgentRegistry contract.
const registryABI = `[
  {"inputs":[],"name":"nextAgentId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"agentId","type":"uint256"}],"name":"getAgent","outputs":[{"internalType":"address","name":"developer","type":"address"},{"internalType":"string","name":"name","type":"string"},{"internalType":"string","name":"description","type":"string"},{"internalType":"uint256","name":"pricePerExecution","type":"uint256"},{"internalType":"uint256","name":"totalExecutions","type":"uint256"},{"internalType":"uint256","name":"successfulExecutions","type":"uint256"},{"internalType":"uint256","name":"reputation","type":"uint256"},{"internalType":"bool","name":"active","type":"bool"}],"stateMutability":"view","type":"function"}
]`

// ErrAgentNotFound is returned for IDs the contract has no agent for.
// The contract signals absence with a zero developer address.
var ErrAgentNotFound = errors.New("registry: agent not found")

// AgentRecord is one registered agent as stored on-chain.
type AgentRecord struct {
	ID                   int64          `json:"id"`
	Developer            common.Address `json:"developer"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	PricePerExecution    *big.Int       `json:"pricePerExecution"`
	TotalExecutions      int64          `json:"totalExecutions"`
	SuccessfulExecutions int64          `json:"successfulExecutions"`
	Reputation           int64          `json:"reputation"`
	Active               bool           `json:"active"`
}

// ContractCaller is the slice of an Ethereum client the reader needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Source is what listing consumers depend on; Reader implements it and
// Cache wraps it.
type Source interface {
	NextAgentID(ctx context.Context) (int64, error)
	GetAgent(ctx context.Context, id int64) (AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
}

// Reader performs the registry's view calls.
type Reader struct {
	caller   ContractCaller
	contract common.Address
	abi      abi.ABI
}

// NewReader builds a reader for the registry contract at the given
// address.
func NewReader(caller ContractCaller, contract common.Address) (*Reader, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("registry: parse ABI: %w", err)
	}
	return &Reader{caller: caller, contract: contract, abi: parsed}, nil
}

// NextAgentID returns the next unassigned agent ID. Valid agents live
// in [1, NextAgentID).
func (r *Reader) NextAgentID(ctx context.Context) (int64, error) {
	outs, err := r.call(ctx, "nextAgentId")
	if err != nil {
		return 0, err
	}
	next, ok := outs[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("registry: nextAgentId returned %T, want *big.Int", outs[0])
	}
	return next.Int64(), nil
}

// GetAgent returns the record for one agent ID.
func (r *Reader) GetAgent(ctx context.Context, id int64) (AgentRecord, error) {
	outs, err := r.call(ctx, "getAgent", big.NewInt(id))
	if err != nil {
		return AgentRecord{}, err
	}
	return decodeAgent(id, outs)
}

// ListAgents walks every assigned ID and returns the agents that
// exist. Deleted agents leave holes in the ID space and are skipped.
func (r *Reader) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	next, err := r.NextAgentID(ctx)
	if err != nil {
		return nil, err
	}

	agents := make([]AgentRecord, 0, next)
	for id := int64(1); id < next; id++ {
		rec, err := r.GetAgent(ctx, id)
		if errors.Is(err, ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, rec)
	}
	return agents, nil
}

func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: pack %s: %w", method, err)
	}

	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: call %s: %w", method, err)
	}

	outs, err := r.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("registry: unpack %s: %w", method, err)
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("registry: %s returned no values", method)
	}
	return outs, nil
}

// decodeAgent converts the raw getAgent tuple into an AgentRecord.
// Every consumer of registry data goes through this one function, so a
// contract upgrade that changes the tuple breaks loudly in one place.
func decodeAgent(id int64, outs []interface{}) (AgentRecord, error) {
	if len(outs) != 8 {
		return AgentRecord{}, fmt.Errorf("registry: getAgent returned %d values, want 8", len(outs))
	}

	developer, ok := outs[0].(common.Address)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: developer field is %T, want address", outs[0])
	}
	if developer == (common.Address{}) {
		return AgentRecord{}, ErrAgentNotFound
	}

	name, ok := outs[1].(string)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: name field is %T, want string", outs[1])
	}
	description, ok := outs[2].(string)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: description field is %T, want string", outs[2])
	}

	price, ok := outs[3].(*big.Int)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: pricePerExecution field is %T, want *big.Int", outs[3])
	}
	total, ok := outs[4].(*big.Int)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: totalExecutions field is %T, want *big.Int", outs[4])
	}
	successful, ok := outs[5].(*big.Int)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: successfulExecutions field is %T, want *big.Int", outs[5])
	}
	reputation, ok := outs[6].(*big.Int)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: reputation field is %T, want *big.Int", outs[6])
	}
	active, ok := outs[7].(bool)
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: active field is %T, want bool", outs[7])
	}

	return AgentRecord{
		ID:                   id,
		Developer:            developer,
		Name:                 name,
		Description:          description,
		PricePerExecution:    price,
		TotalExecutions:      total.Int64(),
		SuccessfulExecutions: successful.Int64(),
		Reputation:           reputation.Int64(),
		Active:               active,
	}, nil
}
