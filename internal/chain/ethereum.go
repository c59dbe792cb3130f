package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

// SyncEventABI describes SyncEvent(uint256 timestamp, address addr, string message).
const SyncEventABI = `[{"anonymous":false,"inputs":[` +
	`{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"},` +
	`{"indexed":false,"internalType":"address","name":"addr","type":"address"},` +
	`{"indexed":false,"internalType":"string","name":"message","type":"string"}],` +
	`"name":"SyncEvent","type":"event"}]`

const syncEventName = "SyncEvent"

// errCodeLimitExceeded is the JSON-RPC code nodes answer with when a log
// query covers too many results.
const errCodeLimitExceeded = -32005

// LogReader is the subset of the Ethereum JSON-RPC API the source needs.
// *ethclient.Client implements it.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type EthereumConfig struct {
	// Chain is the chain id used in provenance and cursors, e.g. "ETH".
	Chain    string
	RPCURL   string
	Contract string
	// Window is the widest height range read at once.
	Window uint64
	// Client replaces the RPC connection, mainly for tests.
	Client LogReader
	Logger *slog.Logger
}

// EthereumSource reads SyncEvent logs with eth_getLogs.
type EthereumSource struct {
	config   EthereumConfig
	client   LogReader
	contract common.Address
	event    abi.Event
	log      *slog.Logger
}

var _ EventSource = (*EthereumSource)(nil)

func NewEthereum(ctx context.Context, config EthereumConfig) (*EthereumSource, error) {
	if !common.IsHexAddress(config.Contract) {
		return nil, fmt.Errorf("chain %s: invalid contract address %q", config.Chain, config.Contract)
	}
	if config.Window == 0 {
		config.Window = 1000
	}

	parsed, err := abi.JSON(strings.NewReader(SyncEventABI))
	if err != nil {
		return nil, fmt.Errorf("parse sync event abi: %w", err)
	}

	client := config.Client
	if client == nil {
		c, err := ethclient.DialContext(ctx, config.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain %s: dial %s: %w", config.Chain, config.RPCURL, err)
		}
		client = c
	}

	return &EthereumSource{
		config:   config,
		client:   client,
		contract: common.HexToAddress(config.Contract),
		event:    parsed.Events[syncEventName],
		log:      logging.OrDiscard(config.Logger).With(logKeyChain, config.Chain),
	}, nil
}

func (s *EthereumSource) Chain() string { return s.config.Chain }

// EventsSince reads at most Window heights after cursor. When the node
// refuses the range as too large it is halved until accepted.
func (s *EthereumSource) EventsSince(ctx context.Context, cursor uint64) (Batch, error) {
	latest, err := s.client.BlockNumber(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("block number: %w", err)
	}
	if latest <= cursor {
		return Batch{Through: cursor}, nil
	}

	from := cursor + 1
	to := min(latest, cursor+s.config.Window)
	for {
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.contract},
		})
		if isLimitExceeded(err) && to > from {
			to = from + (to-from)/2
			s.log.DebugContext(ctx, "log query too large, shrinking window", "from", from, "to", to)
			continue
		}
		if err != nil {
			return Batch{}, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
		}
		return Batch{Events: s.events(ctx, logs), Through: to}, nil
	}
}

func (s *EthereumSource) events(ctx context.Context, logs []types.Log) []Event {
	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 || l.Topics[0] != s.event.ID {
			// Other contract events are not sync events.
			continue
		}
		ev, err := s.decode(l)
		if err != nil {
			s.log.WarnContext(ctx, "undecodable sync event", logKeyTx, l.TxHash.Hex(), logKeyError, err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

type syncEvent struct {
	Timestamp *big.Int
	Addr      common.Address
	Message   string
}

func (s *EthereumSource) decode(l types.Log) (Event, error) {
	values, err := s.event.Inputs.Unpack(l.Data)
	if err != nil {
		return Event{}, fmt.Errorf("unpack: %w", err)
	}
	var out syncEvent
	if err := s.event.Inputs.Copy(&out, values); err != nil {
		return Event{}, fmt.Errorf("copy: %w", err)
	}
	ts := time.Unix(out.Timestamp.Int64(), 0).UTC()
	if !out.Timestamp.IsInt64() {
		ts = time.Time{}
	}
	return Event{
		Height:    l.BlockNumber,
		TxHash:    l.TxHash.Hex(),
		Publisher: out.Addr.Hex(),
		Timestamp: ts,
		Payload:   []byte(out.Message),
	}, nil
}

func isLimitExceeded(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == errCodeLimitExceeded {
		return true
	}
	return strings.Contains(err.Error(), "query returned more than")
}

// Close releases the RPC connection if the source opened it.
func (s *EthereumSource) Close() {
	if c, ok := s.client.(*ethclient.Client); ok {
		c.Close()
	}
}
