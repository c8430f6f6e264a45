package gaslift

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/temetnos/gaslift/spike"
)

// depositCacheTTL is how long a fetched paymaster deposit is trusted before
// the next admission re-reads it from the EntryPoint.
const depositCacheTTL = 15 * time.Second

// PaymastersConfig is the yaml shape of the tracked paymaster list.
type PaymastersConfig struct {
	Paymasters []PaymasterEntry `yaml:"paymasters"`
}

type PaymasterEntry struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"`
	MinDeposit string `yaml:"minDeposit"`
	Disabled   bool   `yaml:"disabled"`
}

type trackedPaymaster struct {
	name       string
	minDeposit *big.Int
	disabled   bool
}

// DepositReader reads an account's EntryPoint deposit.
// *EntryPointClient.BalanceOf satisfies it.
type DepositReader func(ctx context.Context, account common.Address) (*big.Int, error)

// PaymasterTracker rejects operations sponsored by a tracked paymaster whose
// EntryPoint deposit fell below its configured floor. Paymasters the config
// does not name pass through, the EntryPoint still enforces prefunding at
// simulation time. Deposit reads go through a spike manager so a burst of
// admissions against one paymaster costs a single eth_call per TTL window.
type PaymasterTracker struct {
	log      *zap.Logger
	tracked  map[common.Address]trackedPaymaster
	deposits *spike.Manager[*big.Int]
}

// LoadPaymastersConfig parses the tracked paymaster list from a yaml file.
// An empty path means nothing is tracked.
func LoadPaymastersConfig(file string) (*PaymastersConfig, error) {
	if file == "" {
		return &PaymastersConfig{}, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config PaymastersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func NewPaymasterTracker(log *zap.Logger, config *PaymastersConfig, readDeposit DepositReader) (*PaymasterTracker, error) {
	tracked := make(map[common.Address]trackedPaymaster, len(config.Paymasters))
	for _, p := range config.Paymasters {
		if !common.IsHexAddress(p.Address) {
			return nil, fmt.Errorf("paymaster %q: invalid address %q", p.Name, p.Address)
		}
		minDeposit := new(big.Int)
		if p.MinDeposit != "" {
			var ok bool
			if minDeposit, ok = new(big.Int).SetString(p.MinDeposit, 10); !ok {
				return nil, fmt.Errorf("paymaster %q: invalid minDeposit %q", p.Name, p.MinDeposit)
			}
		}
		tracked[common.HexToAddress(p.Address)] = trackedPaymaster{
			name:       p.Name,
			minDeposit: minDeposit,
			disabled:   p.Disabled,
		}
	}

	deposits := spike.NewManager(func(ctx context.Context, key string) (*big.Int, error) {
		return readDeposit(ctx, common.HexToAddress(key))
	}, depositCacheTTL)

	return &PaymasterTracker{
		log:      log,
		tracked:  tracked,
		deposits: deposits,
	}, nil
}

// CheckUserOp applies the tracked-paymaster policy to a candidate operation.
func (t *PaymasterTracker) CheckUserOp(ctx context.Context, op *UserOperation) error {
	paymaster, ok := op.Paymaster()
	if !ok {
		return nil
	}
	entry, ok := t.tracked[paymaster]
	if !ok {
		return nil
	}
	if entry.disabled {
		return fmt.Errorf("%w: paymaster %s is disabled", ErrInvalidUserOp, entry.name)
	}
	deposit, err := t.deposits.GetResult(ctx, strings.ToLower(paymaster.Hex()))
	if err != nil {
		return fmt.Errorf("%w: reading deposit of %s: %s", ErrEntryPointFailure, entry.name, err)
	}
	if deposit.Cmp(entry.minDeposit) < 0 {
		t.log.Warn("Paymaster deposit below floor",
			zap.String("paymaster", paymaster.Hex()),
			zap.String("deposit", formatUnits(deposit, "eth")),
			zap.String("minDeposit", formatUnits(entry.minDeposit, "eth")))
		return fmt.Errorf("%w: %s holds %s wei, floor is %s wei", ErrPaymasterDepleted, entry.name, deposit, entry.minDeposit)
	}
	return nil
}
