package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/syncer"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
)

// rpc-probe checks an endpoint and a deployed contract through the same read
// channel the server uses.
func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	rpcURL := flag.String("rpc", "", "RPC endpoint, overrides the config")
	contract := flag.String("contract", "", "Contract address, overrides the config")
	account := flag.String("account", "", "Optional account to show capabilities for")
	timeout := flag.Duration("timeout", 20*time.Second, "Overall probe timeout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *rpcURL != "" {
		cfg.Chain.RPCURL = *rpcURL
	}
	if *contract != "" {
		cfg.Chain.ContractAddress = *contract
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := probe(ctx, cfg.Chain, *account); err != nil {
		log.Fatal(err)
	}
}

func probe(ctx context.Context, cfg config.ChainConfig, account string) error {
	client, err := chain.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Health(ctx); err != nil {
		return err
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	block, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("endpoint    %s\nchain id    %s\nblock       %d\n", cfg.RPCURL, id, block)

	if !common.IsHexAddress(cfg.ContractAddress) {
		fmt.Println("contract    not configured")
		return nil
	}
	b, err := binding.New()
	if err != nil {
		return err
	}
	syn := syncer.New(b, client, syncer.Config{
		Address:       cfg.Contract(),
		FromBlock:     cfg.FromBlock,
		LogBlockRange: cfg.LogBlockRange,
	})

	st, err := syn.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read contract stats: %w", err)
	}
	fmt.Printf("contract    %s\nbalance     %s\nagreements  %s\noffers      %s (%d listed)\n",
		cfg.Contract().Hex(), binding.FormatEther(st.Balance), st.NumAgreements, st.NumOfferedWorks, st.OfferedWorkCount)

	if account == "" {
		return nil
	}
	if !common.IsHexAddress(account) {
		return fmt.Errorf("invalid account %q", account)
	}
	acct, registered, err := syn.Capabilities(ctx, common.HexToAddress(account))
	if err != nil {
		return fmt.Errorf("read capabilities: %w", err)
	}
	fmt.Printf("account     %s registered=%t %+v\n", common.HexToAddress(account).Hex(), registered, acct)
	return nil
}
