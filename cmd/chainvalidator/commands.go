package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/services/blockchain"
	"github.com/bsv-blockchain/chainvalidator/services/blockvalidation"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/urfave/cli/v2"
)

// loadSettings builds the settings from the configuration, applying the global flags.
func loadSettings(c *cli.Context) (*settings.Settings, error) {
	network := c.String("network")

	if c.Bool("memory") {
		if network == "" {
			network = "regtest"
		}

		params, err := chaincfg.GetChainParams(network)
		if err != nil {
			return nil, errors.NewConfigurationError("unknown network %q", network, err)
		}

		return settings.NewSettingsForNetwork(params.Name), nil
	}

	tSettings := settings.NewSettings()

	if network != "" {
		params, err := chaincfg.GetChainParams(network)
		if err != nil {
			return nil, errors.NewConfigurationError("unknown network %q", network, err)
		}

		tSettings.ChainCfgParams = params
	}

	return tSettings, nil
}

func newLogger(c *cli.Context) ulogger.Logger {
	return ulogger.New("chainvalidator", ulogger.WithLevel(c.String("loglevel")))
}

func validate(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.NewInvalidArgumentError("no block files given")
	}

	tSettings, err := loadSettings(c)
	if err != nil {
		return err
	}

	if c.IsSet("concurrency") {
		tSettings.BlockValidation.Concurrency = c.Int("concurrency")
	}

	ctx := c.Context
	logger := newLogger(c)

	engine := blockvalidation.New(ctx, logger, tSettings)
	if err = engine.Start(ctx); err != nil {
		return err
	}

	stopped := false

	defer func() {
		if !stopped {
			_ = engine.Stop(context.Background())
		}
	}()

	start := time.Now()
	results := &submitResults{}

	for _, name := range c.Args().Slice() {
		if err = submitFile(ctx, engine, name, c.Bool("hex"), tSettings.ChainCfgParams.Net, results); err != nil {
			return err
		}
	}

	engine.WaitValidationFinished()

	printTip(engine.Blockchain())

	// stopping resolves the blocks whose parent never arrived
	stopped = true

	if err = engine.Stop(context.Background()); err != nil {
		logger.Errorf("[validate] failed to stop engine: %v", err)
	}

	results.wait()

	logger.Infof("[validate] submitted %d blocks, %d already known, %d rejected, %d orphaned, in %s", results.submitted, results.known, results.rejected, results.orphaned, time.Since(start))

	switch {
	case results.rejected > 0:
		return errors.NewBlockInvalidError("%d of %d blocks were rejected", results.rejected, results.submitted, results.firstErr)
	case results.orphaned > 0:
		return errors.NewBlockParentInvalidError("%d of %d blocks have no known parent", results.orphaned, results.submitted)
	}

	return nil
}

func submitFile(ctx context.Context, engine *blockvalidation.Engine, name string, hexLines bool, magic uint32, results *submitResults) error {
	f, err := os.Open(name)
	if err != nil {
		return errors.NewInvalidArgumentError("cannot open %s", name, err)
	}

	defer f.Close()

	return readBlocks(f, magic, hexLines, func(blockBytes []byte) error {
		if ctx.Err() != nil {
			return errors.NewContextCanceledError("validation interrupted", ctx.Err())
		}

		engine.WaitForSpace()

		handle := engine.AddBlockBytes(blockBytes, blockvalidation.DefaultCheckFlags, -1)
		handle.Release()

		results.add(handle)

		return nil
	})
}

func tip(c *cli.Context) error {
	tSettings, err := loadSettings(c)
	if err != nil {
		return err
	}

	chain, err := blockchain.NewFromSettings(c.Context, newLogger(c), tSettings)
	if err != nil {
		return err
	}

	defer func() {
		_ = chain.Close(context.Background())
	}()

	if err = chain.Load(c.Context); err != nil {
		return err
	}

	printTip(chain)

	return nil
}

func invalidate(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.NewInvalidArgumentError("expected one block hash")
	}

	hash, err := chainhash.NewHashFromStr(c.Args().First())
	if err != nil {
		return errors.NewInvalidArgumentError("invalid block hash %s", c.Args().First(), err)
	}

	tSettings, err := loadSettings(c)
	if err != nil {
		return err
	}

	ctx := c.Context

	engine := blockvalidation.New(ctx, newLogger(c), tSettings)
	if err = engine.Start(ctx); err != nil {
		return err
	}

	defer func() {
		_ = engine.Stop(context.Background())
	}()

	idx := engine.Blockchain().Lookup(*hash)
	if idx == nil {
		return errors.NewBlockNotFoundError("block %s is not known", hash)
	}

	if err = engine.InvalidateBlock(ctx, idx); err != nil {
		return err
	}

	engine.WaitValidationFinished()

	printTip(engine.Blockchain())

	return nil
}

func printTip(chain *blockchain.Blockchain) {
	tip := chain.Tip()
	fmt.Printf("tip:         %s height %d\n", tip.Hash, tip.Height)

	if best := chain.BestHeader(); best != nil && best != tip {
		fmt.Printf("best header: %s height %d\n", best.Hash, best.Height)
	}
}
