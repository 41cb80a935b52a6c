// Package config holds the explicit run configuration handed to every component of the job.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/armor-analytics/stakedsold/pkg/utils"
)

const (
	WarehouseBigQuery   = "bigquery"
	WarehouseClickHouse = "clickhouse"
)

// Config enumerates every external location and credential the job touches.
type Config struct {
	// Blockchain read endpoint and ABI lookup credentials.
	ProviderURL     string
	ABILookupURL    string
	ABILookupAPIKey string
	ABILookupRPS    int

	// Tracked proxies.
	PlanProxy  common.Address
	StakeProxy common.Address

	// Object storage.
	InputBucket            string
	InputKey               string
	StagingBucket          string
	StagingPrefix          string
	LocalFilePath          string
	CleanupStagedOnFailure bool

	// Warehouse.
	WarehouseDriver    string
	DestinationTable   string
	ClickHouseAddr     string
	ClickHouseGCSKey   string
	ClickHouseGCSToken string

	ExtractConcurrency int
	PushgatewayURL     string

	LogLevel    string
	LogEncoding string
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		ProviderURL:            utils.Env("WEB3_PROVIDER_URL", ""),
		ABILookupURL:           utils.Env("ETHERSCAN_API_URL", "https://api.etherscan.io/api"),
		ABILookupAPIKey:        utils.Env("ETHERSCAN_API_KEY", ""),
		ABILookupRPS:           utils.EnvInt("ETHERSCAN_RPS", 5),
		InputBucket:            utils.Env("INPUT_BUCKET", "armor-input-files"),
		InputKey:               utils.Env("INPUT_KEY", "staking-contracts.json"),
		StagingBucket:          utils.Env("STAGING_BUCKET", "armor-python-pipeline"),
		StagingPrefix:          utils.Env("STAGING_PREFIX", "web3-staked-sold"),
		LocalFilePath:          utils.Env("LOCAL_FILE_PATH", filepath.Join(os.TempDir(), "web3-staked-sold.parquet")),
		CleanupStagedOnFailure: utils.EnvBool("CLEANUP_STAGED_ON_FAILURE", true),
		WarehouseDriver:        strings.ToLower(utils.Env("WAREHOUSE_DRIVER", WarehouseBigQuery)),
		DestinationTable:       utils.Env("DESTINATION_TABLE", "armor-314014.web3_data.web3-staked-sold"),
		ClickHouseAddr:         utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000"),
		ClickHouseGCSKey:       utils.Env("CLICKHOUSE_GCS_KEY", ""),
		ClickHouseGCSToken:     utils.Env("CLICKHOUSE_GCS_SECRET", ""),
		ExtractConcurrency:     utils.EnvInt("EXTRACT_CONCURRENCY", 1),
		PushgatewayURL:         utils.Env("PUSHGATEWAY_URL", ""),
		LogLevel:               utils.Env("LOG_LEVEL", "info"),
		LogEncoding:            utils.Env("LOG_ENCODING", "json"),
	}

	plan := utils.Env("PLAN_MANAGER_PROXY", "0x1337DEF1373bB63196F3D1443cE11D8d962543bB")
	stake := utils.Env("STAKE_MANAGER_PROXY", "0x1337DEF1670C54B2a70E590B5654c2B7cE1141a2")
	if !common.IsHexAddress(plan) {
		return Config{}, fmt.Errorf("PLAN_MANAGER_PROXY %q is not an address", plan)
	}
	if !common.IsHexAddress(stake) {
		return Config{}, fmt.Errorf("STAKE_MANAGER_PROXY %q is not an address", stake)
	}
	cfg.PlanProxy = common.HexToAddress(plan)
	cfg.StakeProxy = common.HexToAddress(stake)

	return cfg, cfg.Validate()
}

// Validate reports every problem at once so a misconfigured deployment is fixed in one pass.
func (c Config) Validate() error {
	var errs []error
	if c.ProviderURL == "" {
		errs = append(errs, errors.New("WEB3_PROVIDER_URL is required"))
	}
	if c.ABILookupAPIKey == "" {
		errs = append(errs, errors.New("ETHERSCAN_API_KEY is required"))
	}
	if c.PlanProxy == (common.Address{}) || c.StakeProxy == (common.Address{}) {
		errs = append(errs, errors.New("plan and stake proxy addresses must be non-zero"))
	}
	if c.InputBucket == "" || c.InputKey == "" {
		errs = append(errs, errors.New("input bucket and key are required"))
	}
	if c.StagingBucket == "" {
		errs = append(errs, errors.New("staging bucket is required"))
	}
	if c.DestinationTable == "" {
		errs = append(errs, errors.New("destination table is required"))
	}
	switch c.WarehouseDriver {
	case WarehouseBigQuery, WarehouseClickHouse:
	default:
		errs = append(errs, fmt.Errorf("unknown WAREHOUSE_DRIVER %q", c.WarehouseDriver))
	}
	if c.ExtractConcurrency <= 0 {
		errs = append(errs, errors.New("EXTRACT_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}
