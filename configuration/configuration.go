// Copyright (c) 2023 The serai developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package configuration loads the processor's configuration from the
// environment.
package configuration

import (
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Mainnet is the Bitcoin mainnet.
	Mainnet string = "MAINNET"

	// Testnet is Bitcoin testnet3.
	Testnet string = "TESTNET"

	// NetworkEnv is the environment variable
	// read to determine network.
	NetworkEnv = "NETWORK"

	// LogLevelEnv is the environment variable
	// read to determine the logging level.
	LogLevelEnv = "LOG_LEVEL"
)

// Configuration determines how the processor runs.
type Configuration struct {
	Network string
	Params  *chaincfg.Params
	Logger  *zap.Logger
}

// LoadConfiguration attempts to create a new Configuration
// using the ENVs in the environment.
//
// Note that the signing core itself only ever derives mainnet addresses;
// the configured network records the operator's choice for the layers
// around it.
func LoadConfiguration() (*Configuration, error) {
	config := &Configuration{}

	networkValue := os.Getenv(NetworkEnv)
	switch networkValue {
	case Mainnet:
		config.Network = networkValue
		config.Params = &chaincfg.MainNetParams
	case Testnet:
		config.Network = networkValue
		config.Params = &chaincfg.TestNet3Params
	case "":
		return nil, errors.New("NETWORK must be populated")
	default:
		return nil, fmt.Errorf("%s is not a valid network", networkValue)
	}

	level := zapcore.InfoLevel
	if levelValue := os.Getenv(LogLevelEnv); len(levelValue) > 0 {
		parsed, err := zapcore.ParseLevel(levelValue)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not a valid log level", err, levelValue)
		}
		level = parsed
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: unable to build logger", err)
	}
	config.Logger = logger

	return config, nil
}
