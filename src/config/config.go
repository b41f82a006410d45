// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads process settings from the environment, an optional
// .env file, and the YAML chain policy file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"marketengine/src/chain"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	StoreDriver string
	APIPort     string

	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string

	DesertionThreshold time.Duration
	WarningLead        time.Duration
	ReservationTTL     time.Duration
	SweepSchedule      string

	PolicyFile string
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("API_PORT", "8080")
	v.SetDefault("NATS_STREAM", "MARKET")
	v.SetDefault("NATS_SUBJECT_PREFIX", "market")
	v.SetDefault("DESERTION_THRESHOLD", 10*time.Hour)
	v.SetDefault("WARNING_LEAD", 2*time.Hour)
	v.SetDefault("RESERVATION_TTL", 24*time.Hour)
	v.SetDefault("SWEEP_SCHEDULE", "@every 5m")
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	v.AutomaticEnv()
	SetDefaults(v)
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBUser:             v.GetString("DB_USER"),
		DBPassword:         v.GetString("DB_PASSWORD"),
		DBName:             v.GetString("DB_NAME"),
		DBHost:             v.GetString("DB_HOST"),
		DBPort:             v.GetString("DB_PORT"),
		DBSSLMode:          v.GetString("DB_SSLMODE"),
		StoreDriver:        v.GetString("STORE_DRIVER"),
		APIPort:            v.GetString("API_PORT"),
		NATSURL:            v.GetString("NATS_URL"),
		NATSStream:         v.GetString("NATS_STREAM"),
		NATSSubjectPrefix:  v.GetString("NATS_SUBJECT_PREFIX"),
		DesertionThreshold: v.GetDuration("DESERTION_THRESHOLD"),
		WarningLead:        v.GetDuration("WARNING_LEAD"),
		ReservationTTL:     v.GetDuration("RESERVATION_TTL"),
		SweepSchedule:      v.GetString("SWEEP_SCHEDULE"),
		PolicyFile:         v.GetString("POLICY_FILE"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBName == "" || c.DBUser == "" {
			return errors.New("config: DB_NAME and DB_USER are required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DesertionThreshold <= 0 || c.ReservationTTL <= 0 || c.WarningLead <= 0 {
		return errors.New("config: DESERTION_THRESHOLD, WARNING_LEAD and RESERVATION_TTL must be positive")
	}
	if c.WarningLead >= c.DesertionThreshold {
		return fmt.Errorf("config: WARNING_LEAD %s must be shorter than DESERTION_THRESHOLD %s", c.WarningLead, c.DesertionThreshold)
	}
	if c.SweepSchedule == "" {
		return errors.New("config: SWEEP_SCHEDULE is empty")
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

// Policy loads the chain policy file, or the built-in defaults when none is
// configured.
func (c *Config) Policy() (chain.Policy, error) {
	if c.PolicyFile == "" {
		return chain.DefaultPolicy(), nil
	}
	p, err := chain.LoadPolicyFile(c.PolicyFile)
	if err != nil {
		return chain.Policy{}, fmt.Errorf("config: policy file %s: %w", c.PolicyFile, err)
	}
	return p, nil
}
