// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Client    ClientConfig    `mapstructure:"client"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// TransportConfig selects the link the engines run on
type TransportConfig struct {
	Type string    `mapstructure:"type"` // "serial", "rs485", "rtu-over-tcp"
	Tcp  TcpConfig `mapstructure:"tcp"`  // Used if Type is "rtu-over-tcp"
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address  string        `mapstructure:"address"`   // e.g. "192.168.1.100:4001"
	Timeout  time.Duration `mapstructure:"timeout"`   // Dial timeout
	BaudRate int           `mapstructure:"baud_rate"` // Line speed behind the device server, for timing only
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// ClientConfig defines the polling master
type ClientConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Timeout              time.Duration `mapstructure:"timeout"`
	DeviceDelay          time.Duration `mapstructure:"device_delay"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	RetrieveInterval     time.Duration `mapstructure:"retrieve_interval"`
	ValidateFunctionCode bool          `mapstructure:"validate_function_code"`
	ByteLimit            int           `mapstructure:"byte_limit"`
	Polls                []PollConfig  `mapstructure:"polls"`
}

// PollConfig defines one periodic read request
type PollConfig struct {
	Name     string        `mapstructure:"name"` // Optional name for logging
	SlaveID  byte          `mapstructure:"slave_id"`
	Function byte          `mapstructure:"function"` // 1-4
	Address  uint16        `mapstructure:"address"`
	Quantity uint16        `mapstructure:"quantity"`
	Throttle time.Duration `mapstructure:"throttle"` // Minimum time between two polls
	Swap     uint16        `mapstructure:"swap"`     // Register size to byte swap, 0 disables
}

// ServerConfig defines the responding slave
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SlaveID         byte          `mapstructure:"slave_id"`
	ListenInterval  time.Duration `mapstructure:"listen_interval"`
	ByteLimit       int           `mapstructure:"byte_limit"`
	CodecExceptions bool          `mapstructure:"codec_exceptions"` // Answer malformed frames with an exception
	IncompleteGrace time.Duration `mapstructure:"incomplete_grace"`
	Bank            BankConfig    `mapstructure:"bank"`
}

// BankConfig defines the register bank served by the slave
type BankConfig struct {
	Coils            int           `mapstructure:"coils"`
	DiscreteInputs   int           `mapstructure:"discrete_inputs"`
	HoldingRegisters int           `mapstructure:"holding_registers"`
	InputRegisters   int           `mapstructure:"input_registers"`
	SharedImage      string        `mapstructure:"shared_image"` // mmap file, memory only if empty
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusrtu/")
		v.AddConfigPath("$HOME/.modbusrtu")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("transport.type", "serial")
	v.SetDefault("transport.tcp.timeout", 5*time.Second)
	v.SetDefault("serial.baud_rate", 19200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("client.timeout", 500*time.Millisecond)
	v.SetDefault("client.device_delay", 30*time.Millisecond)
	v.SetDefault("client.poll_interval", 100*time.Millisecond)
	v.SetDefault("client.byte_limit", 96)
	v.SetDefault("server.slave_id", 1)
	v.SetDefault("server.listen_interval", 100*time.Millisecond)
	v.SetDefault("server.byte_limit", 96)
	v.SetDefault("server.codec_exceptions", true)
	v.SetDefault("server.bank.coils", 65536)
	v.SetDefault("server.bank.discrete_inputs", 65536)
	v.SetDefault("server.bank.holding_registers", 65536)
	v.SetDefault("server.bank.input_registers", 65536)
	v.SetDefault("server.bank.sync_interval", time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to find config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	config.Transport.Type = strings.ToLower(config.Transport.Type)
	fixupSerial(&config.Serial)
	if config.Transport.Tcp.BaudRate == 0 {
		config.Transport.Tcp.BaudRate = config.Serial.BaudRate
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

func (c *Config) validate() error {
	if !c.Client.Enabled && !c.Server.Enabled {
		return fmt.Errorf("neither client nor server is enabled")
	}
	if c.Client.Enabled && c.Server.Enabled {
		return fmt.Errorf("client and server can not share one link, enable only one of them")
	}
	if c.Server.Enabled && (c.Server.SlaveID < 1 || c.Server.SlaveID > 247) {
		return fmt.Errorf("invalid server slave_id %d: must be within 1..247", c.Server.SlaveID)
	}
	for i, p := range c.Client.Polls {
		if p.Function < 1 || p.Function > 4 {
			return fmt.Errorf("poll %d (%s): function %d is not a read function", i, p.Name, p.Function)
		}
		if p.Quantity == 0 {
			return fmt.Errorf("poll %d (%s): quantity must not be zero", i, p.Name)
		}
	}
	return nil
}
