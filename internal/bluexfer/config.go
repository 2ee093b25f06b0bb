package bluexfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ConfigSearchOrder = []string{
	"config",
	"/usr/local/var/bluexfer/config",
	"/opt/homebrew/var/bluexfer/config",
}

type Timeouts struct {
	Connect   time.Duration `yaml:"Connect" validate:"gt=0"`
	Ack       time.Duration `yaml:"Ack" validate:"gt=0"`       // versioned browse ACK
	Browse    time.Duration `yaml:"Browse" validate:"gt=0"`    // browse response
	Response  time.Duration `yaml:"Response" validate:"gt=0"`  // details, download header, OBEX replies
	UploadAck time.Duration `yaml:"UploadAck" validate:"gt=0"` // upload completion ACK
	Idle      time.Duration `yaml:"Idle" validate:"gte=0"`     // longest gap inside a body or between commands; 0 waits forever
	Header    time.Duration `yaml:"Header" validate:"gt=0"`    // first bytes of an inbound connection
}

type Config struct {
	Peer      xfer.Peer `yaml:"Peer"`
	Adapter   string    `yaml:"Adapter"`                                    // BlueZ adapter, e.g. hci0
	Transport string    `yaml:"Transport" validate:"oneof=bluez tcp"`       // how transports are opened
	Listen    string    `yaml:"Listen" validate:"required_if=Transport tcp"` // TCP listen address

	ProtocolVersion int    `yaml:"ProtocolVersion" validate:"oneof=1 2"`
	OpcodeProfile   string `yaml:"OpcodeProfile" validate:"oneof=legacy command-set"`

	Timeouts       Timeouts      `yaml:"Timeouts"`
	Attempts       int           `yaml:"Attempts" validate:"min=1,max=10"`
	BackoffBase    time.Duration `yaml:"BackoffBase" validate:"gte=0"`
	DownloadPolicy string        `yaml:"DownloadPolicy" validate:"oneof=best-effort strict"`

	RemoteRoot       string `yaml:"RemoteRoot"`                    // prefix for paths requested from the peer
	FileRoot         string `yaml:"FileRoot" validate:"required"` // directory served to browsing peers
	ReceiveDir       string `yaml:"ReceiveDir" validate:"required"`
	ReceivePrefix    string `yaml:"ReceivePrefix"`
	ReceiveExtension string `yaml:"ReceiveExtension" validate:"omitempty,startswith=."`
	ServiceName      string `yaml:"ServiceName"` // profile name advertised by the receiver

	APIAddr   string `yaml:"APIAddr"`   // empty disables the HTTP API
	HistoryDB string `yaml:"HistoryDB"` // empty disables transfer history

	AllowedOperations []string          `yaml:"AllowedOperations" validate:"dive,oneof=browse get-details download upload"`
	MIMETypes         map[string]string `yaml:"MIMETypes"`
}

// DefaultConfig returns the configuration used for any field a config file leaves out.
func DefaultConfig() Config {
	cc := xfer.DefaultClientConfig()
	rc := xfer.DefaultReceiverConfig()

	return Config{
		Transport:       "bluez",
		Adapter:         "hci0",
		ProtocolVersion: int(cc.Version),
		OpcodeProfile:   "command-set",
		Timeouts: Timeouts{
			Connect:   xfer.DefaultConnectTimeout,
			Ack:       cc.AckTimeout,
			Browse:    cc.BrowseTimeout,
			Response:  cc.ResponseTimeout,
			UploadAck: cc.UploadAckTimeout,
			Idle:      cc.IdleTimeout,
			Header:    rc.HeaderTimeout,
		},
		Attempts:         cc.Attempts,
		BackoffBase:      cc.BackoffBase,
		DownloadPolicy:   cc.DownloadPolicy.String(),
		FileRoot:         "Files",
		ReceiveDir:       "Received",
		ReceivePrefix:    rc.NamePrefix,
		ReceiveExtension: rc.Extension,
		ServiceName:      "HealthFileReceiver",
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %v", err)
	}

	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("unmarshal YAML: %v", err)
	}

	validate := validator.New()
	if err = validate.Struct(config); err != nil {
		if validationErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range validationErrs {
				if fieldErr.Tag() == "oneof" {
					return nil, fmt.Errorf("%s must be one of [%s] (got: %v)", fieldErr.Namespace(), fieldErr.Param(), fieldErr.Value())
				}
			}
		}
		return nil, fmt.Errorf("validate config: %v", err)
	}

	// Relative directories are relative to the config file.
	config.FileRoot = resolve(path, config.FileRoot)
	config.ReceiveDir = resolve(path, config.ReceiveDir)
	if config.HistoryDB != "" {
		config.HistoryDB = resolve(path, config.HistoryDB)
	}

	return &config, nil
}

func resolve(configPath, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

func (c *Config) opcodes() xfer.Opcodes {
	if c.OpcodeProfile == "legacy" {
		return xfer.LegacyOpcodes
	}
	return xfer.CommandSetOpcodes
}

func (c *Config) MIMETable() xfer.MIMETable {
	return xfer.NewMIMETable(c.MIMETypes)
}

// ClientConfig returns the settings for an xfer.Client.
func (c *Config) ClientConfig() (xfer.ClientConfig, error) {
	policy, err := xfer.ParseDownloadPolicy(c.DownloadPolicy)
	if err != nil {
		return xfer.ClientConfig{}, err
	}

	return xfer.ClientConfig{
		Version:          xfer.ProtocolVersion(c.ProtocolVersion),
		Opcodes:          c.opcodes(),
		MIME:             c.MIMETable(),
		AckTimeout:       c.Timeouts.Ack,
		BrowseTimeout:    c.Timeouts.Browse,
		ResponseTimeout:  c.Timeouts.Response,
		UploadAckTimeout: c.Timeouts.UploadAck,
		IdleTimeout:      c.Timeouts.Idle,
		Attempts:         c.Attempts,
		BackoffBase:      c.BackoffBase,
		DownloadPolicy:   policy,
		RemoteRoot:       c.RemoteRoot,
	}, nil
}

func (c *Config) ReceiverConfig() xfer.ReceiverConfig {
	return xfer.ReceiverConfig{
		Dir:           c.ReceiveDir,
		NamePrefix:    c.ReceivePrefix,
		Extension:     c.ReceiveExtension,
		HeaderTimeout: c.Timeouts.Header,
		IdleTimeout:   c.Timeouts.Idle,
	}
}

// Authorizer returns xfer.AllowAll when no operations are listed.
func (c *Config) Authorizer() (xfer.Authorizer, error) {
	if len(c.AllowedOperations) == 0 {
		return xfer.AllowAll, nil
	}

	var allowed xfer.AllowList
	for _, name := range c.AllowedOperations {
		op, err := xfer.ParseCommandType(name)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, op)
	}
	return allowed, nil
}
