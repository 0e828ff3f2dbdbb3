package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

const (
	DefaultClientID = "kafka-client"

	MechanismPlain       = "plain"
	MechanismSCRAMSHA256 = "scram-sha-256"
	MechanismSCRAMSHA512 = "scram-sha-512"
	MechanismOAuthBearer = "oauthbearer"
)

// TokenProvider returns a fresh OAuth bearer token. It is called on every
// broker authentication so expiring tokens are refreshed transparently.
type TokenProvider func(ctx context.Context) (string, error)

type SASLConfig struct {
	Mechanism     string
	Username      string
	Password      string
	TokenProvider TokenProvider
}

type Config struct {
	Brokers  []string
	ClientID string
	GroupID  string

	// TLS enables TLS with system roots when TLSConfig is nil.
	TLS       bool
	TLSConfig *tls.Config
	SASL      *SASLConfig

	RequiredAcks kafka.RequiredAcks
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	DialTimeout  time.Duration
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
	StartOffset  int64
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	for _, broker := range c.Brokers {
		if strings.TrimSpace(broker) == "" {
			return errors.New("broker address cannot be blank")
		}
	}
	if c.WriteTimeout < 0 {
		return errors.New("writeTimeout cannot be negative")
	}
	if c.ReadTimeout < 0 {
		return errors.New("readTimeout cannot be negative")
	}
	if c.MaxWait < 0 {
		return errors.New("maxWait cannot be negative")
	}
	if c.SASL != nil {
		return c.SASL.Validate()
	}
	return nil
}

func (s *SASLConfig) Validate() error {
	switch strings.ToLower(s.Mechanism) {
	case MechanismPlain, MechanismSCRAMSHA256, MechanismSCRAMSHA512:
		if s.Username == "" || s.Password == "" {
			return fmt.Errorf("sasl %s requires username and password", s.Mechanism)
		}
	case MechanismOAuthBearer:
		if s.TokenProvider == nil {
			return errors.New("sasl oauthbearer requires a token provider")
		}
	default:
		return fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.GroupID == "" {
		c.GroupID = c.ClientID
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10e6
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.TLS && c.TLSConfig == nil {
		c.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
}
