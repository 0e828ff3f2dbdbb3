package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

func newMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	if cfg == nil {
		return nil, nil
	}

	switch strings.ToLower(cfg.Mechanism) {
	case MechanismPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case MechanismSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case MechanismSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	case MechanismOAuthBearer:
		return &oauthBearer{provider: cfg.TokenProvider}, nil
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", cfg.Mechanism)
	}
}

// oauthBearer implements the RFC 7628 OAUTHBEARER client exchange.
type oauthBearer struct {
	provider TokenProvider
}

func (o *oauthBearer) Name() string {
	return "OAUTHBEARER"
}

func (o *oauthBearer) Start(ctx context.Context) (sasl.StateMachine, []byte, error) {
	token, err := o.provider(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to obtain oauth token: %w", err)
	}
	if token == "" {
		return nil, nil, fmt.Errorf("oauth token provider returned an empty token")
	}
	return o, []byte("n,,\x01auth=Bearer " + token + "\x01\x01"), nil
}

// Next treats any server challenge as a rejection carrying the error JSON.
func (o *oauthBearer) Next(ctx context.Context, challenge []byte) (bool, []byte, error) {
	if len(challenge) == 0 {
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("oauthbearer authentication rejected: %s", string(challenge))
}
