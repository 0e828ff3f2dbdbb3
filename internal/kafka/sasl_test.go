package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMechanism(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *SASLConfig
		wantName string
		wantErr  bool
	}{
		{name: "none", cfg: nil},
		{name: "plain", cfg: &SASLConfig{Mechanism: "PLAIN", Username: "u", Password: "p"}, wantName: "PLAIN"},
		{name: "scram-sha-256", cfg: &SASLConfig{Mechanism: MechanismSCRAMSHA256, Username: "u", Password: "p"}, wantName: "SCRAM-SHA-256"},
		{name: "scram-sha-512", cfg: &SASLConfig{Mechanism: MechanismSCRAMSHA512, Username: "u", Password: "p"}, wantName: "SCRAM-SHA-512"},
		{name: "oauthbearer", cfg: &SASLConfig{Mechanism: MechanismOAuthBearer, TokenProvider: func(ctx context.Context) (string, error) { return "t", nil }}, wantName: "OAUTHBEARER"},
		{name: "unknown", cfg: &SASLConfig{Mechanism: "gssapi"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mech, err := newMechanism(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.cfg == nil {
				assert.Nil(t, mech)
				return
			}
			assert.Equal(t, tt.wantName, mech.Name())
		})
	}
}

func TestSASLConfig_Validate(t *testing.T) {
	assert.Error(t, (&SASLConfig{Mechanism: MechanismPlain}).Validate())
	assert.Error(t, (&SASLConfig{Mechanism: MechanismOAuthBearer}).Validate())
	assert.NoError(t, (&SASLConfig{Mechanism: MechanismSCRAMSHA512, Username: "u", Password: "p"}).Validate())
}

func TestOAuthBearer_Exchange(t *testing.T) {
	calls := 0
	mech := &oauthBearer{provider: func(ctx context.Context) (string, error) {
		calls++
		return "token-123", nil
	}}

	state, initial, err := mech.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "n,,\x01auth=Bearer token-123\x01\x01", string(initial))
	assert.Equal(t, 1, calls)

	done, resp, err := state.Next(context.Background(), nil)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, resp)

	_, _, err = state.Next(context.Background(), []byte(`{"status":"invalid_token"}`))
	assert.ErrorContains(t, err, "invalid_token")
}

func TestOAuthBearer_ProviderFailure(t *testing.T) {
	mech := &oauthBearer{provider: func(ctx context.Context) (string, error) {
		return "", errors.New("idp unavailable")
	}}
	_, _, err := mech.Start(context.Background())
	assert.ErrorContains(t, err, "idp unavailable")

	empty := &oauthBearer{provider: func(ctx context.Context) (string, error) { return "", nil }}
	_, _, err = empty.Start(context.Background())
	assert.Error(t, err)
}
