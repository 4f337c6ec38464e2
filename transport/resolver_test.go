package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusResolverParsesSRVRecords(t *testing.T) {
	resolver := NewBusResolver("")
	resolver.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		require.Len(t, msg.Question, 1)
		assert.Equal(t, "_vaultbus._tcp.example.com.", msg.Question[0].Name)
		assert.Equal(t, dns.TypeSRV, msg.Question[0].Qtype)

		response := new(dns.Msg)
		response.SetReply(msg)
		response.Answer = []dns.RR{
			&dns.SRV{Target: "bus1.example.com.", Port: 4222},
			&dns.SRV{Target: "bus2.example.com.", Port: 4223},
		}
		return response, 0, nil
	}

	endpoints, err := resolver.Resolve("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"bus1.example.com.:4222", "bus2.example.com.:4223"}, endpoints)
}

func TestBusResolverDefaultServer(t *testing.T) {
	assert.Equal(t, "127.0.0.53:53", NewBusResolver("").server, "empty server falls back to the local stub")
	assert.Equal(t, "10.0.0.1:53", NewBusResolver("10.0.0.1:53").server)
}

func TestBusResolverEmptyAnswer(t *testing.T) {
	resolver := NewBusResolver("")
	resolver.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		response := new(dns.Msg)
		response.SetReply(msg)
		return response, 0, nil
	}

	_, err := resolver.Resolve("example.com")
	assert.Error(t, err, "no SRV records must be an error")
}

func TestBusResolverExchangeFailure(t *testing.T) {
	resolver := NewBusResolver("")
	resolver.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		return nil, 0, errors.New("network unreachable")
	}

	_, err := resolver.Resolve("example.com")
	assert.Error(t, err, "exchange failure must surface")
}
