package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestClassifyReadError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want DisconnectReason
	}{
		{"nil", nil, ReasonNone},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, ReasonClientClose},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, ReasonClientClose},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, ReasonGoingAway},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, ReasonAbnormal},
		{"policy", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, ReasonProtocol},
		{"read limit", websocket.ErrReadLimit, ReasonProtocol},
		{"timeout", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), ReasonTimeout},
		{"eof", io.EOF, ReasonAbnormal},
		{"closed conn", errors.New("use of closed network connection"), ReasonAbnormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyReadError(tc.err))
		})
	}
}

func TestReasonRecoverable(t *testing.T) {
	recoverable := []DisconnectReason{ReasonGoingAway, ReasonAbnormal, ReasonTimeout, ReasonSlowConsumer}
	explicit := []DisconnectReason{ReasonNone, ReasonClientClose, ReasonLeave, ReasonProtocol, ReasonServerShutdown}

	for _, r := range recoverable {
		assert.True(t, r.Recoverable(), r.String())
	}
	for _, r := range explicit {
		assert.False(t, r.Recoverable(), r.String())
	}
	assert.Equal(t, "unknown", DisconnectReason(99).String())
}
