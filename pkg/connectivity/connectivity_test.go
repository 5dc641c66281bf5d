package connectivity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndt-reporter/pkg/models"
)

func TestFindBaseError(t *testing.T) {
	base := errors.New("connection refused")
	other := errors.New("timeout")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"plain", base, base},
		{"wrapped", fmt.Errorf("dial: %w", base), base},
		{"joined takes last", errors.Join(other, fmt.Errorf("read: %w", base)), base},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, findBaseError(tt.err))
		})
	}
}

func TestMakeErrorRecord(t *testing.T) {
	assert.Nil(t, makeErrorRecord(nil))

	record := makeErrorRecord(&connectivity.ConnectivityError{
		Op:         "connect",
		PosixError: "ECONNREFUSED",
		Err:        fmt.Errorf("dial tcp: %w", errors.New("connection refused")),
	})
	require.NotNil(t, record)
	assert.Equal(t, &ErrorRecord{
		Op:         "connect",
		PosixError: "ECONNREFUSED",
		Msg:        "connection refused",
		MsgVerbose: "dial tcp: connection refused",
	}, record)
	assert.False(t, Report{Error: record}.IsSuccess())
	assert.True(t, Report{}.IsSuccess())
}

func TestProbeDNSRejectsNonSOCKS5(t *testing.T) {
	for _, line := range []string{"10.0.0.1:8080", "socks4://10.0.0.1:1080"} {
		d, err := models.ParseProxyDescriptor(line)
		require.NoError(t, err)

		_, err = ProbeDNS(context.Background(), d, "8.8.8.8", "example.com")
		assert.ErrorIs(t, err, ErrUnsupported)
	}
}
