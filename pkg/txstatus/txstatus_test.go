package txstatus_test

import (
	"testing"

	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/stretchr/testify/assert"
)

func TestTxStatusString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("IDLE", txstatus.TXIDLE.String())
	assert.Equal("ERROR", txstatus.TXERR.String())
	assert.Equal("ACTIVE", txstatus.TXACT.String())
	assert.Equal("invalid", txstatus.TXStatus(0).String())
}

func TestTxStatusBytes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(byte('I'), byte(txstatus.TXIDLE))
	assert.Equal(byte('E'), byte(txstatus.TXERR))
	assert.Equal(byte('T'), byte(txstatus.TXACT))
}
