package comm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		ev       Event
		wantType string
		wantData string
	}{
		{ReaderAdded{Name: "ACS ACR122U"}, "readerConnected", `{"name":"ACS ACR122U"}`},
		{ReaderRemoved{Name: "ACS ACR122U"}, "readerDisconnected", `{"name":"ACS ACR122U"}`},
		{CardDetected{Reader: "ACS X", CardNumber: "01670000000001234565"}, "cardDetected", `{"reader":"ACS X","cardNumber":"01670000000001234565"}`},
		{CardRemoved{Reader: "ACS X"}, "cardRemoved", `{"reader":"ACS X"}`},
		{ReaderError{Message: "Invalid card data received"}, "error", `{"message":"Invalid card data received"}`},
		{ReaderError{Message: "transmit failed", Error: "card removed"}, "error", `{"message":"transmit failed","error":"card removed"}`},
	}

	for _, tt := range tests {
		msg, err := Encode(tt.ev)
		require.NoError(t, err)
		assert.Equal(t, tt.wantType, msg.Type)
		assert.JSONEq(t, tt.wantData, string(msg.Data))
	}
}

func TestReadersMessage(t *testing.T) {
	msg := ReadersMessage(nil)
	assert.Equal(t, TypeReaders, msg.Type)
	assert.JSONEq(t, `[]`, string(msg.Data))

	raw, err := json.Marshal(ReadersMessage([]string{"ACS X"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"readers","data":["ACS X"]}`, string(raw))
}
