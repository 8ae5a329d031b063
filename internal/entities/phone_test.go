package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	for in, want := range map[string]string{
		"(11) 99999-0000":                 "5511999990000",
		"1133334444":                      "551133334444",
		"+55 11 99999-0000":               "5511999990000",
		"5511999990000@s.whatsapp.net":    "5511999990000",
		"5511999990000:12@s.whatsapp.net": "5511999990000",
		"351912345678":                    "351912345678",
		"":                                "",
	} {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestClientStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	c := &Client{}
	for exp, want := range map[time.Time]ClientStatus{
		time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC): ClientExpired,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC):  ClientExpiring,
		time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC):  ClientExpiring,
		time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC):  ClientActive,
	} {
		c.ExpirationDate = exp
		assert.Equal(t, want, c.Status(now), exp.Format("2006-01-02"))
	}
	c.ExpirationDate = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, c.DaysLeft(now), "DATE columns are read without shifting zones")
}

func TestInstanceStatusFromState(t *testing.T) {
	assert.Equal(t, InstanceConnected, InstanceStatusFromState(StateOpen))
	assert.Equal(t, InstanceConnecting, InstanceStatusFromState("qr"))
	assert.Equal(t, InstanceDisconnected, InstanceStatusFromState(StateClose))
	assert.Equal(t, InstanceDisconnected, InstanceStatusFromState("refused"))
}
