package tor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCountry(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		ip   string
		want string
	}{
		{name: "simple", msg: "ip-to-country/93.184.216.34=us", ip: "93.184.216.34", want: "US"},
		{name: "multiline reply", msg: "something else\nip-to-country/1.2.3.4=de\nOK", ip: "1.2.3.4", want: "DE"},
		{name: "unknown country", msg: "ip-to-country/1.2.3.4=??", ip: "1.2.3.4", want: ""},
		{name: "wrong ip", msg: "ip-to-country/5.6.7.8=fr", ip: "1.2.3.4", want: ""},
		{name: "empty reply", msg: "", ip: "1.2.3.4", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCountry(tt.msg, tt.ip))
		})
	}
}

func TestQuotePassword(t *testing.T) {
	assert.Equal(t, `""`, quotePassword(""))
	assert.Equal(t, `"hunter2"`, quotePassword("hunter2"))
	assert.Equal(t, `"pa\"ss"`, quotePassword(`pa"ss`))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	c, err := New(Config{ControlAddr: "127.0.0.1:9051", SocksAddr: "127.0.0.1:9050"})
	assert.NoError(t, err)
	assert.NotNil(t, c.httpClient)
}
