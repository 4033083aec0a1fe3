package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"

	"github.com/emersion/go-sasl"
)

// cramMD5Client is a SASL client for the CRAM-MD5 challenge-response
// mechanism (RFC 2195). go-sasl ships PLAIN and LOGIN; CRAM-MD5 is
// implemented here against the same Client interface.
type cramMD5Client struct {
	username string
	password string
	done     bool
}

// NewCramMD5Client returns a sasl.Client for CRAM-MD5.
func NewCramMD5Client(username, password string) sasl.Client {
	return &cramMD5Client{username: username, password: password}
}

func (c *cramMD5Client) Start() (string, []byte, error) {
	// No initial response: the server speaks first with its timestamp
	// challenge.
	return "CRAM-MD5", nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, errors.New("cram-md5: unexpected extra challenge")
	}
	c.done = true

	mac := hmac.New(md5.New, []byte(c.password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(c.username + " " + digest), nil
}
