package gatt

import (
	"fmt"

	"github.com/chaz8081/blectl/internal/att"
	"github.com/chaz8081/blectl/internal/gatt/keyex"
)

// XiaomiAuth is a stand-in AuthFunc for Xiaomi-style bracelets: an ECDH
// key agreement followed by an encrypted challenge echo over the profile's
// RX characteristic. The real bracelet protocol is a reverse-engineered
// challenge/response with device-specific key material; hosts that have it
// supply their own AuthFunc instead. This implementation carries no
// proprietary keys — it exists so the authentication seam is exercised end
// to end.
//
// Sequence:
//  1. write our compressed P-256 public key to rx_char,
//  2. read rx_char back for the peripheral's compressed public key and
//     derive the session key,
//  3. read the peripheral's challenge from rx_char,
//  4. write the sealed challenge (nonce || tag || ciphertext) back.
func XiaomiAuth(c *att.Client, h Handles) error {
	if h.RXChar == 0 {
		return fmt.Errorf("gatt: xiaomi auth: profile has no rx characteristic")
	}

	sess, err := keyex.NewSession()
	if err != nil {
		return err
	}
	if err := c.Write(h.RXChar, sess.PublicKey()); err != nil {
		return fmt.Errorf("gatt: xiaomi auth: write public key: %w", err)
	}

	peerKey, err := c.Read(h.RXChar)
	if err != nil {
		return fmt.Errorf("gatt: xiaomi auth: read peer public key: %w", err)
	}
	if err := sess.Derive(peerKey); err != nil {
		return err
	}

	challenge, err := c.Read(h.RXChar)
	if err != nil {
		return fmt.Errorf("gatt: xiaomi auth: read challenge: %w", err)
	}

	response, err := sess.Seal(challenge)
	if err != nil {
		return err
	}
	if err := c.Write(h.RXChar, response); err != nil {
		return fmt.Errorf("gatt: xiaomi auth: write response: %w", err)
	}
	return nil
}
