package sink

import (
	"crypto/rsa"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"
)

// parseSnowflakePrivateKey decodes a PEM-encoded PKCS8 RSA key for
// Snowflake's key-pair/JWT authentication. Mirrors internal/checkpoint's
// identical helper; kept package-local rather than exported from a shared
// package since both are thin, single-call-site wrappers around
// youmark/pkcs8. Encrypted keys (password non-empty) decrypt through
// youmark/pkcs8 rather than crypto/x509.ParsePKCS8PrivateKey, which only
// understands unencrypted PKCS8 DER; mirrors
// original_source/src/utils/snowflake.py's load_private_key decrypting
// with an optional password before handing the key to the driver.
func parseSnowflakePrivateKey(pemBytes []byte, password string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	var key interface{}
	var err error
	if password != "" {
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
	} else {
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
