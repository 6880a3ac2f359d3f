//go:build !pkcs11

package terminal

import (
	"errors"

	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/hsm"
)

// ErrNoPKCS11 is returned when hsm.driver is pkcs11 in a build without the
// pkcs11 tag.
var ErrNoPKCS11 = errors.New("built without pkcs11 support, rebuild with -tags pkcs11")

func openPKCS11(config.Config) (hsm.Device, func() error, error) {
	return nil, nil, ErrNoPKCS11
}
