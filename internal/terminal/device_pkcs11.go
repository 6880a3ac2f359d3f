//go:build pkcs11

package terminal

import (
	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/hsm/pkcs11"
)

func openPKCS11(cfg config.Config) (hsm.Device, func() error, error) {
	dev, err := pkcs11.Open(pkcs11.Config{
		LibPath:     cfg.HSM.PKCS11.Lib,
		SlotID:      cfg.HSM.PKCS11.Slot,
		Pin:         cfg.HSM.PKCS11.Pin,
		LabelPrefix: cfg.HSM.PKCS11.LabelPrefix,
	})
	if err != nil {
		return nil, nil, err
	}

	return dev, dev.Close, nil
}
