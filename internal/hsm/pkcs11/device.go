//go:build pkcs11

// Package pkcs11 drives a PKCS#11 token as the terminal secure element.
// Enable with the build tag pkcs11 so default builds do not need cgo.
package pkcs11

import (
	"context"
	"errors"
	"fmt"
	"sync"

	p11 "github.com/miekg/pkcs11"

	"github.com/andrei-cloud/posguard/internal/errorcodes"
	"github.com/andrei-cloud/posguard/internal/hsm"
)

// Config selects the token and the object labels.
type Config struct {
	LibPath     string
	SlotID      uint
	Pin         string
	LabelPrefix string
}

// Device implements hsm.Device on top of a logged-in PKCS#11 session.
type Device struct {
	cfg  Config
	mu   sync.Mutex
	ctx  *p11.Ctx
	sess p11.SessionHandle
}

var _ hsm.Device = (*Device)(nil)

var errLoadLibrary = errors.New("load pkcs11 library failed")

// Open loads the module, opens a read-write session and logs in.
func Open(cfg Config) (*Device, error) {
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = "posguard"
	}

	c := p11.New(cfg.LibPath)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", errLoadLibrary, cfg.LibPath)
	}
	if err := c.Initialize(); err != nil {
		c.Destroy()

		return nil, fmt.Errorf("initialize: %w", err)
	}
	sess, err := c.OpenSession(cfg.SlotID, p11.CKF_SERIAL_SESSION|p11.CKF_RW_SESSION)
	if err != nil {
		_ = c.Finalize()
		c.Destroy()

		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := c.Login(sess, p11.CKU_USER, cfg.Pin); err != nil {
		_ = c.CloseSession(sess)
		_ = c.Finalize()
		c.Destroy()

		return nil, fmt.Errorf("login: %w", err)
	}

	return &Device{cfg: cfg, ctx: c, sess: sess}, nil
}

// Close logs out and releases the module.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil
	}
	_ = d.ctx.Logout(d.sess)
	_ = d.ctx.CloseSession(d.sess)
	err := d.ctx.Finalize()
	d.ctx.Destroy()
	d.ctx = nil

	return err
}

func (d *Device) label(ref hsm.KeyRef) string {
	return fmt.Sprintf("%s-%s-%s", d.cfg.LabelPrefix, ref.Purpose, ref.Slot)
}

func (d *Device) keyTemplate(label string) []*p11.Attribute {
	return []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_SECRET_KEY),
		p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_DES2),
		p11.NewAttribute(p11.CKA_TOKEN, true),
		p11.NewAttribute(p11.CKA_LABEL, label),
		p11.NewAttribute(p11.CKA_SENSITIVE, true),
		p11.NewAttribute(p11.CKA_EXTRACTABLE, true),
		p11.NewAttribute(p11.CKA_ENCRYPT, true),
		p11.NewAttribute(p11.CKA_SIGN, true),
	}
}

func (d *Device) find(label string) ([]p11.ObjectHandle, error) {
	template := []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_SECRET_KEY),
		p11.NewAttribute(p11.CKA_LABEL, label),
	}
	if err := d.ctx.FindObjectsInit(d.sess, template); err != nil {
		return nil, err
	}
	objs, _, err := d.ctx.FindObjects(d.sess, 4)
	_ = d.ctx.FindObjectsFinal(d.sess)

	return objs, err
}

func (d *Device) findOne(label string) (p11.ObjectHandle, error) {
	objs, err := d.find(label)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errorcodes.Err41, err)
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("object %s: %w", label, errorcodes.Err12)
	}

	return objs[0], nil
}

func (d *Device) destroy(label string) error {
	objs, err := d.find(label)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if err := d.ctx.DestroyObject(d.sess, o); err != nil {
			return err
		}
	}

	return nil
}

// GenerateKeyInSlot replaces the slot object with a fresh double-length DES key.
func (d *Device) GenerateKeyInSlot(ctx context.Context, ref hsm.KeyRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	label := d.label(ref)
	if err := d.destroy(label); err != nil {
		return fmt.Errorf("clear %s: %w", label, err)
	}
	mech := []*p11.Mechanism{p11.NewMechanism(p11.CKM_DES2_KEY_GEN, nil)}
	if _, err := d.ctx.GenerateKey(d.sess, mech, d.keyTemplate(label)); err != nil {
		return fmt.Errorf("generate %s: %w", label, err)
	}

	return nil
}

// ExportKeyWrapped wraps the slot object under the transport key with DES3-ECB.
func (d *Device) ExportKeyWrapped(
	ctx context.Context,
	ref hsm.KeyRef,
	under hsm.TransportKey,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tk, err := d.findOne(string(under))
	if err != nil {
		return nil, fmt.Errorf("transport key: %w", err)
	}
	key, err := d.findOne(d.label(ref))
	if err != nil {
		return nil, err
	}
	mech := []*p11.Mechanism{p11.NewMechanism(p11.CKM_DES3_ECB, nil)}
	wrapped, err := d.ctx.WrapKey(d.sess, mech, tk, key)
	if err != nil {
		return nil, fmt.Errorf("wrap %s: %w", ref, err)
	}

	return wrapped, nil
}

// ImportWrappedKey unwraps wrapped into the slot object, replacing what was there.
func (d *Device) ImportWrappedKey(
	ctx context.Context,
	wrapped []byte,
	under hsm.TransportKey,
	into hsm.KeyRef,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tk, err := d.findOne(string(under))
	if err != nil {
		return fmt.Errorf("transport key: %w", err)
	}
	label := d.label(into)
	if err := d.destroy(label); err != nil {
		return fmt.Errorf("clear %s: %w", label, err)
	}
	mech := []*p11.Mechanism{p11.NewMechanism(p11.CKM_DES3_ECB, nil)}
	if _, err := d.ctx.UnwrapKey(d.sess, mech, tk, wrapped, d.keyTemplate(label)); err != nil {
		return fmt.Errorf("unwrap into %s: %w", into, err)
	}

	return nil
}

// EraseKey destroys the slot object. A missing object is not an error.
func (d *Device) EraseKey(_ context.Context, ref hsm.KeyRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.destroy(d.label(ref)); err != nil {
		return fmt.Errorf("erase %s: %w", ref, err)
	}

	return nil
}

// TamperStatus treats a removed token or device as tampered.
func (d *Device) TamperStatus(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.ctx.GetTokenInfo(d.cfg.SlotID)
	if err == nil {
		return false, nil
	}

	var perr p11.Error
	if errors.As(err, &perr) &&
		(perr == p11.Error(p11.CKR_TOKEN_NOT_PRESENT) || perr == p11.Error(p11.CKR_DEVICE_REMOVED)) {
		return true, nil
	}

	return false, fmt.Errorf("token info: %w", err)
}
