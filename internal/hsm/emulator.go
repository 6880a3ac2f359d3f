package hsm

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/errorcodes"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
)

// Op names a device operation for fault injection.
type Op string

const (
	OpGenerate Op = "generate"
	OpExport   Op = "export"
	OpImport   Op = "import"
	OpErase    Op = "erase"
	OpTamper   Op = "tamper"
)

// Emulator is a software secure element. Slot contents are held in process
// memory and wrapped under 3DES transport keys.
type Emulator struct {
	mu          sync.Mutex
	transport   map[TransportKey][]byte
	slots       map[KeyRef][]byte
	generations map[KeyRef]int
	faults      map[Op][]error
	noGenerate  bool
	tampered    bool
	subscribers []chan struct{}
}

// EmulatorOption configures an Emulator.
type EmulatorOption func(*Emulator)

// WithoutGeneration makes GenerateKeyInSlot fail with ErrGenerationUnsupported.
func WithoutGeneration() EmulatorOption {
	return func(e *Emulator) { e.noGenerate = true }
}

// WithTransportKey registers an additional transport key under handle.
func WithTransportKey(handle TransportKey, key []byte) EmulatorOption {
	return func(e *Emulator) { e.transport[handle] = slices.Clone(key) }
}

// NewEmulator creates an emulator holding transportKeyHex as DefaultTransportKey.
// transportKeyHex must be 32 or 48 hex characters.
func NewEmulator(transportKeyHex string, opts ...EmulatorOption) (*Emulator, error) {
	key, err := hex.DecodeString(transportKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode transport key: %w", err)
	}
	if _, err := cryptoutils.ExpandTripleDESKey(key); err != nil {
		return nil, fmt.Errorf("transport key: %w", err)
	}

	e := &Emulator{
		transport:   map[TransportKey][]byte{DefaultTransportKey: key},
		slots:       make(map[KeyRef][]byte),
		generations: make(map[KeyRef]int),
		faults:      make(map[Op][]error),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// TransportKeyMaterial returns a copy of the clear transport key registered
// under handle.
func (e *Emulator) TransportKeyMaterial(handle TransportKey) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.transport[handle]
	if !ok {
		return nil, fmt.Errorf("transport key %q: %w", handle, errorcodes.ErrBB)
	}

	return slices.Clone(key), nil
}

// FailNext queues err to be returned by the next call of op.
func (e *Emulator) FailNext(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], err)
}

func (e *Emulator) takeFault(op Op) error {
	q := e.faults[op]
	if len(q) == 0 {
		return nil
	}
	e.faults[op] = q[1:]

	return q[0]
}

// GenerateKeyInSlot fills ref with a fresh random double-length key.
func (e *Emulator) GenerateKeyInSlot(ctx context.Context, ref KeyRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.precheck(OpGenerate, ref); err != nil {
		return err
	}
	if e.noGenerate {
		return ErrGenerationUnsupported
	}

	key, err := cryptoutils.GenerateRandomKey(cryptoutils.KEY_LENGTH_DOUBLE)
	if err != nil {
		return fmt.Errorf("%w: %w", errorcodes.Err41, err)
	}
	e.store(ref, key)
	e.generations[ref]++

	log.Debug().Str("event", "slot_generated").Str("slot", ref.String()).Msg("key generated")

	return nil
}

// ExportKeyWrapped returns the key in ref encrypted under the transport key.
func (e *Emulator) ExportKeyWrapped(ctx context.Context, ref KeyRef, under TransportKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.precheck(OpExport, ref); err != nil {
		return nil, err
	}
	key, ok := e.slots[ref]
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", ref, errorcodes.Err12)
	}
	tk, ok := e.transport[under]
	if !ok {
		return nil, fmt.Errorf("transport key %q: %w", under, errorcodes.ErrBB)
	}

	wrapped, err := cryptoutils.EncryptECB(tk, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errorcodes.Err42, err)
	}

	return wrapped, nil
}

// ImportWrappedKey decrypts wrapped under the transport key and stores it in into.
func (e *Emulator) ImportWrappedKey(
	ctx context.Context,
	wrapped []byte,
	under TransportKey,
	into KeyRef,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.precheck(OpImport, into); err != nil {
		return err
	}
	if len(wrapped) != cryptoutils.KEY_LENGTH_DOUBLE && len(wrapped) != cryptoutils.KEY_LENGTH_TRIPLE {
		return fmt.Errorf("wrapped key of %d bytes: %w", len(wrapped), errorcodes.Err27)
	}
	tk, ok := e.transport[under]
	if !ok {
		return fmt.Errorf("transport key %q: %w", under, errorcodes.ErrBB)
	}

	key, err := cryptoutils.DecryptECB(tk, wrapped)
	if err != nil {
		return fmt.Errorf("%w: %w", errorcodes.Err42, err)
	}
	e.store(into, key)

	return nil
}

// EraseKey zeroizes ref. Erasing an empty slot succeeds. Erase keeps working
// after a tamper event.
func (e *Emulator) EraseKey(ctx context.Context, ref KeyRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFault(OpErase); err != nil {
		return err
	}
	if !ref.Slot.Valid() {
		return fmt.Errorf("%w: %s", errorcodes.Err15, ref)
	}
	if key, ok := e.slots[ref]; ok {
		cryptoutils.Zeroize(key)
		delete(e.slots, ref)
	}

	return nil
}

// TamperStatus reports whether the tamper switch has tripped.
func (e *Emulator) TamperStatus(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.takeFault(OpTamper); err != nil {
		return false, err
	}

	return e.tampered, nil
}

// TamperEvents implements TamperNotifier.
func (e *Emulator) TamperEvents(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	tampered := e.tampered
	e.mu.Unlock()

	if tampered {
		ch <- struct{}{}
	}

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		e.subscribers = slices.DeleteFunc(e.subscribers, func(c chan struct{}) bool { return c == ch })
		close(ch)
	}()

	return ch
}

// TriggerTamper trips the tamper switch and notifies subscribers.
func (e *Emulator) TriggerTamper() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tampered = true
	for _, ch := range e.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Occupied reports whether ref holds a key.
func (e *Emulator) Occupied(ref KeyRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.slots[ref]

	return ok
}

// Generations returns how many times a key was generated into ref.
func (e *Emulator) Generations(ref KeyRef) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.generations[ref]
}

func (e *Emulator) precheck(op Op, ref KeyRef) error {
	if err := e.takeFault(op); err != nil {
		return err
	}
	if e.tampered {
		return errorcodes.ErrT1
	}
	if !ref.Slot.Valid() {
		return fmt.Errorf("%w: %s", errorcodes.Err15, ref)
	}

	return nil
}

func (e *Emulator) store(ref KeyRef, key []byte) {
	if old, ok := e.slots[ref]; ok {
		cryptoutils.Zeroize(old)
	}
	e.slots[ref] = key
}

// SlotCheckValue returns the KCV of the key in ref, or "" if the slot is empty.
func (e *Emulator) SlotCheckValue(ref KeyRef) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.slots[ref]
	if !ok {
		return ""
	}
	block, err := cryptoutils.EncryptECB(key, make([]byte, cryptoutils.BLOCK_SIZE))
	if err != nil {
		return ""
	}

	return cryptoutils.Raw2Str(block[:3])
}
