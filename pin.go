package cardmd

import (
	"context"
	"fmt"

	"github.com/aweris/cardmd/internal/store"
)

const (
	minPinLen = 4
	maxPinLen = 12
)

// pinByRole picks the user PIN (the first one without unblocking or SO
// flags) or the admin PIN (the first one with either).
func (c *Card) pinByRole(r Role) (*Object, error) {
	if len(c.pins) == 0 {
		return nil, fmt.Errorf("%w: card has no pin", ErrUnsupported)
	}
	for _, pin := range c.pins {
		admin := pin.PinFlags&(store.PinUnblocking|store.PinSO) != 0
		if admin == (r == RoleAdmin) {
			return pin, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s pin", ErrObjectNotFound, r)
}

// AuthenticatePin verifies pin for role. Only the user role can log in;
// admin PINs are refused as wrong credentials.
func (c *Card) AuthenticatePin(ctx context.Context, role Role, pin []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return err
	}
	return opErr(opAuthenticate, role.String(), c.authenticate(ctx, role, pin))
}

func (c *Card) authenticate(ctx context.Context, role Role, pin []byte) error {
	switch role {
	case RoleUser:
	case RoleAdmin:
		return fmt.Errorf("%w: admin login is not supported", ErrWrongCredential)
	default:
		return fmt.Errorf("%w: role %s", ErrInvalidParameter, role)
	}
	if len(pin) < minPinLen || len(pin) > maxPinLen {
		return fmt.Errorf("%w: pin length %d", ErrWrongCredential, len(pin))
	}

	obj, err := c.pinByRole(RoleUser)
	if err != nil {
		return err
	}
	if err := c.store.VerifyPin(ctx, obj, pin); err != nil {
		c.log.Debug(ctx, "pin verification failed", "role", role.String(), "err", err)
		return fmt.Errorf("%w: %v", ErrWrongCredential, err)
	}

	c.cache.SetPin(role)
	c.cardcfFile.replace(c.cache.State().Bytes())
	return nil
}

// Deauthenticate logs role out. A dirty container map is flushed first;
// a failure there is logged and does not fail the call. The cardcf record
// is persisted afterwards and its outcome returned.
func (c *Card) Deauthenticate(ctx context.Context, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return err
	}
	if role != RoleUser && role != RoleAdmin {
		return opErr(opDeauthenticate, role.String(), fmt.Errorf("%w: role %s", ErrInvalidParameter, role))
	}

	if err := c.persistContainers(ctx); err != nil {
		c.log.Warn(ctx, "flush container map on logout", "err", err)
	}

	c.cache.ClearPin(role)
	c.cardcfFile.replace(c.cache.State().Bytes())
	return opErr(opDeauthenticate, role.String(), c.persistCache(ctx))
}

// PinVerified reports whether role is currently marked logged in.
func (c *Card) PinVerified(role Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.PinSet(role)
}
