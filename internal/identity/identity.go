// Package identity supplies the local party's display name.
package identity

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
)

const (
	anonymousNameLength = 9
	base36              = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Provider returns the name shown to the other party.
type Provider interface {
	DisplayName(ctx context.Context) (string, error)
}

// Static is a fixed display name.
type Static string

func (s Static) DisplayName(context.Context) (string, error) { return string(s), nil }

// Anonymous assigns a random name on first use and keeps it for the process.
type Anonymous struct {
	once sync.Once
	name string
	err  error
}

func (a *Anonymous) DisplayName(context.Context) (string, error) {
	a.once.Do(func() {
		a.name, a.err = RandomName()
	})
	return a.name, a.err
}

// RandomName returns a 9 character lowercase base36 name.
func RandomName() (string, error) {
	name := make([]byte, anonymousNameLength)
	limit := big.NewInt(int64(len(base36)))
	for i := range name {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		name[i] = base36[n.Int64()]
	}
	return string(name), nil
}
