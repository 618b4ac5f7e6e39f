// Package bc persists batch state in a bitcask store.  The last completed
// commit lives under a single key; failure records live one per package
// under a shared prefix, so a package can be marked failed or recovered
// without rewriting the whole set.
package bc

import (
	"bytes"
	"errors"
	"os"

	"git.mills.io/prologic/bitcask"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/lilacbuild/lilac/pkg/store"
	"github.com/lilacbuild/lilac/pkg/types"
)

var (
	lastCommitKey = []byte("last_commit")
	failedPrefix  = []byte("failed/")
)

// bcStore is the type that must satisfy store.Storage
type bcStore struct {
	s *bitcask.Bitcask

	l hclog.Logger
}

func init() {
	store.RegisterCallback(newFactory)
}

func newFactory() {
	store.RegisterFactory("bitcask", newBCStore)
}

func newBCStore(l hclog.Logger) (store.Storage, error) {
	x := new(bcStore)
	x.l = l.Named("bitcask")

	p := os.Getenv("LILAC_BITCASK_PATH")
	if p == "" {
		l.Error("LILAC_BITCASK_PATH must be set")
		return nil, errors.New("required variable unset")
	}

	opts := []bitcask.Option{
		bitcask.WithMaxKeySize(1024),
		bitcask.WithMaxValueSize(1024 * 64),
		bitcask.WithSync(true),
	}
	b, err := bitcask.Open(p, opts...)
	if err != nil {
		l.Error("Error initializing bitcask", "error", err)
		return nil, err
	}
	x.s = b

	return x, nil
}

// LastCommit returns the commit the last batch completed against, or ""
// on a store no batch has ever written to.
func (b *bcStore) LastCommit() (string, error) {
	v, err := b.s.Get(lastCommitKey)
	switch err {
	case nil:
		return string(v), nil
	case bitcask.ErrKeyNotFound:
		return "", nil
	default:
		return "", err
	}
}

// SetLastCommit records the commit the finishing batch ran against.
func (b *bcStore) SetLastCommit(commit string) error {
	return b.s.Put(lastCommitKey, []byte(commit))
}

// FailedInfo loads every per-package failure record.
func (b *bcStore) FailedInfo() (types.FailedMap, error) {
	out := types.FailedMap{}
	err := b.s.Scan(failedPrefix, func(key []byte) error {
		v, err := b.s.Get(key)
		if err != nil {
			return err
		}
		var entry types.FailedEntry
		if err := yaml.Unmarshal(v, &entry); err != nil {
			// A corrupt record shouldn't wedge every future batch; treat
			// it as a dep-less failure and log it.
			b.l.Warn("Treating undecodable failure record as a dep-less failure", "key", string(key), "error", err)
			entry = types.FailedEntry{}
		}
		pkg := string(bytes.TrimPrefix(key, failedPrefix))
		out[pkg] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutFailed records why a package failed this batch.
func (b *bcStore) PutFailed(pkgbase string, entry types.FailedEntry) error {
	v, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	return b.s.Put(failedKey(pkgbase), v)
}

// DropFailed clears a package's failure record once it recovers or
// leaves the managed set.  Dropping a package that has no record is not
// an error.
func (b *bcStore) DropFailed(pkgbase string) error {
	err := b.s.Delete(failedKey(pkgbase))
	if err == bitcask.ErrKeyNotFound {
		return nil
	}
	return err
}

func (b *bcStore) Close() error {
	return b.s.Close()
}

func failedKey(pkgbase string) []byte {
	return append(append([]byte{}, failedPrefix...), pkgbase...)
}
