//go:generate go run go.uber.org/mock/mockgen -source=identity.go -destination=../mocks/mock_identity_repository.go -package=mocks
package repositories

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"cowatch/domain"
	"cowatch/errors"
)

type IIdentityRepository interface {
	Load() (domain.Identity, bool, error)
	Save(identity domain.Identity) error
}

// IdentityRepository holds the single identity record for this installation.
type IdentityRepository struct {
	db *badger.DB
}

func NewIdentityRepository(db *badger.DB) IdentityRepository {
	return IdentityRepository{db: db}
}

var identityKey = []byte("identity:self")

type identityRecord struct {
	ID       string `cbor:"id"`
	Name     string `cbor:"name"`
	LastSeen int64  `cbor:"last_seen"`
}

func (r IdentityRepository) Load() (domain.Identity, bool, error) {
	var rec identityRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, &errors.StoreError{Op: "identity-load", Err: err}
	}
	return domain.Identity{
		ID:          rec.ID,
		DisplayName: rec.Name,
		LastSeen:    time.Unix(0, rec.LastSeen).UTC(),
	}, true, nil
}

func (r IdentityRepository) Save(identity domain.Identity) error {
	bytes, err := cbor.Marshal(identityRecord{
		ID:       identity.ID,
		Name:     identity.DisplayName,
		LastSeen: identity.LastSeen.UnixNano(),
	})
	if err != nil {
		return &errors.StoreError{Op: "identity-save", Err: err}
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey, bytes)
	})
	if err != nil {
		return &errors.StoreError{Op: "identity-save", Err: err}
	}
	return nil
}
