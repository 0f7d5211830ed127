// Package metastore keeps the mutable per-file pointer records and the cases
// they are filed under. Two backends share one contract: Badger, embedded in
// the vault's own database, and Mongo, for deployments that keep metadata in
// a shared document store.
package metastore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

var (
	ErrInvalidFile = errors.New("metastore: file record needs a user id and a name")
	ErrInvalidCase = errors.New("metastore: case needs an id, a user id and a name")
)

func checkFile(rec model.FileRecord) error {
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.Name) == "" {
		return ErrInvalidFile
	}
	return nil
}

func checkCase(c model.Case) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.Name) == "" {
		return ErrInvalidCase
	}
	return nil
}

func versionConflict(userID, name string, expected, stored uint64) error {
	return fmt.Errorf("%w: file %s/%s is at version %d, expected %d", interfaces.ErrConflict, userID, name, stored, expected)
}
