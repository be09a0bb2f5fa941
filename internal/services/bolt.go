package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB keeps the user's chat settings in a BoltDB file so that an edited model name or system prompt
// survives a restart. Conversations themselves are never written to it.
type BoltDB struct {
	db *bolt.DB
}

var (
	settingsBucket = []byte("settings")
	settingsKey    = []byte("default")
)

// ErrNoSettings is returned by Settings when nothing was saved yet.
var ErrNoSettings = errors.New("no saved settings")

// NewBoltDB opens, or creates with 0600 permissions, the database at path and makes sure its bucket
// exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create settings bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Settings returns the last saved settings, or ErrNoSettings.
func (b BoltDB) Settings(context.Context) (models.Settings, error) {
	var settings models.Settings
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(settingsKey)
		if v == nil {
			return ErrNoSettings
		}
		if err := json.Unmarshal(v, &settings); err != nil {
			return fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

// SaveSettings replaces the saved settings.
func (b BoltDB) SaveSettings(_ context.Context, settings models.Settings) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		return tx.Bucket(settingsBucket).Put(settingsKey, v)
	})
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
