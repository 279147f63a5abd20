package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldops/internal/config"
	"github.com/MarcoPoloResearchLab/fieldops/internal/database"
	"github.com/MarcoPoloResearchLab/fieldops/internal/session"
	"go.uber.org/zap"
)

// openSessionStore opens the configured credential store. The returned close
// function releases the store and any database handle behind it.
func openSessionStore(appConfig config.AppConfig, logger *zap.Logger) (session.Store, func() error, error) {
	backend, err := session.ParseBackend(appConfig.Session.Backend)
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case session.BackendDatabase:
		db, err := database.OpenSQLite(appConfig.Session.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving sql handle: %w", err)
		}
		store, err := session.NewDatabaseStore(session.DatabaseStoreConfig{
			Database: db,
			Key:      appConfig.Session.Key,
			Logger:   logger,
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, func() error {
			_ = store.Close()
			return sqlDB.Close()
		}, nil
	case session.BackendFile:
		store, err := session.NewFileStore(session.FileStoreConfig{
			Path:   appConfig.Session.FilePath,
			Key:    appConfig.Session.Key,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case session.BackendKeyring:
		ring, err := session.OpenKeyring(appConfig.Session.KeyringDir, appConfig.Session.KeyringPassword)
		if err != nil {
			return nil, nil, err
		}
		store, err := session.NewKeyringStore(session.KeyringStoreConfig{
			Keyring: ring,
			Key:     appConfig.Session.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session backend %q", backend)
	}
}
